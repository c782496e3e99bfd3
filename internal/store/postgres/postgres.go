package postgres

import (
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/botrunner/internal/store/sqlstore"
)

// DB implements store.Store for PostgreSQL through the pgx stdlib driver.
type DB struct {
	*sqlstore.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return &DB{DB: sqlstore.New(d, sqlstore.Postgres)}, nil
}

// SetPool applies connection pool limits. Zero leaves the driver default.
func (p *DB) SetPool(maxOpen, maxIdle int) {
	if maxOpen > 0 {
		p.Raw().SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		p.Raw().SetMaxIdleConns(maxIdle)
	}
}
