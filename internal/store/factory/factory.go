package factory

import (
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/loykin/botrunner/internal/store"
	pg "github.com/loykin/botrunner/internal/store/postgres"
	sq "github.com/loykin/botrunner/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(d[len("sqlite://"):])
	}
	// default to sqlite path
	return sq.New(d)
}

// New resolves cfg into a DSN and opens the store.
func New(cfg store.Config) (store.Store, error) {
	dsn, err := cfg.ResolveDSN()
	if err != nil {
		return nil, err
	}
	s, err := NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if sd, ok := s.(interface{ SetPool(int, int) }); ok {
		sd.SetPool(cfg.MaxOpenConns, cfg.MaxIdleConns)
	}
	if r, ok := s.(interface{ Raw() *sql.DB }); ok && cfg.ConnMaxAge > 0 {
		r.Raw().SetConnMaxLifetime(cfg.ConnMaxAge)
	}
	return s, nil
}
