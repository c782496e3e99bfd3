package sqlite

import (
	"database/sql"
	"strings"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/loykin/botrunner/internal/store/sqlstore"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	*sqlstore.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", withPragmas(p))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one connection: keeps ":memory:" a single database and serializes writers
	d.SetMaxOpenConns(1)
	return &DB{DB: sqlstore.New(d, sqlstore.SQLite)}, nil
}

// withPragmas attaches busy_timeout to every pooled connection.
func withPragmas(p string) string {
	if strings.Contains(p, "_pragma=") {
		return p
	}
	sep := "?"
	if strings.Contains(p, "?") {
		sep = "&"
	}
	return p + sep + "_pragma=busy_timeout(5000)"
}
