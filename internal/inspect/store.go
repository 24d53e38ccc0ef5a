// Package inspect reads the OpSight backend's relational store directly.
//
// A Store describes collection schemas, lists and summarizes records,
// verifies reference and enum integrity, and purges collections inside a
// transaction. It never defines the schema; it only reads what the backend
// created.
package inspect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/opsight/opscheck/internal/diag"
)

// Options selects and configures the store connection.
type Options struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Logger *zap.Logger
}

// Store is an open connection to the backend database.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// Open connects to the store and verifies the connection with a ping.
// A missing sqlite file is reported as a ConnectionError instead of being
// silently created.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		d          dialect
		driverName string
		dsn        = opts.DSN
	)
	switch opts.Driver {
	case "", "sqlite":
		d = sqliteDialect{}
		driverName = "sqlite"
		if path := sqliteFilePath(dsn); path != "" {
			if _, err := os.Stat(path); err != nil {
				return nil, &diag.ConnectionError{Target: path, Cause: err}
			}
		}
		dsn = withSQLitePragmas(dsn)
	case "postgres":
		d = postgresDialect{}
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}

	logger.Debug("opening store", zap.String("driver", d.name()), zap.String("dsn", redactDSN(opts.DSN)))

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, &diag.ConnectionError{Target: redactDSN(opts.DSN), Cause: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &diag.ConnectionError{Target: redactDSN(opts.DSN), Cause: err}
	}

	return &Store{db: db, dialect: d, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.logger.Debug("closing store")
	return s.db.Close()
}

// sqliteFilePath returns the on-disk path for a sqlite DSN, or "" for
// in-memory databases.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

// withSQLitePragmas enables foreign keys and a busy timeout so purges
// cannot orphan rows and do not fail while the backend holds a lock.
func withSQLitePragmas(dsn string) string {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if strings.Contains(dsn, "?") {
		return dsn + "&" + pragmas
	}
	return dsn + "?" + pragmas
}

// redactDSN hides a postgres password in log output.
func redactDSN(dsn string) string {
	at := strings.LastIndexByte(dsn, '@')
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.IndexByte(creds, ':'); i >= 0 {
		return dsn[:scheme+3] + creds[:i] + ":***" + dsn[at:]
	}
	return dsn
}

// rollback is deferred by mutating operations; it is a no-op after commit.
func rollback(tx *sql.Tx, logger *zap.Logger) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Warn("rollback failed", zap.Error(err))
	}
}
