// Package sqlstore implements the commerce stores on database/sql.
// Postgres (lib/pq) is the production dialect; SQLite (modernc) serves
// local development and the transactional tests. Queries are written with
// "?" placeholders and rebound for Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var tracer = otel.Tracer("sqlstore")

// Dialect selects placeholder style and dialect-specific statements.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Store implements the conversation, catalog, order, message and tenant ports.
type Store struct {
	db      *sql.DB
	dialect Dialect
	loc     *time.Location
	logger  *zap.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithOrderLocation sets the timezone used for the order-number day.
func WithOrderLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// Open connects with the given driver and runs the schema migration.
func Open(ctx context.Context, driverName, dsn string, logger *zap.Logger, opts ...Option) (*Store, error) {
	d := Dialect(driverName)
	if d != Postgres && d != SQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if d == SQLite {
		// one writer; transactions serialise on the pool
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}

	s := New(db, d, logger, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle without migrating.
func New(db *sql.DB, dialect Dialect, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, loc: time.UTC, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites "?" placeholders to "$N" for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// isUniqueViolation recognises duplicate-key errors from both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// dbTime scans timestamps stored natively (Postgres) or as text (SQLite).
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v, true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	}
	return fmt.Errorf("cannot scan %T into timestamp", src)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed, true
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

// Value lets dbTime be used as an argument too.
func (t dbTime) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return t.Time.UTC(), nil
}

// nullTime converts an optional timestamp into an argument.
func nullTime(t *time.Time) dbTime {
	if t == nil {
		return dbTime{}
	}
	return dbTime{Time: *t, Valid: true}
}
