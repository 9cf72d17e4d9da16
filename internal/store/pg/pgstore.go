package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store owns the connection pool. Each domain gets its own narrow accessor
// so the engine's store interfaces keep their natural method names.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Users() *Users             { return &Users{db: s.db} }
func (s *Store) Companies() *Companies     { return &Companies{db: s.db} }
func (s *Store) Credentials() *Credentials { return &Credentials{db: s.db} }
func (s *Store) Sessions() *Sessions       { return &Sessions{db: s.db} }
func (s *Store) Roles() *Roles             { return &Roles{db: s.db} }
func (s *Store) Memberships() *Memberships { return &Memberships{db: s.db} }
func (s *Store) OAuth() *OAuth             { return &OAuth{db: s.db} }
func (s *Store) MFA() *MFA                 { return &MFA{db: s.db} }
func (s *Store) Invites() *Invites         { return &Invites{db: s.db} }
func (s *Store) Audit() *AuditLog          { return &AuditLog{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func execOne(ctx context.Context, db *sql.DB, query string, args []any, notFound error) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
