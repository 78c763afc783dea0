package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// DefaultSQLiteDSN keeps the embedded database in memory. Each store opened
// with it gets its own database.
const DefaultSQLiteDSN = ":memory:"

// BunStore keeps users in a SQL database through bun.
type BunStore struct {
	db     *bun.DB
	now    func() time.Time
	logger *slog.Logger
}

// OpenPostgres connects to PostgreSQL using lib/pq.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*BunStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres: dsn required")
	}
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s, err := NewBunStore(ctx, bun.NewDB(sqldb, pgdialect.New()), logger)
	if err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	logger.Info("connected user store", "driver", DriverPostgres)
	return s, nil
}

// OpenSQLite opens an embedded SQLite database. An empty dsn uses a private
// in-memory database.
func OpenSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*BunStore, error) {
	if dsn == "" {
		dsn = DefaultSQLiteDSN
	}
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps an in-memory
	// database alive between queries.
	sqldb.SetMaxOpenConns(1)

	s, err := NewBunStore(ctx, bun.NewDB(sqldb, sqlitedialect.New()), logger)
	if err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	logger.Info("connected user store", "driver", DriverSQLite, "dsn", dsn)
	return s, nil
}

// NewBunStore wraps an existing bun database and creates the users table if
// it is missing.
func NewBunStore(ctx context.Context, db *bun.DB, logger *slog.Logger) (*BunStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*User)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("create users table: %w", err)
	}
	return &BunStore{db: db, now: time.Now, logger: logger}, nil
}

// Upsert inserts the user or refreshes the profile columns on conflict.
func (s *BunStore) Upsert(ctx context.Context, p Profile) (*User, error) {
	if p.SubjectID == "" {
		return nil, errors.New("upsert user: subject id required")
	}
	u := newUser(p, s.now().UTC())

	_, err := s.db.NewInsert().
		Model(u).
		On("CONFLICT (subject_id) DO UPDATE").
		Set("provider = EXCLUDED.provider").
		Set("email = EXCLUDED.email").
		Set("display_name = EXCLUDED.display_name").
		Set("picture_url = EXCLUDED.picture_url").
		Set("email_verified = EXCLUDED.email_verified").
		Set("updated_at = EXCLUDED.updated_at").
		Set("last_login_at = EXCLUDED.last_login_at").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	s.logger.Debug("user recorded", "subject_id", p.SubjectID, "provider", p.Provider)

	return s.FindBySubject(ctx, p.SubjectID)
}

// FindBySubject loads the user recorded for subjectID.
func (s *BunStore) FindBySubject(ctx context.Context, subjectID string) (*User, error) {
	u := new(User)
	err := s.db.NewSelect().
		Model(u).
		Where("?TableAlias.subject_id = ?", subjectID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// Close releases the database handle.
func (s *BunStore) Close() error {
	return s.db.Close()
}
