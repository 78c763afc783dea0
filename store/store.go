// Package store persists the user records created on login.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// ErrUserNotFound is returned when no record exists for a subject.
var ErrUserNotFound = errors.New("user not found")

// User is the persisted account of an authenticated subject.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	SubjectID     string    `bun:"subject_id,notnull,unique" json:"subject_id"`
	Provider      string    `bun:"provider,notnull" json:"provider"`
	Email         string    `bun:"email" json:"email"`
	DisplayName   string    `bun:"display_name" json:"display_name"`
	PictureURL    string    `bun:"picture_url" json:"picture_url"`
	EmailVerified bool      `bun:"email_verified,notnull" json:"email_verified"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
	LastLoginAt   time.Time `bun:"last_login_at,notnull" json:"last_login_at"`
}

// Profile is the identity data recorded on each login.
type Profile struct {
	SubjectID     string
	Provider      string
	Email         string
	DisplayName   string
	PictureURL    string
	EmailVerified bool
}

// Users stores user records keyed by subject id. Implementations are safe
// for concurrent use.
type Users interface {
	// Upsert creates the record for p.SubjectID or refreshes its profile and
	// last login time. The stored record is returned.
	Upsert(ctx context.Context, p Profile) (*User, error)
	FindBySubject(ctx context.Context, subjectID string) (*User, error)
	Close() error
}

// Open connects the configured driver and ensures the schema exists.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (Users, error) {
	switch driver {
	case DriverMemory:
		logger.Info("using in-memory user store")
		return NewMemoryStore(), nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite, "":
		s, err := OpenSQLite(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func newUser(p Profile, now time.Time) *User {
	return &User{
		ID:            uuid.New(),
		SubjectID:     p.SubjectID,
		Provider:      p.Provider,
		Email:         p.Email,
		DisplayName:   p.DisplayName,
		PictureURL:    p.PictureURL,
		EmailVerified: p.EmailVerified,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastLoginAt:   now,
	}
}
