// Package user provides the PostgreSQL-backed user registry. Users are keyed
// uniquely by phone; registration is an idempotent find-or-create.
package user

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// User is a registered chat participant.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store manages users in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a user store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// FindOrCreate returns the user with the given phone, creating it if absent.
// Repeated calls with the same phone return the same logical record; the
// display name is refreshed to the latest value on every call.
func (s *Store) FindOrCreate(ctx context.Context, name, phone string) (User, error) {
	if phone == "" {
		return User{}, fmt.Errorf("user: phone is required")
	}

	const query = `
		INSERT INTO users (name, phone)
		VALUES ($1, $2)
		ON CONFLICT (phone) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, phone, created_at`

	var u User
	err := s.db.QueryRowContext(ctx, query, name, phone).
		Scan(&u.ID, &u.Name, &u.Phone, &u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("user: find or create: %w", err)
	}
	return u, nil
}

// Count returns the total number of registered users.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("user: count: %w", err)
	}
	return n, nil
}
