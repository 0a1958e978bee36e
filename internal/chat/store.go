package chat

import (
	"context"
	"database/sql"
	"fmt"
)

// Store manages chat message history in PostgreSQL. Persistence is best
// effort: the relay broadcasts first and hands messages to the store
// afterwards, so a store failure never affects delivery.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts a message into the history and returns the stored row with
// its assigned ID and timestamp.
func (s *Store) Append(ctx context.Context, m Message) (StoredMessage, error) {
	const query = `
		INSERT INTO messages (name, phone, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	stored := StoredMessage{Name: m.Name, Phone: m.Phone, Content: m.Content}
	err := s.db.QueryRowContext(ctx, query, m.Name, m.Phone, m.Content).
		Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("chat: insert message: %w", err)
	}
	return stored, nil
}

// Recent returns the most recent limit messages in ascending time order
// (oldest of the window first), matching what a client renders on load.
func (s *Store) Recent(ctx context.Context, limit int) ([]StoredMessage, error) {
	const query = `
		SELECT id, name, phone, content, created_at
		FROM (
			SELECT id, name, phone, content, created_at
			FROM messages
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		) latest
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: query recent: %w", err)
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, limit)
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.Name, &m.Phone, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: iterate messages: %w", err)
	}
	return msgs, nil
}

// Count returns the total number of stored messages.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("chat: count messages: %w", err)
	}
	return n, nil
}
