// Package chat provides the chat message domain types, content validation,
// and PostgreSQL-backed message history storage.
package chat

import "time"

// Message is a chat message as it moves through the relay and onto the
// persistence bus. Ts is the relay-side receive time (unix seconds).
type Message struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Content string `json:"content"`
	Ts      int64  `json:"ts"`
}

// StoredMessage is a message as persisted in the history store.
type StoredMessage struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}
