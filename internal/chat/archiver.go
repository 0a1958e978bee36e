package chat

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/parley/chat-relay/internal/metrics"
)

// Appender is the slice of the message store the archiver needs.
type Appender interface {
	Append(ctx context.Context, m Message) (StoredMessage, error)
}

// Archiver consumes relayed messages from the persistence bus and writes them
// to the history store. Persistence is fire-and-forget: failures are logged
// and counted, never retried, and never surfaced to connected clients.
type Archiver struct {
	store   Appender
	recent  *RecentBuffer // may be nil
	timeout time.Duration
}

// NewArchiver creates an Archiver writing to store. When recent is non-nil,
// every archived message is mirrored into it for the in-memory history
// fallback.
func NewArchiver(store Appender, recent *RecentBuffer) *Archiver {
	return &Archiver{
		store:   store,
		recent:  recent,
		timeout: 5 * time.Second,
	}
}

// Handle processes one persistence bus payload. It is the subscription
// callback registered against the chat.persist subject.
func (a *Archiver) Handle(data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("chat: archiver unmarshal error: %v", err)
		metrics.PersistFailures.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	stored, err := a.store.Append(ctx, m)
	if err != nil {
		log.Printf("chat: archive message from phone=%s failed: %v", m.Phone, err)
		metrics.PersistFailures.Inc()
		// Keep the message visible in the in-memory window even though the
		// database write failed. ID stays zero for unpersisted entries.
		stored = StoredMessage{
			Name:      m.Name,
			Phone:     m.Phone,
			Content:   m.Content,
			CreatedAt: time.Unix(m.Ts, 0),
		}
	}

	if a.recent != nil {
		a.recent.Add(stored)
	}
}
