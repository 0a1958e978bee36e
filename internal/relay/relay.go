// Package relay implements the broadcast engine: it tracks live peer
// connections, binds them to identities via the presence registry, and fans
// chat messages and typing signals out to every peer except the originator.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/parley/chat-relay/internal/chat"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/presence"
	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/user"
)

// Sender is the transport-level handle the relay needs for one peer. Enqueue
// must not block: it reports false when the peer's send queue is full or the
// peer is closing, and the relay skips that peer.
type Sender interface {
	Enqueue(data []byte) bool
}

// Publisher hands relayed messages to the persistence bus. Publishing happens
// strictly after the broadcast and is fire-and-forget.
type Publisher interface {
	PublishPersist(data []byte) error
}

// Registrar is the slice of the user registry exercised on identify.
type Registrar interface {
	FindOrCreate(ctx context.Context, name, phone string) (user.User, error)
}

// Relay is the process-wide broadcast engine. All methods are safe for
// concurrent use from many connection workers.
type Relay struct {
	mu    sync.RWMutex
	peers map[string]Sender // connection ID -> peer handle

	registry *presence.Registry
	bus      Publisher // may be nil
	users    Registrar // may be nil
}

// New creates a Relay over the given presence registry. bus and users are
// optional collaborators: a nil bus disables message persistence, a nil users
// disables registration on identify.
func New(registry *presence.Registry, bus Publisher, users Registrar) *Relay {
	return &Relay{
		peers:    make(map[string]Sender),
		registry: registry,
		bus:      bus,
		users:    users,
	}
}

// OnConnect registers a new peer. The lifecycle manager calls this before any
// event is read from the connection, so no event is ever dispatched against
// an unregistered peer. The new peer immediately receives the current
// presence snapshot.
func (r *Relay) OnConnect(connID string, peer Sender) {
	r.mu.Lock()
	r.peers[connID] = peer
	r.mu.Unlock()

	if info, err := r.presenceEvent(); err == nil {
		if !peer.Enqueue(info) {
			metrics.SendDrops.Inc()
		}
	}
}

// OnDisconnect removes a peer and its presence binding. The lifecycle manager
// guarantees exactly one call per connection. A presence update is pushed to
// the remaining peers only when the connection was identified.
func (r *Relay) OnDisconnect(connID string) {
	r.mu.Lock()
	delete(r.peers, connID)
	r.mu.Unlock()

	if r.registry.Remove(connID) {
		r.broadcastPresence()
	}
}

// Identify binds a connection to the identity declared by its client. An
// empty phone is silently ignored: phone is the only mandatory identity
// field. Re-identifying rebinds (last call wins). A successful bind pushes a
// presence update to all peers and registers the user asynchronously.
func (r *Relay) Identify(connID, name, phone string) {
	if phone == "" {
		log.Printf("relay: identify without phone from conn=%s ignored", connID)
		return
	}

	changed := r.registry.Bind(connID, presence.Identity{Name: name, Phone: phone})
	log.Printf("relay: conn=%s identified phone=%s name=%q (users=%d)",
		connID, phone, name, r.registry.Count())

	if r.users != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := r.users.FindOrCreate(ctx, name, phone); err != nil {
				log.Printf("relay: register user phone=%s failed: %v", phone, err)
			}
		}()
	}

	if changed {
		r.broadcastPresence()
	}
}

// BroadcastMessage relays a chat message to every live peer except the
// originating connection, then hands the message to the persistence bus.
// Delivery is per-peer best effort: a full or closing peer is skipped and the
// remaining peers still receive the message exactly once.
func (r *Relay) BroadcastMessage(originID string, m protocol.MessageMsg) {
	data, err := protocol.NewServerMessage(protocol.TypeMessage, m)
	if err != nil {
		log.Printf("relay: build message event failed: %v", err)
		return
	}

	start := time.Now()
	delivered := r.fanout(originID, data)
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	metrics.EventsRelayed.WithLabelValues("message").Add(float64(delivered))

	// Persistence happens strictly after the broadcast so a slow or failing
	// store never delays delivery.
	if r.bus != nil {
		r.persist(m)
	}
}

// BroadcastTyping relays a typing signal to every live peer except the
// originating connection. Typing signals are ephemeral and never persisted.
func (r *Relay) BroadcastTyping(originID string, m protocol.TypingMsg) {
	data, err := protocol.NewServerMessage(protocol.TypeTyping, m)
	if err != nil {
		log.Printf("relay: build typing event failed: %v", err)
		return
	}
	delivered := r.fanout(originID, data)
	metrics.EventsRelayed.WithLabelValues("typing").Add(float64(delivered))
}

// ConnectedUsers returns the number of distinct identified users.
func (r *Relay) ConnectedUsers() int {
	return r.registry.Count()
}

// LivePeers returns the number of registered peer connections.
func (r *Relay) LivePeers() int {
	r.mu.RLock()
	n := len(r.peers)
	r.mu.RUnlock()
	return n
}

// fanout enqueues data to every peer except excludeID and returns the number
// of successful deliveries. The peer set is snapshotted under the read lock
// so a concurrent connect or disconnect cannot corrupt the iteration.
func (r *Relay) fanout(excludeID string, data []byte) int {
	r.mu.RLock()
	targets := make([]Sender, 0, len(r.peers))
	for id, peer := range r.peers {
		if id == excludeID {
			continue
		}
		targets = append(targets, peer)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, peer := range targets {
		if peer.Enqueue(data) {
			delivered++
		} else {
			metrics.SendDrops.Inc()
		}
	}
	return delivered
}

// broadcastPresence pushes a serverInfo event to ALL peers, including the one
// whose change triggered it. Presence updates are emitted on every registry
// mutation, not batched or debounced.
func (r *Relay) broadcastPresence() {
	data, err := r.presenceEvent()
	if err != nil {
		log.Printf("relay: build serverInfo event failed: %v", err)
		return
	}
	r.fanout("", data)
}

// presenceEvent builds the serverInfo payload from the current registry
// state and updates the connected-users gauge.
func (r *Relay) presenceEvent() ([]byte, error) {
	users := r.registry.Users()
	infos := make([]protocol.UserInfo, len(users))
	for i, u := range users {
		infos[i] = protocol.UserInfo{Name: u.Name, Phone: u.Phone}
	}

	metrics.ConnectedUsers.Set(float64(len(users)))

	return protocol.NewServerMessage(protocol.TypeServerInfo, protocol.ServerInfoMsg{
		ConnectedUsers: len(users),
		Users:          infos,
	})
}

// persist publishes the message to the persistence bus. Failures are logged
// only; the broadcast already happened.
func (r *Relay) persist(m protocol.MessageMsg) {
	ts := m.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	payload, err := json.Marshal(chat.Message{
		Name:    m.Name,
		Phone:   m.Phone,
		Content: m.Content,
		Ts:      ts,
	})
	if err != nil {
		log.Printf("relay: encode persist payload failed: %v", err)
		return
	}
	if err := r.bus.PublishPersist(payload); err != nil {
		log.Printf("relay: publish persist for phone=%s failed: %v", m.Phone, err)
		metrics.PersistFailures.Inc()
	}
}
