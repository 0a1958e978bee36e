package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection liveness states.
const (
	StateOpen int32 = iota
	StateClosing
	StateClosed
)

// Connection represents a single WebSocket client connection. Outbound frames
// go through a bounded send queue drained by a dedicated writer goroutine, so
// a slow client backs up only its own queue and never stalls a broadcast.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established
	LastPing  time.Time // last activity observed from the client

	send         chan []byte
	done         chan struct{}
	state        int32 // atomic: StateOpen -> StateClosing -> StateClosed
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes data frames and heartbeat pings
	processing   int32      // atomic flag: 0 = idle, 1 = being read by a worker
}

// NewConnection creates a Connection with a send queue of queueSize frames.
// The caller must start the writer with go c.WritePump().
func NewConnection(id string, conn net.Conn, fd int, queueSize int, writeTimeout time.Duration) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	now := time.Now()
	return &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    now,
		LastPing:     now,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// Enqueue places a frame on the connection's send queue without blocking.
// It reports false when the queue is full or the connection is closing;
// callers treat a false return as a dropped frame.
func (c *Connection) Enqueue(data []byte) bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	default:
		return false
	}
}

// WritePump drains the send queue, writing one WebSocket text frame per
// queued payload. A write error closes the underlying connection; the read
// path then observes the failure and runs the normal teardown exactly once.
func (c *Connection) WritePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.writeFrame(data); err != nil {
				_ = c.Conn.Close()
				return
			}
		}
	}
}

// writeFrame writes a single text frame under the write mutex so queued data
// never interleaves with heartbeat pings.
func (c *Connection) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// WritePong answers a client ping, echoing its payload per the protocol.
func (c *Connection) WritePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// Alive reports whether the connection is still open for sends.
func (c *Connection) Alive() bool {
	return atomic.LoadInt32(&c.state) == StateOpen
}

// Close transitions the connection to closed, stops the writer goroutine, and
// closes the underlying network connection. Safe to call from multiple
// teardown paths; only the first call does any work.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.state, StateOpen, StateClosing) {
		return nil
	}
	close(c.done)
	err := c.Conn.Close()
	atomic.StoreInt32(&c.state, StateClosed)
	return err
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their Connection objects, with O(1) lookups by both.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection in both lookup maps and starts its writer.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()

	go conn.WritePump()
}

// Remove removes a connection by ID and closes it. Returns true if the
// connection was found and removed, false if it was already gone. The bool
// is what makes disconnect notification exactly-once: concurrent teardown
// paths race on it and only the winner proceeds.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting its
// file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of registered connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections, safe to iterate without
// holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
