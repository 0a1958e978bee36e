package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/parley/chat-relay/internal/presence"
	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/user"
)

// fakePeer records every frame enqueued to it. Setting full simulates a slow
// client whose bounded send queue rejects writes.
type fakePeer struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (p *fakePeer) Enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.frames = append(p.frames, data)
	return true
}

// eventsOfType decodes the peer's received frames and returns those whose
// envelope type matches.
func (p *fakePeer) eventsOfType(t *testing.T, eventType string) []map[string]interface{} {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []map[string]interface{}
	for _, frame := range p.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("peer received invalid JSON %q: %v", frame, err)
		}
		if m["type"] == eventType {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePeer) lastServerInfo(t *testing.T) map[string]interface{} {
	t.Helper()
	infos := p.eventsOfType(t, protocol.TypeServerInfo)
	if len(infos) == 0 {
		t.Fatal("peer received no serverInfo event")
	}
	return infos[len(infos)-1]
}

func newTestRelay() *Relay {
	return New(presence.NewRegistry(), nil, nil)
}

// ---------------------------------------------------------------------------
// Message relay semantics
// ---------------------------------------------------------------------------

func TestMessageDeliveredToOthersNeverToSender(t *testing.T) {
	r := newTestRelay()
	a, b := &fakePeer{}, &fakePeer{}
	r.OnConnect("conn-a", a)
	r.OnConnect("conn-b", b)
	r.Identify("conn-a", "A", "111")
	r.Identify("conn-b", "B", "222")

	r.BroadcastMessage("conn-a", protocol.MessageMsg{
		Name: "A", Phone: "111", Content: "hi",
	})

	// B receives exactly one message event with the verbatim payload.
	got := b.eventsOfType(t, protocol.TypeMessage)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 message at B, got %d", len(got))
	}
	msg := got[0]
	if msg["name"] != "A" || msg["phone"] != "111" || msg["content"] != "hi" {
		t.Errorf("unexpected message payload: %v", msg)
	}

	// A never receives its own message back.
	if echoes := a.eventsOfType(t, protocol.TypeMessage); len(echoes) != 0 {
		t.Fatalf("sender received %d copies of its own message", len(echoes))
	}
}

func TestMessageDeliveredOncePerPeer(t *testing.T) {
	r := newTestRelay()
	origin := &fakePeer{}
	r.OnConnect("origin", origin)

	peers := make([]*fakePeer, 5)
	for i := range peers {
		peers[i] = &fakePeer{}
		r.OnConnect(string(rune('a'+i)), peers[i])
	}

	r.BroadcastMessage("origin", protocol.MessageMsg{Name: "O", Phone: "000", Content: "once"})

	for i, p := range peers {
		if n := len(p.eventsOfType(t, protocol.TypeMessage)); n != 1 {
			t.Errorf("peer %d: expected 1 delivery, got %d", i, n)
		}
	}
}

func TestFullPeerSkippedWithoutAbortingBroadcast(t *testing.T) {
	r := newTestRelay()
	slow := &fakePeer{full: true}
	fast := &fakePeer{}
	r.OnConnect("slow", slow)
	r.OnConnect("fast", fast)

	r.BroadcastMessage("origin-not-connected", protocol.MessageMsg{
		Name: "X", Phone: "999", Content: "still delivered",
	})

	if n := len(fast.eventsOfType(t, protocol.TypeMessage)); n != 1 {
		t.Fatalf("fast peer: expected 1 delivery despite slow peer, got %d", n)
	}
	if n := len(slow.frames); n != 0 {
		t.Fatalf("slow peer: expected 0 accepted frames, got %d", n)
	}
}

func TestTypingRelayExcludesSender(t *testing.T) {
	r := newTestRelay()
	a, b := &fakePeer{}, &fakePeer{}
	r.OnConnect("conn-a", a)
	r.OnConnect("conn-b", b)

	r.BroadcastTyping("conn-a", protocol.TypingMsg{Name: "A", Typing: true})

	got := b.eventsOfType(t, protocol.TypeTyping)
	if len(got) != 1 {
		t.Fatalf("expected 1 typing event at B, got %d", len(got))
	}
	if got[0]["typing"] != true || got[0]["name"] != "A" {
		t.Errorf("unexpected typing payload: %v", got[0])
	}
	if n := len(a.eventsOfType(t, protocol.TypeTyping)); n != 0 {
		t.Errorf("sender received %d typing echoes", n)
	}
}

// ---------------------------------------------------------------------------
// Presence semantics
// ---------------------------------------------------------------------------

func TestOnConnectSendsPresenceSnapshot(t *testing.T) {
	r := newTestRelay()
	a := &fakePeer{}
	r.OnConnect("conn-a", a)
	r.Identify("conn-a", "A", "111")

	late := &fakePeer{}
	r.OnConnect("conn-late", late)

	info := late.lastServerInfo(t)
	if info["connectedUsers"] != float64(1) {
		t.Errorf("late joiner snapshot: expected connectedUsers=1, got %v", info["connectedUsers"])
	}
}

func TestIdentifyBroadcastsPresenceToAll(t *testing.T) {
	r := newTestRelay()
	a, b := &fakePeer{}, &fakePeer{}
	r.OnConnect("conn-a", a)
	r.OnConnect("conn-b", b)

	r.Identify("conn-a", "A", "111")

	// Both peers, including the one that triggered the change, see the update.
	for name, p := range map[string]*fakePeer{"a": a, "b": b} {
		info := p.lastServerInfo(t)
		if info["connectedUsers"] != float64(1) {
			t.Errorf("peer %s: expected connectedUsers=1, got %v", name, info["connectedUsers"])
		}
	}
}

func TestDisconnectBroadcastsUpdatedCount(t *testing.T) {
	r := newTestRelay()
	a, b := &fakePeer{}, &fakePeer{}
	r.OnConnect("conn-a", a)
	r.OnConnect("conn-b", b)
	r.Identify("conn-a", "A", "111")
	r.Identify("conn-b", "B", "222")

	r.OnDisconnect("conn-b")

	info := a.lastServerInfo(t)
	if info["connectedUsers"] != float64(1) {
		t.Errorf("after B disconnects: expected connectedUsers=1, got %v", info["connectedUsers"])
	}
}

func TestSecondDeviceSamePhoneDoesNotDoubleCount(t *testing.T) {
	r := newTestRelay()
	a, b, c := &fakePeer{}, &fakePeer{}, &fakePeer{}
	r.OnConnect("conn-a", a)
	r.OnConnect("conn-b", b)
	r.Identify("conn-a", "A", "111")
	r.Identify("conn-b", "B", "222")

	// C is A's second device: same phone, new connection.
	r.OnConnect("conn-c", c)
	r.Identify("conn-c", "A", "111")

	for name, p := range map[string]*fakePeer{"a": a, "b": b, "c": c} {
		info := p.lastServerInfo(t)
		if info["connectedUsers"] != float64(2) {
			t.Errorf("peer %s: expected connectedUsers=2 (unique by phone), got %v",
				name, info["connectedUsers"])
		}
	}

	// A's first device disconnecting must keep A present via the second one.
	r.OnDisconnect("conn-a")
	info := b.lastServerInfo(t)
	if info["connectedUsers"] != float64(2) {
		t.Errorf("after first device leaves: expected connectedUsers=2, got %v", info["connectedUsers"])
	}
}

func TestUnidentifiedDisconnectDoesNotTouchPresence(t *testing.T) {
	r := newTestRelay()
	a, ghost := &fakePeer{}, &fakePeer{}
	r.OnConnect("conn-a", a)
	r.Identify("conn-a", "A", "111")

	r.OnConnect("conn-ghost", ghost)
	before := len(a.eventsOfType(t, protocol.TypeServerInfo))

	r.OnDisconnect("conn-ghost")

	after := len(a.eventsOfType(t, protocol.TypeServerInfo))
	if after != before {
		t.Errorf("unidentified disconnect triggered %d presence broadcasts", after-before)
	}
	if r.ConnectedUsers() != 1 {
		t.Errorf("expected count=1, got %d", r.ConnectedUsers())
	}
}

func TestIdentifyWithoutPhoneIgnored(t *testing.T) {
	r := newTestRelay()
	a, b := &fakePeer{}, &fakePeer{}
	r.OnConnect("conn-a", a)
	r.OnConnect("conn-b", b)

	before := len(b.eventsOfType(t, protocol.TypeServerInfo))
	r.Identify("conn-a", "NoPhone", "")
	after := len(b.eventsOfType(t, protocol.TypeServerInfo))

	if after != before {
		t.Error("identify without phone must not broadcast presence")
	}
	if r.ConnectedUsers() != 0 {
		t.Errorf("expected count=0, got %d", r.ConnectedUsers())
	}
}

func TestServerInfoCarriesUserList(t *testing.T) {
	r := newTestRelay()
	a, b := &fakePeer{}, &fakePeer{}
	r.OnConnect("conn-a", a)
	r.OnConnect("conn-b", b)
	r.Identify("conn-a", "A", "111")
	r.Identify("conn-b", "B", "222")

	info := a.lastServerInfo(t)
	users, ok := info["users"].([]interface{})
	if !ok {
		t.Fatalf("expected users list, got %T", info["users"])
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}

// ---------------------------------------------------------------------------
// Persistence hand-off
// ---------------------------------------------------------------------------

type fakeBus struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (b *fakeBus) PublishPersist(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.payloads = append(b.payloads, data)
	return nil
}

func TestMessagePublishedForPersistenceAfterBroadcast(t *testing.T) {
	bus := &fakeBus{}
	r := New(presence.NewRegistry(), bus, nil)
	b := &fakePeer{}
	r.OnConnect("conn-b", b)

	r.BroadcastMessage("conn-a", protocol.MessageMsg{Name: "A", Phone: "111", Content: "save me"})

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.payloads) != 1 {
		t.Fatalf("expected 1 persist payload, got %d", len(bus.payloads))
	}
	var persisted struct {
		Name    string `json:"name"`
		Phone   string `json:"phone"`
		Content string `json:"content"`
		Ts      int64  `json:"ts"`
	}
	if err := json.Unmarshal(bus.payloads[0], &persisted); err != nil {
		t.Fatalf("persist payload invalid: %v", err)
	}
	if persisted.Phone != "111" || persisted.Content != "save me" {
		t.Errorf("unexpected persist payload: %+v", persisted)
	}
	if persisted.Ts == 0 {
		t.Error("expected relay to stamp a timestamp")
	}
}

func TestPersistFailureDoesNotAffectDelivery(t *testing.T) {
	bus := &fakeBus{err: errors.New("nats down")}
	r := New(presence.NewRegistry(), bus, nil)
	b := &fakePeer{}
	r.OnConnect("conn-b", b)

	r.BroadcastMessage("conn-a", protocol.MessageMsg{Name: "A", Phone: "111", Content: "hi"})

	if n := len(b.eventsOfType(t, protocol.TypeMessage)); n != 1 {
		t.Fatalf("expected delivery despite persist failure, got %d", n)
	}
}

// fakeRegistrar records FindOrCreate calls.
type fakeRegistrar struct {
	mu    sync.Mutex
	calls []string
	done  chan struct{}
}

func (f *fakeRegistrar) FindOrCreate(_ context.Context, name, phone string) (user.User, error) {
	f.mu.Lock()
	f.calls = append(f.calls, phone)
	f.mu.Unlock()
	select {
	case f.done <- struct{}{}:
	default:
	}
	return user.User{ID: 1, Name: name, Phone: phone}, nil
}

func TestIdentifyRegistersUser(t *testing.T) {
	reg := &fakeRegistrar{done: make(chan struct{}, 1)}
	r := New(presence.NewRegistry(), nil, reg)
	a := &fakePeer{}
	r.OnConnect("conn-a", a)

	r.Identify("conn-a", "A", "111")
	<-reg.done

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.calls) != 1 || reg.calls[0] != "111" {
		t.Errorf("expected FindOrCreate(\"111\"), got %v", reg.calls)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentBroadcastAndChurn(t *testing.T) {
	r := newTestRelay()
	stable := &fakePeer{}
	r.OnConnect("stable", stable)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				connID := string(rune('A'+id)) + "-churn"
				r.OnConnect(connID, &fakePeer{})
				r.Identify(connID, "churn", "555")
				r.OnDisconnect(connID)
			}
		}(g)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.BroadcastMessage("nobody", protocol.MessageMsg{
					Name: "X", Phone: "999", Content: "load",
				})
			}
		}()
	}
	wg.Wait()

	// Quiescent point: only the stable peer remains and nobody is identified.
	if r.LivePeers() != 1 {
		t.Errorf("expected 1 live peer, got %d", r.LivePeers())
	}
	if r.ConnectedUsers() != 0 {
		t.Errorf("expected 0 connected users, got %d", r.ConnectedUsers())
	}
	if n := len(stable.eventsOfType(t, protocol.TypeMessage)); n != 500 {
		t.Errorf("stable peer: expected 500 deliveries, got %d", n)
	}
}
