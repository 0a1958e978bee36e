package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestBindAndCount(t *testing.T) {
	r := NewRegistry()

	if r.Count() != 0 {
		t.Fatalf("expected empty registry, got count=%d", r.Count())
	}

	if !r.Bind("conn-1", Identity{Name: "A", Phone: "111"}) {
		t.Fatal("expected first Bind to report a change")
	}
	if !r.Bind("conn-2", Identity{Name: "B", Phone: "222"}) {
		t.Fatal("expected second Bind to report a change")
	}

	if r.Count() != 2 {
		t.Fatalf("expected count=2, got %d", r.Count())
	}
}

func TestSamePhoneCountsOnce(t *testing.T) {
	r := NewRegistry()

	r.Bind("tab-1", Identity{Name: "A", Phone: "111"})
	r.Bind("tab-2", Identity{Name: "A", Phone: "111"})

	if r.Count() != 1 {
		t.Fatalf("two connections with the same phone: expected count=1, got %d", r.Count())
	}

	// Closing one tab keeps the identity present.
	if !r.Remove("tab-1") {
		t.Fatal("expected Remove of bound connection to report a change")
	}
	if r.Count() != 1 {
		t.Fatalf("after closing one of two tabs: expected count=1, got %d", r.Count())
	}

	// Closing the last tab removes the identity.
	r.Remove("tab-2")
	if r.Count() != 0 {
		t.Fatalf("after closing both tabs: expected count=0, got %d", r.Count())
	}
}

func TestRemoveUnidentifiedIsNoOp(t *testing.T) {
	r := NewRegistry()
	r.Bind("conn-1", Identity{Name: "A", Phone: "111"})

	if r.Remove("never-identified") {
		t.Error("expected Remove of unknown connection to report no change")
	}
	if r.Count() != 1 {
		t.Fatalf("expected count unchanged at 1, got %d", r.Count())
	}
}

func TestRebindLastCallWins(t *testing.T) {
	r := NewRegistry()

	r.Bind("conn-1", Identity{Name: "A", Phone: "111"})
	if !r.Bind("conn-1", Identity{Name: "A2", Phone: "333"}) {
		t.Fatal("expected rebind to a new phone to report a change")
	}

	if r.Count() != 1 {
		t.Fatalf("rebound connection must hold a single entry, got count=%d", r.Count())
	}
	id, ok := r.Identity("conn-1")
	if !ok {
		t.Fatal("expected conn-1 to be bound")
	}
	if id.Phone != "333" {
		t.Errorf("expected latest phone %q, got %q", "333", id.Phone)
	}

	// Old phone must be fully released.
	users := r.Users()
	if len(users) != 1 || users[0].Phone != "333" {
		t.Errorf("unexpected user snapshot: %+v", users)
	}
}

func TestRebindSameIdentityReportsNoChange(t *testing.T) {
	r := NewRegistry()

	r.Bind("conn-1", Identity{Name: "A", Phone: "111"})
	if r.Bind("conn-1", Identity{Name: "A", Phone: "111"}) {
		t.Error("expected identical rebind to report no change")
	}
	if r.Count() != 1 {
		t.Fatalf("expected count=1, got %d", r.Count())
	}
}

func TestRebindSamePhoneUpdatesName(t *testing.T) {
	r := NewRegistry()

	r.Bind("conn-1", Identity{Name: "Anna", Phone: "111"})
	r.Bind("conn-1", Identity{Name: "Anne", Phone: "111"})

	users := r.Users()
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Name != "Anne" {
		t.Errorf("expected updated name %q, got %q", "Anne", users[0].Name)
	}
}

func TestUsersSnapshotOrdered(t *testing.T) {
	r := NewRegistry()

	r.Bind("c3", Identity{Name: "C", Phone: "333"})
	r.Bind("c1", Identity{Name: "A", Phone: "111"})
	r.Bind("c2", Identity{Name: "B", Phone: "222"})

	users := r.Users()
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
	for i, want := range []string{"111", "222", "333"} {
		if users[i].Phone != want {
			t.Errorf("users[%d]: expected phone %q, got %q", i, want, users[i].Phone)
		}
	}
}

func TestConcurrentBindRemove(t *testing.T) {
	r := NewRegistry()
	goroutines := 50
	connsPerGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for c := 0; c < connsPerGoroutine; c++ {
				connID := fmt.Sprintf("g%d-c%d", id, c)
				// Half the goroutines share one phone to stress the refcount.
				phone := fmt.Sprintf("phone-%d", id%2)
				r.Bind(connID, Identity{Name: "u", Phone: phone})
				_ = r.Count()
				_ = r.Users()
				r.Remove(connID)
			}
		}(g)
	}

	wg.Wait()

	// Quiescent point: every connection was removed, so no identity remains.
	if r.Count() != 0 {
		t.Fatalf("expected count=0 after all removals, got %d", r.Count())
	}
	if len(r.Users()) != 0 {
		t.Fatalf("expected empty user list, got %+v", r.Users())
	}
}
