package registry

import (
	"sync"
	"testing"
	"time"
)

func node(id string) Node {
	return Node{ID: id, Name: id, Type: NodeTypeDept, Addr: "10.0.0.1", Port: 7946, LastSeen: time.Now()}
}

func TestUpsertAndGet(t *testing.T) {
	r := New("local", 0)
	r.Upsert(node("peer-1"))

	got, ok := r.Get("peer-1")
	if !ok || got.Addr != "10.0.0.1" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestUpsertIgnoresSelf(t *testing.T) {
	r := New("local", 0)
	r.Upsert(node("local"))
	if r.Len() != 0 {
		t.Error("registry must not track the local node")
	}
}

func TestUpsertIgnoresEmptyID(t *testing.T) {
	r := New("local", 0)
	r.Upsert(Node{Addr: "10.0.0.9"})
	if r.Len() != 0 {
		t.Error("registry must ignore announcements without an id")
	}
}

func TestDiscoveredCallbackFiresOnce(t *testing.T) {
	r := New("local", 0)

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{}, 2)
	r.OnDiscovered(func(Node) {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
	})

	r.Upsert(node("peer-1"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("discovered callback never fired")
	}

	// Repeat announcement from a known peer must not fire again.
	r.Upsert(node("peer-1"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	r := New("local", 0)
	n := node("peer-1")
	n.LastSeen = time.Now().Add(-time.Hour)
	r.Upsert(n)

	r.Touch("peer-1")
	got, _ := r.Get("peer-1")
	if time.Since(got.LastSeen) > time.Minute {
		t.Errorf("LastSeen not refreshed: %v", got.LastSeen)
	}
}

func TestEvictSilent(t *testing.T) {
	r := New("local", time.Minute)

	stale := node("stale")
	stale.LastSeen = time.Now().Add(-2 * time.Minute)
	r.Upsert(stale)
	r.Upsert(node("fresh"))

	lost := make(chan Node, 1)
	r.OnLost(func(n Node) { lost <- n })

	r.evictSilent(time.Now())

	select {
	case n := <-lost:
		if n.ID != "stale" {
			t.Errorf("lost %q, want stale", n.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("lost callback never fired")
	}

	if _, ok := r.Get("stale"); ok {
		t.Error("stale peer still present")
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh peer evicted")
	}
}

func TestListSorted(t *testing.T) {
	r := New("local", 0)
	for _, id := range []string{"c", "a", "b"} {
		r.Upsert(node(id))
	}
	list := r.List()
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Fatalf("List = %+v", list)
	}
}

func TestRemove(t *testing.T) {
	r := New("local", 0)
	r.Upsert(node("peer-1"))
	r.Remove("peer-1")
	if r.Len() != 0 {
		t.Error("peer not removed")
	}
}
