package registry

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRegisterIDs(t *testing.T) {
	r := New(0)
	a, _ := r.Register()
	b, _ := r.Register()
	if a == b {
		t.Fatal("ids must be unique")
	}
	if !strings.HasPrefix(a, "obs_") {
		t.Fatalf("id: got %q, want obs_ prefix", a)
	}
	if r.Window() != DefaultWindow {
		t.Fatalf("window: got %v, want %v", r.Window(), DefaultWindow)
	}
	if r.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", r.Len())
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	r := New(time.Minute)
	id, _ := r.Register()
	for _, i := range []int{5, 3, 5, 9, 3} {
		r.Enqueue(id, i)
	}
	got, ok := r.Drain(id)
	if !ok {
		t.Fatal("Drain: observer unknown")
	}
	want := []int{5, 3, 9}
	if len(got) != len(want) {
		t.Fatalf("Drain: got %v, want %v", got, want)
	}
	for k := range want {
		if got[k] != want[k] {
			t.Fatalf("Drain: got %v, want %v", got, want)
		}
	}

	// Drained set is empty and accepts the same index again.
	if got, _ := r.Drain(id); len(got) != 0 {
		t.Fatalf("second Drain: got %v, want empty", got)
	}
	r.Enqueue(id, 5)
	if got, _ := r.Drain(id); len(got) != 1 || got[0] != 5 {
		t.Fatalf("Drain after re-enqueue: got %v, want [5]", got)
	}
}

func TestLiveness(t *testing.T) {
	c := newClock()
	r := New(30*time.Second, WithClock(c.Now))
	id, deadline := r.Register()
	if !deadline.Equal(c.Now().Add(30 * time.Second)) {
		t.Fatalf("deadline: got %v", deadline)
	}

	c.Advance(20 * time.Second)
	if !r.IsActive(id) {
		t.Fatal("observer should be active at 20s")
	}
	r.Touch(id)
	c.Advance(20 * time.Second)
	if !r.IsActive(id) {
		t.Fatal("touch should have extended the deadline")
	}
	c.Advance(11 * time.Second)
	if r.IsActive(id) {
		t.Fatal("observer should be expired")
	}
	if r.Touch(id) {
		t.Fatal("Touch must not revive an expired observer")
	}
	if r.Enqueue(id, 1) {
		t.Fatal("Enqueue on expired observer should report false")
	}
	// Still present until something reaps it.
	if r.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", r.Len())
	}
}

func TestDrainExtendsAndExpiredDrainRemoves(t *testing.T) {
	c := newClock()
	r := New(10*time.Second, WithClock(c.Now))
	id, _ := r.Register()

	c.Advance(9 * time.Second)
	if _, ok := r.Drain(id); !ok {
		t.Fatal("Drain before deadline should succeed")
	}
	c.Advance(9 * time.Second)
	if !r.IsActive(id) {
		t.Fatal("Drain should have extended the deadline")
	}
	c.Advance(2 * time.Second)
	if _, ok := r.Drain(id); ok {
		t.Fatal("Drain after deadline should report unknown")
	}
	if r.Len() != 0 {
		t.Fatalf("Len: got %d, want 0", r.Len())
	}
}

func TestFanOutSkipsMutatorAndReaps(t *testing.T) {
	c := newClock()
	r := New(30*time.Second, WithClock(c.Now))
	a, _ := r.Register()
	stale, _ := r.Register()
	c.Advance(20 * time.Second)
	b, _ := r.Register()
	r.Touch(a)
	c.Advance(15 * time.Second) // stale is now past its deadline

	notified, reaped := r.FanOut(a, 7)
	if notified != 1 || reaped != 1 {
		t.Fatalf("FanOut: got notified=%d reaped=%d, want 1,1", notified, reaped)
	}
	if got := r.Pending(a); len(got) != 0 {
		t.Fatalf("mutator pending: got %v, want empty", got)
	}
	if got := r.Pending(b); len(got) != 1 || got[0] != 7 {
		t.Fatalf("b pending: got %v, want [7]", got)
	}
	if r.Pending(stale) != nil || r.IsActive(stale) {
		t.Fatal("stale observer should be gone")
	}
	if r.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", r.Len())
	}
}

func TestFanOutUnknownMutatorNotifiesAll(t *testing.T) {
	r := New(time.Minute)
	r.Register()
	r.Register()
	notified, _ := r.FanOut("obs_nobody", 1)
	if notified != 2 {
		t.Fatalf("notified: got %d, want 2", notified)
	}
}

func TestRequeue(t *testing.T) {
	r := New(time.Minute)
	id, _ := r.Register()
	r.Enqueue(id, 1)
	r.Enqueue(id, 2)
	drained, _ := r.Drain(id)

	r.Enqueue(id, 2) // arrives while delivery of the drained batch fails
	r.Enqueue(id, 3)
	if !r.Requeue(id, drained) {
		t.Fatal("Requeue: observer unknown")
	}
	got := r.Pending(id)
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("pending: got %v, want %v", got, want)
	}
	for k := range want {
		if got[k] != want[k] {
			t.Fatalf("pending: got %v, want %v", got, want)
		}
	}
}

func TestRemoveAndReap(t *testing.T) {
	c := newClock()
	r := New(time.Second, WithClock(c.Now))
	a, _ := r.Register()
	r.Register()
	r.Register()

	if !r.Remove(a) {
		t.Fatal("Remove: want true")
	}
	if r.Remove(a) {
		t.Fatal("second Remove: want false")
	}
	c.Advance(2 * time.Second)
	if n := r.Reap(); n != 2 {
		t.Fatalf("Reap: got %d, want 2", n)
	}
	if r.Len() != 0 {
		t.Fatalf("Len: got %d, want 0", r.Len())
	}
}

func TestCustomIDGenerator(t *testing.T) {
	n := 0
	r := New(time.Minute, WithIDGenerator(func() string {
		n++
		return "fixed"
	}))
	id, _ := r.Register()
	if id != "fixed" || n != 1 {
		t.Fatalf("id: got %q (calls %d)", id, n)
	}
}

func TestConcurrentFanOut(t *testing.T) {
	r := New(time.Minute)
	ids := make([]string, 8)
	for k := range ids {
		ids[k], _ = r.Register()
	}
	var wg sync.WaitGroup
	for k := 0; k < 100; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			r.FanOut(ids[k%len(ids)], k%10)
		}(k)
	}
	wg.Wait()
	for _, id := range ids {
		got, _ := r.Drain(id)
		seen := map[int]bool{}
		for _, i := range got {
			if seen[i] {
				t.Fatalf("%s: duplicate index %d in %v", id, i, got)
			}
			seen[i] = true
		}
	}
}
