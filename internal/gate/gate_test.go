package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func admitted(ch <-chan *Ticket, within time.Duration) (*Ticket, bool) {
	select {
	case t := <-ch:
		return t, true
	case <-time.After(within):
		return nil, false
	}
}

func requestAsync(g *Gate, ctx context.Context, id string) <-chan *Ticket {
	e := g.enqueue(id)
	ch := make(chan *Ticket, 1)
	go func() {
		t, err := g.wait(ctx, e)
		if err == nil {
			ch <- t
		}
		close(ch)
	}()
	return ch
}

func TestFirstRequestPrimes(t *testing.T) {
	g := New()
	first, err := g.Request(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !first.Priming() || first.ID() != "r1" {
		t.Errorf("Expected r1 to prime, got priming=%v id=%s", first.Priming(), first.ID())
	}
	first.Done()

	second, err := g.Request(context.Background(), "r2")
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if second.Priming() {
		t.Error("Only the first resource of a batch primes")
	}
	second.Done()

	g.Reset()
	third, _ := g.Request(context.Background(), "r3")
	if !third.Priming() {
		t.Error("First resource after Reset should prime")
	}
	third.Done()
}

func TestQueuedWaitForPriming(t *testing.T) {
	g := New()
	priming, _ := g.Request(context.Background(), "r1")

	ch := requestAsync(g, context.Background(), "r2")
	if _, ok := admitted(ch, 50*time.Millisecond); ok {
		t.Fatal("r2 admitted before the priming resource was terminal")
	}

	snap := g.Snapshot()
	if len(snap) != 2 || snap[0].Status != StatusActive || snap[1].Status != StatusQueued || snap[1].Position != 1 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}

	priming.Done()
	t2, ok := admitted(ch, time.Second)
	if !ok {
		t.Fatal("r2 not admitted after priming finished")
	}
	t2.Done()
}

func TestFIFOOrderAndSingleActive(t *testing.T) {
	g := New()
	ids := []string{"a", "b", "c", "d", "e", "f"}

	var mu sync.Mutex
	var order []string
	var active, maxActive atomic.Int32

	errs := g.Run(context.Background(), ids, func(ctx context.Context, id string) error {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		if id == "c" {
			return errors.New("exhausted")
		}
		return nil
	})

	for i, id := range ids {
		if order[i] != id {
			t.Fatalf("Release order = %v, want %v", order, ids)
		}
	}
	if maxActive.Load() != 1 {
		t.Errorf("Expected one active resource at a time, saw %d", maxActive.Load())
	}
	if errs[2] == nil || errs[0] != nil || errs[5] != nil {
		t.Errorf("Unexpected per-id errors: %v", errs)
	}
	for _, s := range g.Snapshot() {
		if s.Status != StatusDone {
			t.Errorf("Expected %s done, got %s", s.ID, s.Status)
		}
	}
}

func TestCanceledWaiterKeepsOrder(t *testing.T) {
	g := New()
	first, _ := g.Request(context.Background(), "r1")

	ctx, cancel := context.WithCancel(context.Background())
	chB := requestAsync(g, ctx, "r2")
	chC := requestAsync(g, context.Background(), "r3")

	cancel()
	if _, ok := <-chB; ok {
		t.Fatal("Canceled waiter must not be admitted")
	}
	// Wait for the cancellation to be processed.
	deadline := time.Now().Add(time.Second)
	for g.QueueLen() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if g.QueueLen() != 1 {
		t.Fatalf("Expected one queued entry after cancel, got %d", g.QueueLen())
	}

	first.Done()
	tc, ok := admitted(chC, time.Second)
	if !ok {
		t.Fatal("r3 should be promoted after r1")
	}
	tc.Done()

	snap := g.Snapshot()
	if snap[1].ID != "r2" || snap[1].Status != StatusCanceled {
		t.Errorf("Expected r2 canceled in snapshot, got %+v", snap[1])
	}
}

func TestDoneIsIdempotent(t *testing.T) {
	g := New()
	first, _ := g.Request(context.Background(), "r1")
	chB := requestAsync(g, context.Background(), "r2")
	chC := requestAsync(g, context.Background(), "r3")

	first.Done()
	first.Done()

	tb, ok := admitted(chB, time.Second)
	if !ok {
		t.Fatal("r2 should be admitted")
	}
	if _, ok := admitted(chC, 50*time.Millisecond); ok {
		t.Fatal("A repeated Done must not promote a second entry")
	}
	tb.Done()
	if _, ok := admitted(chC, time.Second); !ok {
		t.Fatal("r3 should be admitted after r2")
	}
}

func TestResetKeepsLiveEntries(t *testing.T) {
	g := New()
	first, _ := g.Request(context.Background(), "r1")
	first.Done()
	second, _ := g.Request(context.Background(), "r2")

	g.Reset()
	snap := g.Snapshot()
	if len(snap) != 1 || snap[0].ID != "r2" {
		t.Errorf("Expected only the live entry after Reset, got %+v", snap)
	}
	second.Done()
}
