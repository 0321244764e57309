// Package gate admits resources one at a time in submission order. The first
// resource of a batch primes the session; the rest wait in a FIFO queue
// without network activity until the one ahead of them is terminal.
package gate

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/imagegate/internal/metrics"
)

// Status is the lifecycle state of a gate entry.
type Status string

// Entry statuses.
const (
	StatusQueued   Status = "queued"
	StatusActive   Status = "active"
	StatusDone     Status = "done"
	StatusCanceled Status = "canceled"
)

// EntryState describes one entry for Snapshot.
type EntryState struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Priming  bool   `json:"priming,omitempty"`
	Position int    `json:"position,omitempty"` // 1-based queue position while queued
}

type entry struct {
	id      string
	priming bool
	status  Status
	ready   chan struct{}
}

// Gate is an admission gate. The zero value is not usable; call New.
type Gate struct {
	mu     sync.Mutex
	primed bool
	active *entry
	queue  []*entry
	seen   []*entry
}

// New creates an empty Gate.
func New() *Gate {
	return &Gate{}
}

// Ticket is held by an admitted resource until it reaches a terminal state.
type Ticket struct {
	g    *Gate
	e    *entry
	once sync.Once
}

// ID returns the resource id the ticket was issued for.
func (t *Ticket) ID() string { return t.e.id }

// Priming reports whether this resource was the first of its batch.
func (t *Ticket) Priming() bool { return t.e.priming }

// Done marks the resource terminal and promotes the next queued entry.
// Calls after the first have no effect.
func (t *Ticket) Done() {
	t.once.Do(func() { t.g.release(t.e) })
}

// Request admits id, blocking while other resources are ahead of it. A
// canceled wait removes the entry without disturbing the others' order.
func (g *Gate) Request(ctx context.Context, id string) (*Ticket, error) {
	return g.wait(ctx, g.enqueue(id))
}

func (g *Gate) enqueue(id string) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := &entry{id: id, status: StatusQueued, ready: make(chan struct{})}
	g.seen = append(g.seen, e)

	if g.active == nil && len(g.queue) == 0 {
		e.priming = !g.primed
		g.primed = true
		g.activate(e)
		return e
	}
	g.queue = append(g.queue, e)
	metrics.UpdateGateQueue(len(g.queue))
	log.Debug().Str("id", id).Int("position", len(g.queue)).Msg("Resource queued")
	return e
}

func (g *Gate) wait(ctx context.Context, e *entry) (*Ticket, error) {
	select {
	case <-e.ready:
		return &Ticket{g: g, e: e}, nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	if g.active == e {
		// Promoted while the context expired; hand the slot on.
		e.status = StatusCanceled
		g.mu.Unlock()
		g.release(e)
		return nil, ctx.Err()
	}
	for i, q := range g.queue {
		if q == e {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			break
		}
	}
	e.status = StatusCanceled
	metrics.UpdateGateQueue(len(g.queue))
	g.mu.Unlock()
	return nil, ctx.Err()
}

// activate must be called with g.mu held.
func (g *Gate) activate(e *entry) {
	g.active = e
	e.status = StatusActive
	close(e.ready)
}

func (g *Gate) release(e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active != e {
		return
	}
	if e.status == StatusActive {
		e.status = StatusDone
	}
	g.active = nil
	if len(g.queue) > 0 {
		next := g.queue[0]
		g.queue = g.queue[1:]
		g.activate(next)
		log.Debug().Str("id", next.id).Msg("Resource promoted")
	}
	metrics.UpdateGateQueue(len(g.queue))
}

// Snapshot returns the state of every entry of the current batch in
// submission order.
func (g *Gate) Snapshot() []EntryState {
	g.mu.Lock()
	defer g.mu.Unlock()

	pos := make(map[*entry]int, len(g.queue))
	for i, e := range g.queue {
		pos[e] = i + 1
	}
	out := make([]EntryState, 0, len(g.seen))
	for _, e := range g.seen {
		out = append(out, EntryState{ID: e.id, Status: e.status, Priming: e.priming, Position: pos[e]})
	}
	return out
}

// QueueLen returns the number of waiting entries.
func (g *Gate) QueueLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Reset starts a new batch: the next resource admitted into an idle gate
// primes again. Finished entries are dropped from Snapshot; live ones stay.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.primed = false
	live := g.seen[:0]
	for _, e := range g.seen {
		if e.status == StatusActive || e.status == StatusQueued {
			live = append(live, e)
		}
	}
	g.seen = live
}

// Run submits ids in order and calls fn for each once admitted, releasing
// the gate when fn returns. It waits for all of them and returns the
// per-id errors in the order of ids.
func (g *Gate) Run(ctx context.Context, ids []string, fn func(ctx context.Context, id string) error) []error {
	entries := make([]*entry, len(ids))
	for i, id := range ids {
		entries[i] = g.enqueue(id)
	}

	errs := make([]error, len(ids))
	var eg errgroup.Group
	for i, e := range entries {
		eg.Go(func() error {
			t, err := g.wait(ctx, e)
			if err != nil {
				errs[i] = err
				return nil
			}
			defer t.Done()
			errs[i] = fn(ctx, e.id)
			return nil
		})
	}
	_ = eg.Wait()
	return errs
}
