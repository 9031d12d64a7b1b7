// Package lockorder serializes access to the coordinator's named shared
// resources. Every acquisition, single or multiple, goes through
// Manager.Acquire, which sorts the requested resources into the one canonical
// order before taking any of them. Because no caller can ever hold a later
// resource while waiting for an earlier one, circular wait cannot occur.
//
// Resources are reader/writer locks: a Claim is either Shared or Exclusive.
package lockorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"
)

// Resource names one of the fixed shared resources.
type Resource string

const (
	// System guards global mode and aggregate counters.
	System Resource = "system"
	// Clients guards the session registry map.
	Clients Resource = "clients"
	// Message guards the outbound broadcast journal.
	Message Resource = "message"
)

// canonical is the total acquisition order. Index = rank.
var canonical = []Resource{System, Clients, Message}

// maxReaders bounds concurrent shared holders of one resource. An exclusive
// claim takes the full weight.
const maxReaders = 1 << 16

var (
	// ErrUnknownResource is a configuration error: the caller asked for a
	// resource outside the fixed set.
	ErrUnknownResource = errors.New("unknown lock resource")
	// ErrAcquireTimeout means the bounded wait for a resource elapsed.
	ErrAcquireTimeout = errors.New("lock acquisition timed out")
)

// Rank returns the canonical index of r, or -1 if r is not a known resource.
func Rank(r Resource) int {
	return slices.Index(canonical, r)
}

// Resources returns the canonical order.
func Resources() []Resource {
	return slices.Clone(canonical)
}

// Claim is one requested resource with its access mode.
type Claim struct {
	Resource Resource
	Shared   bool
}

// Exclusive requests write access to r.
func Exclusive(r Resource) Claim { return Claim{Resource: r} }

// Shared requests read access to r.
func Shared(r Resource) Claim { return Claim{Resource: r, Shared: true} }

func (c Claim) weight() int64 {
	if c.Shared {
		return 1
	}
	return maxReaders
}

// EventKind distinguishes acquisition from release in observer callbacks.
type EventKind int

const (
	Acquired EventKind = iota
	Released
)

// Event is delivered to the Observer for every resource taken or given back.
type Event struct {
	Kind     EventKind
	Guard    uint64 // identifies the Acquire call the event belongs to
	Resource Resource
	Shared   bool
	Waited   time.Duration // only set for Acquired
}

// Observer receives lock events. It runs on the acquiring goroutine and must
// not call back into the Manager.
type Observer func(Event)

// Manager owns one reader/writer lock per resource.
type Manager struct {
	locks    map[Resource]*semaphore.Weighted
	timeout  time.Duration
	observer atomic.Pointer[Observer]

	nextGuard atomic.Uint64
	ordered   atomic.Uint64

	mu   sync.Mutex
	held map[Resource]int
}

// NewManager creates a manager. A positive timeout bounds every acquisition
// so that a programming error surfaces as ErrAcquireTimeout instead of a
// silent hang.
func NewManager(timeout time.Duration) *Manager {
	m := &Manager{
		locks:   make(map[Resource]*semaphore.Weighted, len(canonical)),
		timeout: timeout,
		held:    make(map[Resource]int, len(canonical)),
	}
	for _, r := range canonical {
		m.locks[r] = semaphore.NewWeighted(maxReaders)
	}
	return m
}

// SetObserver installs fn as the event observer. Pass nil to remove it.
func (m *Manager) SetObserver(fn Observer) {
	if fn == nil {
		m.observer.Store(nil)
		return
	}
	m.observer.Store(&fn)
}

func (m *Manager) notify(ev Event) {
	if fn := m.observer.Load(); fn != nil {
		(*fn)(ev)
	}
}

// Acquire takes every claimed resource in canonical order and returns a Guard
// that releases them in reverse. Claims naming the same resource twice are
// merged, with exclusive winning over shared. Unknown resource names are
// rejected before anything is locked.
func (m *Manager) Acquire(ctx context.Context, claims ...Claim) (*Guard, error) {
	ordered, err := normalize(claims)
	if err != nil {
		return nil, err
	}

	parent := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	g := &Guard{m: m, id: m.nextGuard.Add(1)}
	for _, c := range ordered {
		start := time.Now()
		if err := m.locks[c.Resource].Acquire(ctx, c.weight()); err != nil {
			g.Release()
			if perr := parent.Err(); perr != nil {
				return nil, fmt.Errorf("acquire %s: %w", c.Resource, perr)
			}
			return nil, fmt.Errorf("acquire %s: %w", c.Resource, ErrAcquireTimeout)
		}
		g.claims = append(g.claims, c)
		m.mu.Lock()
		m.held[c.Resource]++
		m.mu.Unlock()
		m.notify(Event{Kind: Acquired, Guard: g.id, Resource: c.Resource, Shared: c.Shared, Waited: time.Since(start)})
	}
	if len(ordered) > 1 {
		m.ordered.Add(1)
	}
	return g, nil
}

// OrderedAcquisitions counts Acquire calls that took more than one resource.
func (m *Manager) OrderedAcquisitions() uint64 {
	return m.ordered.Load()
}

// Held returns the resources currently held by anyone, in canonical order.
func (m *Manager) Held() []Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Resource
	for _, r := range canonical {
		if m.held[r] > 0 {
			out = append(out, r)
		}
	}
	return out
}

func normalize(claims []Claim) ([]Claim, error) {
	out := make([]Claim, 0, len(claims))
	for _, c := range claims {
		if Rank(c.Resource) < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownResource, c.Resource)
		}
		if i := slices.IndexFunc(out, func(o Claim) bool { return o.Resource == c.Resource }); i >= 0 {
			out[i].Shared = out[i].Shared && c.Shared
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Claim) int {
		return Rank(a.Resource) - Rank(b.Resource)
	})
	return out, nil
}

// Guard holds the resources taken by one Acquire call.
type Guard struct {
	m      *Manager
	id     uint64
	claims []Claim
	once   sync.Once
}

// Release gives back every held resource in reverse acquisition order. It is
// safe to call more than once and on a nil Guard.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		for i := len(g.claims) - 1; i >= 0; i-- {
			c := g.claims[i]
			g.m.locks[c.Resource].Release(c.weight())
			g.m.mu.Lock()
			g.m.held[c.Resource]--
			g.m.mu.Unlock()
			g.m.notify(Event{Kind: Released, Guard: g.id, Resource: c.Resource, Shared: c.Shared})
		}
		g.claims = nil
	})
}

// Holds reports whether the guard currently holds r in any mode.
func (g *Guard) Holds(r Resource) bool {
	if g == nil {
		return false
	}
	return slices.ContainsFunc(g.claims, func(c Claim) bool { return c.Resource == r })
}

// HoldsExclusive reports whether the guard holds r for writing.
func (g *Guard) HoldsExclusive(r Resource) bool {
	if g == nil {
		return false
	}
	return slices.ContainsFunc(g.claims, func(c Claim) bool { return c.Resource == r && !c.Shared })
}

// Resources lists the held resources in acquisition order.
func (g *Guard) Resources() []Resource {
	if g == nil {
		return nil
	}
	out := make([]Resource, len(g.claims))
	for i, c := range g.claims {
		out[i] = c.Resource
	}
	return out
}
