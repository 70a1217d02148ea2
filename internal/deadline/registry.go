// Package deadline holds the projected expiry moment of every watched room and
// lets any number of readers block until it changes.
package deadline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	ErrUnknownRoom       = errors.New("unknown room")
	ErrAlreadyRegistered = errors.New("room already registered")
	ErrClosed            = errors.New("registry closed")
)

// Unknown is the sentinel "registered but not yet computable" deadline.
var Unknown time.Time

type entry struct {
	deadline time.Time
	// changed is closed (and replaced) on every change; waiters grab the
	// current channel under the lock and select on it outside.
	changed chan struct{}
}

// Registry maps room identifiers to absolute deadlines.
//
// One RWMutex guards the map; waiters block on per-room channels, so a Set on
// one room never wakes or blocks readers of another.
type Registry struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	rooms   map[string]*entry
	done    chan struct{}
	closeMu sync.Once
}

func New(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock: clock,
		rooms: map[string]*entry{},
		done:  make(chan struct{}),
	}
}

// Register adds a room with an Unknown deadline. Registering the same room
// twice is a caller error.
func (r *Registry) Register(room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room]; ok {
		return ErrAlreadyRegistered
	}
	r.rooms[room] = &entry{changed: make(chan struct{})}
	return nil
}

// Set records a new deadline and wakes the room's waiters if it changed.
func (r *Registry) Set(room string, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[room]
	if !ok {
		return ErrUnknownRoom
	}
	if e.deadline.Equal(deadline) {
		return nil
	}
	e.deadline = deadline
	close(e.changed)
	e.changed = make(chan struct{})
	return nil
}

// Get returns the current deadline (Unknown if not established yet).
func (r *Registry) Get(room string) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[room]
	if !ok {
		return Unknown, ErrUnknownRoom
	}
	return e.deadline, nil
}

// WaitForChange blocks until the room's deadline changes, maxWait elapses,
// ctx is done, or the registry is closed, then returns the current value.
// maxWait <= 0 waits without a bound.
func (r *Registry) WaitForChange(ctx context.Context, room string, maxWait time.Duration) (time.Time, error) {
	_, changed, err := r.snapshot(room)
	if err != nil {
		return Unknown, err
	}
	return r.wait(ctx, room, changed, maxWait)
}

// WaitForChangeSince is WaitForChange for a caller that last saw seen: it
// returns immediately when the current value already differs, so an update
// landing between a read and the next wait is never missed.
func (r *Registry) WaitForChangeSince(ctx context.Context, room string, seen time.Time, maxWait time.Duration) (time.Time, error) {
	cur, changed, err := r.snapshot(room)
	if err != nil {
		return Unknown, err
	}
	if !cur.Equal(seen) {
		return cur, nil
	}
	return r.wait(ctx, room, changed, maxWait)
}

func (r *Registry) snapshot(room string) (time.Time, <-chan struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[room]
	if !ok {
		return Unknown, nil, ErrUnknownRoom
	}
	return e.deadline, e.changed, nil
}

func (r *Registry) wait(ctx context.Context, room string, changed <-chan struct{}, maxWait time.Duration) (time.Time, error) {
	var timeout <-chan time.Time
	if maxWait > 0 {
		t := r.clock.NewTimer(maxWait)
		defer t.Stop()
		timeout = t.Chan()
	}

	select {
	case <-changed:
	case <-timeout:
	case <-ctx.Done():
		cur, _ := r.Get(room)
		return cur, ctx.Err()
	case <-r.done:
		cur, _ := r.Get(room)
		return cur, ErrClosed
	}
	return r.Get(room)
}

// Rooms lists registered rooms (unordered).
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		out = append(out, room)
	}
	return out
}

// Close wakes every waiter; later waits return ErrClosed immediately.
func (r *Registry) Close() {
	r.closeMu.Do(func() { close(r.done) })
}

// Format renders a deadline for the wire: unix seconds with up to millisecond
// precision, or "-" when unknown.
func Format(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', -1, 64)
}
