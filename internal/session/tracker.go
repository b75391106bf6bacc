// ABOUTME: Per-session bookkeeping of command request ids and their status.
// ABOUTME: Guarantees one terminal outcome per id and remembers finished ids for a while.

package session

import (
	"sync"
	"time"

	"github.com/2389/hostlink/internal/protocol"
)

// origin says which side executes a tracked command.
type origin int

const (
	originLocal    origin = iota // agent asked Core to run it
	originDispatch               // Core pushed it to the agent
)

type tracked struct {
	origin    origin
	status    string
	terminal  bool
	cancelled bool
	createdAt time.Time
}

// tracker records every request id seen on one session.
type tracker struct {
	mu      sync.Mutex
	entries map[string]*tracked
}

func newTracker() *tracker {
	return &tracker{entries: make(map[string]*tracked)}
}

// begin starts tracking id with status executing. If id is already known it
// returns the current status and false.
func (t *tracker) begin(id string, o origin) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		return e.status, false
	}
	t.entries[id] = &tracked{origin: o, status: protocol.StatusExecuting, createdAt: time.Now()}
	return protocol.StatusExecuting, true
}

// setStatus records progress for a live command. Terminal and cancelled
// entries are frozen.
func (t *tracker) setStatus(id, status string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.terminal || e.cancelled {
		return false
	}
	e.status = status
	return true
}

// requestCancel flags a live command as cancelled and reports its origin.
func (t *tracker) requestCancel(id string) (origin, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.terminal {
		return 0, false
	}
	e.cancelled = true
	e.status = protocol.StatusCancelled
	return e.origin, true
}

// cancelRequested reports whether a cancel arrived for id.
func (t *tracker) cancelRequested(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	return ok && e.cancelled
}

// finish marks id terminal. Only the first call for an id returns true.
func (t *tracker) finish(id, status string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.terminal {
		return false
	}
	e.terminal = true
	e.status = status
	return true
}

func (t *tracker) status(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return "", false
	}
	return e.status, true
}

func (t *tracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// active counts commands that have not reached a terminal status.
func (t *tracker) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if !e.terminal {
			n++
		}
	}
	return n
}

// cancelExecuting marks every live command cancelled and returns their ids.
func (t *tracker) cancelExecuting() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, e := range t.entries {
		if e.terminal {
			continue
		}
		e.cancelled = true
		e.terminal = true
		e.status = protocol.StatusCancelled
		ids = append(ids, id)
	}
	return ids
}

func (t *tracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
