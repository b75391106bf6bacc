// ABOUTME: Correlates outstanding command requests with their results by request ID.
// ABOUTME: Shared by Core sessions (operator dispatch) and the agent connection (Call).

package agent

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/hostlink/internal/protocol"
)

// ErrDuplicateRequest indicates a request ID is already awaiting a result.
var ErrDuplicateRequest = errors.New("duplicate request id")

// ErrPendingClosed indicates the pending set was failed before a result arrived.
var ErrPendingClosed = errors.New("connection closed before result")

// Pending tracks requests that are waiting for a command_result.
type Pending struct {
	pending map[string]chan protocol.CommandResult
	closed  bool
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewPending creates an empty pending set.
func NewPending(logger *slog.Logger) *Pending {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pending{
		pending: make(map[string]chan protocol.CommandResult),
		logger:  logger,
	}
}

// CreateRequest registers a new pending request and returns a channel that
// receives exactly one result, or is closed without one by Fail.
// The caller is responsible for eventually calling CloseRequest to clean up.
func (p *Pending) CreateRequest(requestID string) (<-chan protocol.CommandResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPendingClosed
	}
	if _, exists := p.pending[requestID]; exists {
		return nil, ErrDuplicateRequest
	}

	ch := make(chan protocol.CommandResult, 1)
	p.pending[requestID] = ch
	return ch, nil
}

// CloseRequest removes the request without delivering a result.
func (p *Pending) CloseRequest(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.pending, requestID)
}

// HandleResponse routes a result to the waiting request and reports whether
// one was waiting. Unknown request IDs are logged and discarded.
func (p *Pending) HandleResponse(requestID string, result protocol.CommandResult) bool {
	p.mu.Lock()
	ch, ok := p.pending[requestID]
	if ok {
		delete(p.pending, requestID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("received result for unknown request", "request_id", requestID)
		return false
	}

	// Buffered with capacity one and removed above, so this never blocks.
	ch <- result
	return true
}

// Len returns the number of outstanding requests.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Fail closes every outstanding channel and refuses new requests.
func (p *Pending) Fail() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

// Reset reopens a failed pending set, used when a connection is re-established.
func (p *Pending) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = false
}
