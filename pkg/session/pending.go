package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tensamin/omega/pkg/wire"
)

var (
	ErrRequestTimeout  = errors.New("request timed out")
	ErrSessionClosed   = errors.New("session closed")
	ErrDuplicateIntent = errors.New("request id already pending")
)

// defaultRequestTimeout bounds how long Omega waits for a peer to answer a
// round-trip it initiated.
const defaultRequestTimeout = 20 * time.Second

// pendingTable maps outstanding request ids to single-shot response
// channels. A response that matches a pending id consumes the slot and is
// never dispatched as a fresh request.
type pendingTable struct {
	mu     sync.Mutex
	slots  map[string]chan *wire.Message
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{slots: make(map[string]chan *wire.Message)}
}

// register claims a slot for the request id. Ids are unique per session;
// claiming a taken id is refused.
func (p *pendingTable) register(id string) (<-chan *wire.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrSessionClosed
	}
	if _, taken := p.slots[id]; taken {
		return nil, ErrDuplicateIntent
	}
	ch := make(chan *wire.Message, 1)
	p.slots[id] = ch
	return ch, nil
}

// resolve delivers a response to its waiter. Reports whether the message
// was consumed.
func (p *pendingTable) resolve(msg *wire.Message) bool {
	p.mu.Lock()
	ch, ok := p.slots[msg.ID]
	if ok {
		delete(p.slots, msg.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	close(ch)
	return true
}

// drop abandons a slot (timeout or caller cancellation).
func (p *pendingTable) drop(id string) {
	p.mu.Lock()
	delete(p.slots, id)
	p.mu.Unlock()
}

// closeAll cancels every waiter; the table refuses new registrations from
// then on. Waiters observe a closed channel.
func (p *pendingTable) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.slots {
		close(ch)
		delete(p.slots, id)
	}
}

// await blocks until the response arrives, the timeout fires, the context
// is cancelled, or the session closes.
func await(ctx context.Context, ch <-chan *wire.Message, timeout time.Duration) (*wire.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return msg, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
