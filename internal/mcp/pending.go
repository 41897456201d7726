package mcp

import (
	"context"
	"sync"
)

// pending correlates responses arriving on a shared stream with the
// requests waiting for them. Used by every duplex transport.
type pending struct {
	mu      sync.Mutex
	waiters map[int64]chan *Response
	closed  bool
}

func newPending() *pending {
	return &pending{waiters: make(map[int64]chan *Response)}
}

// add registers a waiter for id. It fails once the stream is closed.
func (p *pending) add(id int64) (chan *Response, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	ch := make(chan *Response, 1)
	p.waiters[id] = ch
	return ch, true
}

func (p *pending) remove(id int64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// deliver hands resp to its waiter. It reports false for responses
// nobody is waiting for (late replies to timed-out requests).
func (p *pending) deliver(resp *Response) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.ID]
	delete(p.waiters, resp.ID)
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

// closeAll wakes every waiter with a closed channel and refuses new
// ones until reset.
func (p *pending) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}

// reset reopens the correlator after a reconnect.
func (p *pending) reset() {
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
}

// wait blocks until the response for id arrives, ctx ends, or the
// stream closes. A closed stream reports a ConnectionError; a context
// error is returned unwrapped so callers can tell timeouts apart.
func (p *pending) wait(ctx context.Context, op string, id int64, ch chan *Response) (*Response, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &ConnectionError{Op: op, Err: ErrClosed}
		}
		return resp, nil
	case <-ctx.Done():
		p.remove(id)
		return nil, ctx.Err()
	}
}
