package mfa

import "sync"

// Pool hands completed second factors over from the HTTP callback to the
// websocket connection waiting for them. One slot per identity: a new
// waiter for the same identity displaces the previous one, whose channel is
// closed so the stale connection can give up.
type Pool struct {
	mu    sync.Mutex
	slots map[string]chan string
}

// NewPool creates an empty waiter pool.
func NewPool() *Pool {
	return &Pool{slots: make(map[string]chan string)}
}

// Acquire registers a waiter for the identity and returns the channel the
// token will arrive on plus a release function. The channel is closed
// without a value when the waiter is displaced or released.
func (p *Pool) Acquire(identity string) (<-chan string, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.slots[identity]; ok {
		close(old)
	}
	ch := make(chan string, 1)
	p.slots[identity] = ch

	release := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.slots[identity] == ch {
			delete(p.slots, identity)
		}
	}
	return ch, release
}

// Deliver hands a token to the identity's waiter. It reports whether a
// waiter was present.
func (p *Pool) Deliver(identity, token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.slots[identity]
	if !ok {
		return false
	}
	delete(p.slots, identity)
	ch <- token
	close(ch)
	return true
}
