package main

import (
	"sync"

	"github.com/tinysfu/core/internal/ioevent"
)

// pendingResponses bridges the controller's async HTTPResponse delivery
// back to the gin handler goroutine blocked on a specific request. The
// core never holds an HTTP connection open itself; it only knows request
// ids, so this is the seam where those ids turn back into a waiting
// goroutine.
type pendingResponses struct {
	mu      sync.Mutex
	nextID  ioevent.RequestID
	waiting map[ioevent.RequestID]chan *ioevent.HTTPResponse
}

func newPendingResponses() *pendingResponses {
	return &pendingResponses{waiting: make(map[ioevent.RequestID]chan *ioevent.HTTPResponse)}
}

// register allocates a fresh request id and the channel its response will
// arrive on.
func (p *pendingResponses) register() (ioevent.RequestID, <-chan *ioevent.HTTPResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	ch := make(chan *ioevent.HTTPResponse, 1)
	p.waiting[id] = ch
	return id, ch
}

// resolve delivers resp to the goroutine waiting on its request id, if any
// is still waiting.
func (p *pendingResponses) resolve(resp *ioevent.HTTPResponse) {
	p.mu.Lock()
	ch, ok := p.waiting[resp.ReqID]
	if ok {
		delete(p.waiting, resp.ReqID)
	}
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// cancel removes a request id that will never be waited on again (the
// handler gave up, e.g. on a dispatch failure or timeout), so a late
// resolve doesn't leak.
func (p *pendingResponses) cancel(id ioevent.RequestID) {
	p.mu.Lock()
	delete(p.waiting, id)
	p.mu.Unlock()
}
