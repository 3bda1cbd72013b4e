package ipc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spihlava/SovelmaOS/errors"
	"github.com/spihlava/SovelmaOS/hostcall"
)

const (
	// DefaultDepth bounds how many messages an endpoint queues.
	DefaultDepth = 16
	// DefaultMaxMessage bounds a single message's size.
	DefaultMaxMessage = 4096
)

type waiter struct {
	msg []byte
	p   *hostcall.Pending
}

type watcher struct {
	tag int32
	p   *hostcall.Pending
}

type endpoint struct {
	name     string
	queue    [][]byte
	readers  []*hostcall.Pending
	writers  []waiter
	watchers []watcher
	closed   bool
}

// Router owns every endpoint. It implements hostcall.Endpoints; the
// kernel creates named endpoints at boot and hands their ids out through
// capability grants.
type Router struct {
	mu     sync.Mutex
	eps    map[uint32]*endpoint
	byName map[string]uint32
	nextID uint32
	depth  int
	maxMsg int
}

func NewRouter() *Router {
	return NewRouterSize(DefaultDepth, DefaultMaxMessage)
}

func NewRouterSize(depth, maxMsg int) *Router {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if maxMsg <= 0 {
		maxMsg = DefaultMaxMessage
	}
	return &Router{
		eps:    make(map[uint32]*endpoint),
		byName: make(map[string]uint32),
		depth:  depth,
		maxMsg: maxMsg,
	}
}

// CreateEndpoint mints a new mailbox and returns its object id. Names
// are unique; creating an existing live name returns its id.
func (r *Router) CreateEndpoint(name string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[name]; ok {
		if ep := r.eps[id]; ep != nil && !ep.closed {
			return id
		}
	}
	r.nextID++
	r.eps[r.nextID] = &endpoint{name: name}
	r.byName[name] = r.nextID
	return r.nextID
}

// Lookup resolves an endpoint name to its id.
func (r *Router) Lookup(name string) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return 0, false
	}
	ep := r.eps[id]
	if ep == nil || ep.closed {
		return 0, false
	}
	return id, true
}

// Send queues msg, hands it directly to a parked receiver, or parks the
// sender. The payload is copied at the boundary; the collaborator keeps
// nothing of the caller's.
func (r *Router) Send(id uint32, msg []byte, p *hostcall.Pending) (bool, error) {
	if len(msg) > r.maxMsg {
		return false, errors.InvalidArg("send", fmt.Sprintf("message %d bytes, cap %d", len(msg), r.maxMsg))
	}

	r.mu.Lock()
	ep, ok := r.eps[id]
	if !ok || ep.closed {
		r.mu.Unlock()
		return false, errors.ResourceGone("send", "endpoint closed")
	}

	// Direct handoff: the first receiver still waiting takes the message
	// without it ever entering the queue.
	cp := append([]byte(nil), msg...)
	for len(ep.readers) > 0 {
		reader := ep.readers[0]
		ep.readers = ep.readers[1:]
		if reader.Settled() {
			continue
		}
		r.mu.Unlock()
		reader.Complete(int32(len(cp)), cp)
		return true, nil
	}

	if len(ep.queue) < r.depth {
		ep.queue = append(ep.queue, cp)
		wake := ep.takeWatchers()
		r.mu.Unlock()
		settleWatchers(wake)
		return true, nil
	}

	if p != nil {
		ep.writers = append(ep.writers, waiter{msg: cp, p: p})
	}
	r.mu.Unlock()
	return false, nil
}

// Recv pops the next message or parks the receiver. Freed queue space
// promotes the first parked sender: its payload moves into the queue and
// it settles, all inside this call.
func (r *Router) Recv(id uint32, p *hostcall.Pending) ([]byte, bool, error) {
	r.mu.Lock()
	ep, ok := r.eps[id]
	if !ok || ep.closed {
		r.mu.Unlock()
		return nil, false, errors.ResourceGone("recv", "endpoint closed")
	}

	if len(ep.queue) > 0 {
		msg := ep.queue[0]
		ep.queue = ep.queue[1:]

		var promoted *hostcall.Pending
		for len(ep.writers) > 0 {
			w := ep.writers[0]
			ep.writers = ep.writers[1:]
			if w.p.Settled() {
				continue
			}
			ep.queue = append(ep.queue, w.msg)
			promoted = w.p
			break
		}
		r.mu.Unlock()
		if promoted != nil {
			promoted.Complete(0, nil)
		}
		return msg, true, nil
	}

	if p != nil {
		ep.readers = append(ep.readers, p)
	}
	r.mu.Unlock()
	return nil, false, nil
}

// Watch registers p for readability with its poll tag. If the mailbox is
// already readable the record settles on the spot.
func (r *Router) Watch(id uint32, tag int32, p *hostcall.Pending) error {
	r.mu.Lock()
	ep, ok := r.eps[id]
	if !ok || ep.closed {
		r.mu.Unlock()
		return errors.ResourceGone("poll", "endpoint closed")
	}
	if len(ep.queue) > 0 {
		r.mu.Unlock()
		p.Complete(tag, nil)
		return nil
	}
	ep.watchers = append(ep.watchers, watcher{tag: tag, p: p})
	r.mu.Unlock()
	return nil
}

// Readable reports whether a recv would complete immediately.
func (r *Router) Readable(id uint32) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.eps[id]
	if !ok || ep.closed {
		return false, errors.ResourceGone("poll", "endpoint closed")
	}
	return len(ep.queue) > 0, nil
}

// Close tears the endpoint down. Parked receivers and senders settle
// with a gone result; pollers wake with their tags and discover the
// closure on their follow-up recv.
func (r *Router) Close(id uint32) error {
	r.mu.Lock()
	ep, ok := r.eps[id]
	if !ok || ep.closed {
		r.mu.Unlock()
		return errors.ResourceGone("close", "endpoint closed")
	}
	ep.closed = true
	ep.queue = nil
	readers := ep.readers
	writers := ep.writers
	wake := ep.takeWatchers()
	ep.readers = nil
	ep.writers = nil
	delete(r.byName, ep.name)
	r.mu.Unlock()

	for _, reader := range readers {
		reader.Fail(errors.ResourceGone("recv", "endpoint closed"))
	}
	for _, w := range writers {
		w.p.Fail(errors.ResourceGone("send", "endpoint closed"))
	}
	settleWatchers(wake)
	return nil
}

// Stats describes one endpoint for inspection.
type Stats struct {
	ID      uint32
	Name    string
	Queued  int
	Readers int
	Writers int
}

// Snapshot lists live endpoints for the monitor.
func (r *Router) Snapshot() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Stats, 0, len(r.eps))
	for id, ep := range r.eps {
		if ep.closed {
			continue
		}
		out = append(out, Stats{
			ID:      id,
			Name:    ep.name,
			Queued:  len(ep.queue),
			Readers: len(ep.readers),
			Writers: len(ep.writers),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ep *endpoint) takeWatchers() []watcher {
	w := ep.watchers
	ep.watchers = nil
	return w
}

// settleWatchers runs outside the router lock: each settle may wake the
// executor inline.
func settleWatchers(ws []watcher) {
	for _, w := range ws {
		w.p.Complete(w.tag, nil)
	}
}
