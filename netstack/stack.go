// Package netstack is the loopback network: cross-wired byte-stream
// socket pairs, named listeners for boot-time rendezvous, and an
// ingress queue for bytes arriving from outside the executor thread.
// Streams are whole-chunk on the way in — a send either fits the
// peer's window or the sender parks — and byte-granular on the way
// out. A closed peer is drained first; only then do reads report gone.
package netstack

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spihlava/SovelmaOS/errors"
	"github.com/spihlava/SovelmaOS/hostcall"
)

// DefaultWindow bounds each socket's receive buffer.
const DefaultWindow = 64 << 10

type reader struct {
	max int
	p   *hostcall.Pending
}

type writer struct {
	data []byte
	p    *hostcall.Pending
}

type watcher struct {
	tag int32
	p   *hostcall.Pending
}

type socket struct {
	peer     uint32
	rx       []byte
	readers  []reader
	writers  []writer
	watchers []watcher
}

type delivery struct {
	sock uint32
	data []byte
}

// settle is one deferred completion; they run after the stack unlocks.
type settle struct {
	p     *hostcall.Pending
	err   error
	value int32
	data  []byte
}

func run(settles []settle) {
	for _, s := range settles {
		if s.err != nil {
			s.p.Fail(s.err)
		} else {
			s.p.Complete(s.value, s.data)
		}
	}
}

// Stack owns every socket. Closed sockets leave the table at once;
// a missing peer is how the other side learns about the hangup.
type Stack struct {
	mu        sync.Mutex
	socks     map[uint32]*socket
	listeners map[string][]uint32
	ingress   []delivery
	nextID    uint32
	window    int
	drops     uint64
}

func NewStack() *Stack {
	return NewStackWindow(DefaultWindow)
}

func NewStackWindow(window int) *Stack {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Stack{
		socks:     make(map[uint32]*socket),
		listeners: make(map[string][]uint32),
		window:    window,
	}
}

// Pair mints two sockets wired to each other.
func (st *Stack) Pair() (uint32, uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	a := st.mint()
	b := st.mint()
	st.socks[a].peer = b
	st.socks[b].peer = a
	return a, b
}

// mint issues a socket id. Caller holds st.mu.
func (st *Stack) mint() uint32 {
	st.nextID++
	st.socks[st.nextID] = &socket{}
	return st.nextID
}

// Listen registers a rendezvous name. Connects against it pile up until
// Accept collects them.
func (st *Stack) Listen(name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.listeners[name]; ok {
		return errors.InvalidArg("listen", "name "+name+" taken")
	}
	st.listeners[name] = nil
	return nil
}

// Connect makes a fresh pair, queues the far end on the named listener
// and returns the near end.
func (st *Stack) Connect(name string) (uint32, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.listeners[name]; !ok {
		return 0, errors.NotFound("connect", "listener "+name)
	}
	client := st.mint()
	server := st.mint()
	st.socks[client].peer = server
	st.socks[server].peer = client
	st.listeners[name] = append(st.listeners[name], server)
	return client, nil
}

// Accept pops one queued connection off the named listener.
func (st *Stack) Accept(name string) (uint32, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	q := st.listeners[name]
	if len(q) == 0 {
		return 0, false
	}
	st.listeners[name] = q[1:]
	return q[0], true
}

// Send queues data into the peer's window or parks the sender. The
// chunk is indivisible: it fits whole or waits whole.
func (st *Stack) Send(id uint32, data []byte, p *hostcall.Pending) (bool, error) {
	if len(data) > st.window {
		return false, errors.InvalidArg("send", fmt.Sprintf("chunk %d bytes, window %d", len(data), st.window))
	}

	st.mu.Lock()
	s, ok := st.socks[id]
	if !ok {
		st.mu.Unlock()
		return false, errors.ResourceGone("send", "socket closed")
	}
	peer, ok := st.socks[s.peer]
	if !ok {
		st.mu.Unlock()
		return false, errors.ResourceGone("send", "peer hung up")
	}

	cp := append([]byte(nil), data...)
	if len(peer.rx)+len(cp) <= st.window {
		settles := st.ingest(peer, cp)
		st.mu.Unlock()
		run(settles)
		return true, nil
	}
	if p != nil {
		peer.writers = append(peer.writers, writer{data: cp, p: p})
	}
	st.mu.Unlock()
	return false, nil
}

// ingest appends bytes to x's buffer, serves parked readers and wakes
// watchers. Caller holds st.mu; returned settles run after unlock.
func (st *Stack) ingest(x *socket, data []byte) []settle {
	x.rx = append(x.rx, data...)

	var settles []settle
	for len(x.rx) > 0 && len(x.readers) > 0 {
		r := x.readers[0]
		x.readers = x.readers[1:]
		if r.p.Settled() {
			continue
		}
		take := r.max
		if take > len(x.rx) {
			take = len(x.rx)
		}
		out := append([]byte(nil), x.rx[:take]...)
		x.rx = x.rx[take:]
		settles = append(settles, settle{p: r.p, value: int32(take), data: out})
	}
	if len(x.rx) > 0 {
		for _, w := range x.watchers {
			settles = append(settles, settle{p: w.p, value: w.tag})
		}
		x.watchers = nil
	}
	return settles
}

// Recv takes up to max buffered bytes or parks the reader with its max
// recorded. Freed window space promotes parked senders whose chunks now
// fit.
func (st *Stack) Recv(id uint32, max int, p *hostcall.Pending) ([]byte, bool, error) {
	if max <= 0 {
		return nil, false, errors.InvalidArg("recv", "non-positive max")
	}

	st.mu.Lock()
	s, ok := st.socks[id]
	if !ok {
		st.mu.Unlock()
		return nil, false, errors.ResourceGone("recv", "socket closed")
	}

	if len(s.rx) > 0 {
		take := max
		if take > len(s.rx) {
			take = len(s.rx)
		}
		out := append([]byte(nil), s.rx[:take]...)
		s.rx = s.rx[take:]

		var settles []settle
		for len(s.writers) > 0 {
			w := s.writers[0]
			if w.p.Settled() {
				s.writers = s.writers[1:]
				continue
			}
			if len(s.rx)+len(w.data) > st.window {
				break
			}
			s.writers = s.writers[1:]
			s.rx = append(s.rx, w.data...)
			settles = append(settles, settle{p: w.p, value: 0})
		}
		st.mu.Unlock()
		run(settles)
		return out, true, nil
	}

	if _, ok := st.socks[s.peer]; !ok {
		st.mu.Unlock()
		return nil, false, errors.ResourceGone("recv", "peer hung up")
	}
	if p != nil {
		s.readers = append(s.readers, reader{max: max, p: p})
	}
	st.mu.Unlock()
	return nil, false, nil
}

// Watch registers p for readability with its poll tag. Buffered bytes or
// a hung-up peer settle it on the spot.
func (st *Stack) Watch(id uint32, tag int32, p *hostcall.Pending) error {
	st.mu.Lock()
	s, ok := st.socks[id]
	if !ok {
		st.mu.Unlock()
		return errors.ResourceGone("poll", "socket closed")
	}
	if len(s.rx) > 0 {
		st.mu.Unlock()
		p.Complete(tag, nil)
		return nil
	}
	if _, ok := st.socks[s.peer]; !ok {
		st.mu.Unlock()
		p.Complete(tag, nil)
		return nil
	}
	s.watchers = append(s.watchers, watcher{tag: tag, p: p})
	st.mu.Unlock()
	return nil
}

// Readable reports whether a recv would return without parking — data
// waits, or the hangup error is ready to deliver.
func (st *Stack) Readable(id uint32) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.socks[id]
	if !ok {
		return false, errors.ResourceGone("poll", "socket closed")
	}
	if len(s.rx) > 0 {
		return true, nil
	}
	if _, ok := st.socks[s.peer]; !ok {
		return false, errors.ResourceGone("poll", "peer hung up")
	}
	return false, nil
}

// Close tears the socket down. Its parked readers and senders settle
// gone, parked chunks are dropped. The peer keeps its buffered bytes
// and learns of the hangup when they run out.
func (st *Stack) Close(id uint32) error {
	st.mu.Lock()
	s, ok := st.socks[id]
	if !ok {
		st.mu.Unlock()
		return errors.ResourceGone("close", "socket closed")
	}
	delete(st.socks, id)
	for name, q := range st.listeners {
		for i, sid := range q {
			if sid == id {
				st.listeners[name] = append(q[:i:i], q[i+1:]...)
				break
			}
		}
	}

	var settles []settle
	for _, r := range s.readers {
		settles = append(settles, settle{p: r.p, err: errors.ResourceGone("recv", "socket closed")})
	}
	for _, w := range s.writers {
		settles = append(settles, settle{p: w.p, err: errors.ResourceGone("send", "socket closed")})
	}
	for _, w := range s.watchers {
		settles = append(settles, settle{p: w.p, value: w.tag})
	}

	if peer, ok := st.socks[s.peer]; ok {
		// Parked peer readers can only exist with an empty buffer, so
		// there is nothing left for them to drain.
		for _, r := range peer.readers {
			settles = append(settles, settle{p: r.p, err: errors.ResourceGone("recv", "peer hung up")})
		}
		peer.readers = nil
		for _, w := range peer.watchers {
			settles = append(settles, settle{p: w.p, value: w.tag})
		}
		peer.watchers = nil
	}
	st.mu.Unlock()
	run(settles)
	return nil
}

// Deliver queues bytes arriving from outside the executor thread. They
// become visible when the next pass drains the ingress queue; a chunk
// that cannot fit the window by then is dropped and counted.
func (st *Stack) Deliver(sock uint32, data []byte) {
	cp := append([]byte(nil), data...)
	st.mu.Lock()
	st.ingress = append(st.ingress, delivery{sock: sock, data: cp})
	st.mu.Unlock()
}

// Poll drains the ingress queue into socket buffers.
func (st *Stack) Poll(now time.Time) {
	st.mu.Lock()
	pending := st.ingress
	st.ingress = nil

	var settles []settle
	for _, d := range pending {
		s, ok := st.socks[d.sock]
		if !ok || len(s.rx)+len(d.data) > st.window {
			st.drops++
			continue
		}
		settles = append(settles, st.ingest(s, d.data)...)
	}
	st.mu.Unlock()
	run(settles)
}

// Drops counts ingress chunks discarded for a missing socket or a full
// window.
func (st *Stack) Drops() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.drops
}

// SocketStats describes one live socket for the monitor.
type SocketStats struct {
	ID       uint32
	Peer     uint32
	Buffered int
	Readers  int
	Writers  int
}

func (st *Stack) Snapshot() []SocketStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]SocketStats, 0, len(st.socks))
	for id, s := range st.socks {
		out = append(out, SocketStats{
			ID:       id,
			Peer:     s.peer,
			Buffered: len(s.rx),
			Readers:  len(s.readers),
			Writers:  len(s.writers),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ hostcall.Sockets = (*Stack)(nil)
