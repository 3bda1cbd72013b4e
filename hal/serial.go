package hal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spihlava/SovelmaOS/errors"
	"github.com/spihlava/SovelmaOS/hostcall"
)

// DefaultHistory is how many written lines a port retains.
const DefaultHistory = 64

// Line is one write that landed on a serial port.
type Line struct {
	Level uint8
	Text  string
}

type port struct {
	lines []Line
	rx    []byte
}

// Serial is the bank of byte ports. Guest console writes land here and
// stay readable as a bounded tail; Feed pushes bytes the other way —
// straight to the input hook when one is wired, into the port's rx
// buffer otherwise.
type Serial struct {
	mu      sync.Mutex
	ports   map[uint32]*port
	history int
	sink    func(port uint32, level uint8, msg []byte)
	input   func(port uint32, data []byte)
}

func NewSerial(history int) *Serial {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Serial{ports: make(map[uint32]*port), history: history}
}

// AddPort brings a port number up. Adding an existing port is a no-op.
func (s *Serial) AddPort(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ports[n]; !ok {
		s.ports[n] = &port{}
	}
}

// SetSink mirrors every write to fn, outside the serial lock. The
// harness uses it to echo console output.
func (s *Serial) SetSink(fn func(port uint32, level uint8, msg []byte)) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

// SetInput diverts fed bytes to fn instead of the rx buffer.
func (s *Serial) SetInput(fn func(port uint32, data []byte)) {
	s.mu.Lock()
	s.input = fn
	s.mu.Unlock()
}

// WritePort appends one line to the port's tail.
func (s *Serial) WritePort(n uint32, level uint8, msg []byte) error {
	s.mu.Lock()
	p, ok := s.ports[n]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("log", fmt.Sprintf("serial port %d", n))
	}
	p.lines = append(p.lines, Line{Level: level, Text: string(msg)})
	if len(p.lines) > s.history {
		p.lines = p.lines[len(p.lines)-s.history:]
	}
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink(n, level, msg)
	}
	return nil
}

// Feed pushes input bytes at the port.
func (s *Serial) Feed(n uint32, data []byte) error {
	s.mu.Lock()
	p, ok := s.ports[n]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound("feed", fmt.Sprintf("serial port %d", n))
	}
	input := s.input
	if input == nil {
		p.rx = append(p.rx, data...)
	}
	s.mu.Unlock()

	if input != nil {
		cp := append([]byte(nil), data...)
		input(n, cp)
	}
	return nil
}

// ReadInput pops up to max buffered rx bytes.
func (s *Serial) ReadInput(n uint32, max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ports[n]
	if !ok {
		return nil, errors.NotFound("read", fmt.Sprintf("serial port %d", n))
	}
	if max <= 0 || len(p.rx) == 0 {
		return nil, nil
	}
	if max > len(p.rx) {
		max = len(p.rx)
	}
	out := append([]byte(nil), p.rx[:max]...)
	p.rx = p.rx[max:]
	return out, nil
}

// Tail returns the port's last n lines, oldest first.
func (s *Serial) Tail(n uint32, count int) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ports[n]
	if !ok || count <= 0 {
		return nil
	}
	if count > len(p.lines) {
		count = len(p.lines)
	}
	out := make([]Line, count)
	copy(out, p.lines[len(p.lines)-count:])
	return out
}

// Ports lists the bank's port numbers in order.
func (s *Serial) Ports() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.ports))
	for n := range s.ports {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var _ hostcall.Console = (*Serial)(nil)
