package hal

import (
	"bytes"
	"testing"

	"github.com/spihlava/SovelmaOS/errors"
)

func TestSerialWriteTail(t *testing.T) {
	s := NewSerial(3)
	s.AddPort(1)

	for _, msg := range []string{"boot", "mount", "ready", "steady"} {
		if err := s.WritePort(1, 1, []byte(msg)); err != nil {
			t.Fatalf("write %q: %v", msg, err)
		}
	}

	tail := s.Tail(1, 10)
	if len(tail) != 3 {
		t.Fatalf("history cap: %d lines", len(tail))
	}
	if tail[0].Text != "mount" || tail[2].Text != "steady" {
		t.Fatalf("tail: %+v", tail)
	}

	if got := s.Tail(1, 1); len(got) != 1 || got[0].Text != "steady" {
		t.Fatalf("tail 1: %+v", got)
	}
}

func TestSerialUnknownPort(t *testing.T) {
	s := NewSerial(0)
	err := s.WritePort(9, 0, []byte("x"))
	e, ok := errors.From(err)
	if !ok || e.Code != errors.CodeNotFound {
		t.Fatalf("write: want NotFound, got %v", err)
	}
	if err := s.Feed(9, []byte("x")); err == nil {
		t.Fatal("feed to unknown port succeeded")
	}
}

func TestSerialSinkMirror(t *testing.T) {
	s := NewSerial(0)
	s.AddPort(2)

	var port uint32
	var level uint8
	var text []byte
	s.SetSink(func(p uint32, l uint8, msg []byte) {
		port, level, text = p, l, msg
	})

	s.WritePort(2, 3, []byte("warn line"))
	if port != 2 || level != 3 || string(text) != "warn line" {
		t.Fatalf("sink saw port=%d level=%d text=%q", port, level, text)
	}
}

func TestSerialFeedBuffersWithoutInputHook(t *testing.T) {
	s := NewSerial(0)
	s.AddPort(0)

	s.Feed(0, []byte("hel"))
	s.Feed(0, []byte("lo"))

	got, err := s.ReadInput(0, 4)
	if err != nil || !bytes.Equal(got, []byte("hell")) {
		t.Fatalf("read: %q err=%v", got, err)
	}
	got, _ = s.ReadInput(0, 10)
	if !bytes.Equal(got, []byte("o")) {
		t.Fatalf("remainder: %q", got)
	}
	if got, _ := s.ReadInput(0, 10); got != nil {
		t.Fatalf("drained port returned %q", got)
	}
}

func TestSerialFeedDivertsToInputHook(t *testing.T) {
	s := NewSerial(0)
	s.AddPort(0)

	var fed []byte
	s.SetInput(func(_ uint32, data []byte) { fed = append(fed, data...) })

	src := []byte("keys")
	s.Feed(0, src)
	src[0] = 'X'
	if string(fed) != "keys" {
		t.Fatalf("hook saw %q", fed)
	}
	if got, _ := s.ReadInput(0, 10); got != nil {
		t.Fatalf("hooked feed still buffered %q", got)
	}
}

func TestSerialPortListing(t *testing.T) {
	s := NewSerial(0)
	s.AddPort(2)
	s.AddPort(0)
	s.AddPort(2)

	ports := s.Ports()
	if len(ports) != 2 || ports[0] != 0 || ports[1] != 2 {
		t.Fatalf("ports: %v", ports)
	}
}
