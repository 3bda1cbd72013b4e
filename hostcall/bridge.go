package hostcall

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spihlava/SovelmaOS/cap"
)

// Collaborator contracts. Implementations live in fs, ipc, netstack and
// hal; the kernel wires them in at boot. Every blocking-capable method
// takes an optional *Pending: nil probes without registering, non-nil
// registers the record on the collaborator's wait list when the call
// cannot complete now. Collaborators must copy any byte slice they keep
// past the call.

// Storage resolves and serves file objects. Open handles are minted per
// open, so closing one never disturbs another holder.
type Storage interface {
	// Open resolves path relative to an open directory and returns a fresh
	// handle id. OpenDir flags resolve to directory handles instead.
	Open(ctx context.Context, dir uint32, path string, flags OpenFlags) (uint32, error)
	ReadAt(ctx context.Context, file uint32, off int64, max int) ([]byte, error)
	WriteAt(ctx context.Context, file uint32, off int64, data []byte) (int, error)
	Close(ctx context.Context, file uint32) error
}

// Endpoints serves datagram mailboxes. Recv returns whole messages;
// callers truncate to the guest buffer themselves.
type Endpoints interface {
	Send(id uint32, msg []byte, p *Pending) (bool, error)
	Recv(id uint32, p *Pending) ([]byte, bool, error)
	Watch(id uint32, tag int32, p *Pending) error
	Readable(id uint32) (bool, error)
	Close(id uint32) error
}

// Sockets serves byte streams. Send is whole-chunk: either the full
// payload is queued or the sender blocks.
type Sockets interface {
	Send(id uint32, data []byte, p *Pending) (bool, error)
	Recv(id uint32, max int, p *Pending) ([]byte, bool, error)
	Watch(id uint32, tag int32, p *Pending) error
	Readable(id uint32) (bool, error)
	Close(id uint32) error
}

// Timers arms deadline records. The wheel owns expiry: a due record is
// settled with a timeout, which loses cleanly to an earlier completion.
type Timers interface {
	After(d time.Duration, p *Pending)
}

// Console sinks guest log writes addressed by serial port number.
type Console interface {
	WritePort(port uint32, level uint8, msg []byte) error
}

// Clock supplies timestamps for events and deadlines. Tests substitute a
// manual clock.
type Clock interface {
	Now() time.Time
}

// Bridge bundles the shared kernel services every task environment calls
// through. One bridge serves all tasks; per-task state lives in Env.
type Bridge struct {
	Table   *cap.Table
	Store   Storage
	IPC     Endpoints
	Net     Sockets
	Timer   Timers
	Console Console
	Clock   Clock
	Log     *zap.Logger
}

func (b *Bridge) logger() *zap.Logger {
	if b.Log == nil {
		return zap.NewNop()
	}
	return b.Log
}
