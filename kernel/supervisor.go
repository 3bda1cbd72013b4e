package kernel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/hostcall"
)

// cborEnc is the canonical encoding mode for journal records, so equal
// events always serialize to equal bytes.
var cborEnc cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("kernel: cbor enc mode: %v", err))
	}
	cborEnc = em
}

// fanout delivers one event to several supervisors in order.
type fanout []sovelma.Supervisor

func (f fanout) TaskEvent(ev sovelma.Event) {
	for _, s := range f {
		s.TaskEvent(ev)
	}
}

// eventRing keeps the most recent events for the monitor's tail view.
type eventRing struct {
	mu  sync.Mutex
	buf []sovelma.Event
	max int
}

func newEventRing(max int) *eventRing {
	if max <= 0 {
		max = DefaultEventKeep
	}
	return &eventRing{max: max}
}

func (r *eventRing) TaskEvent(ev sovelma.Event) {
	r.mu.Lock()
	r.buf = append(r.buf, ev)
	if len(r.buf) > r.max {
		r.buf = append(r.buf[:0], r.buf[len(r.buf)-r.max:]...)
	}
	r.mu.Unlock()
}

// Tail returns up to n most recent events, oldest first.
func (r *eventRing) Tail(n int) []sovelma.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]sovelma.Event, n)
	copy(out, r.buf[len(r.buf)-n:])
	return out
}

// Journal is a supervisor that appends lifecycle events to a file as
// back-to-back canonical CBOR records, so crash history survives a
// restart when the store persists.
type Journal struct {
	mu    sync.Mutex
	store Store
	log   *zap.Logger
	file  uint32
	off   int64
}

// NewJournal opens or creates the journal at path under the store root
// and positions appends after any existing records.
func NewJournal(store Store, path string, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx := context.Background()
	root := store.Root()
	defer store.Close(ctx, root)

	file, err := store.Open(ctx, root, path, hostcall.OpenWrite|hostcall.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	info, err := store.Stat(file)
	if err != nil {
		_ = store.Close(ctx, file)
		return nil, fmt.Errorf("stat journal %s: %w", path, err)
	}
	return &Journal{store: store, log: log, file: file, off: info.Size}, nil
}

// TaskEvent appends one record. Failures are logged and the record
// dropped; the journal never stalls the scheduler.
func (j *Journal) TaskEvent(ev sovelma.Event) {
	rec, err := cborEnc.Marshal(ev)
	if err != nil {
		j.log.Warn("journal encode", zap.Error(err))
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	n, err := j.store.WriteAt(context.Background(), j.file, j.off, rec)
	if err != nil {
		j.log.Warn("journal append", zap.Error(err))
		return
	}
	j.off += int64(n)
}

// Close releases the journal's file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.store.Close(context.Background(), j.file)
}

// ReadJournal decodes every event recorded at path. Records are
// concatenated CBOR; decoding stops cleanly at end of data.
func ReadJournal(store Store, path string) ([]sovelma.Event, error) {
	ctx := context.Background()
	root := store.Root()
	defer store.Close(ctx, root)

	file, err := store.Open(ctx, root, path, hostcall.OpenRead)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	defer store.Close(ctx, file)

	info, err := store.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("stat journal %s: %w", path, err)
	}
	data, err := store.ReadAt(ctx, file, 0, int(info.Size))
	if err != nil {
		return nil, fmt.Errorf("read journal %s: %w", path, err)
	}

	var out []sovelma.Event
	dec := cbor.NewDecoder(bytes.NewReader(data))
	for {
		var ev sovelma.Event
		if err := dec.Decode(&ev); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, fmt.Errorf("decode journal %s: %w", path, err)
		}
		out = append(out, ev)
	}
}
