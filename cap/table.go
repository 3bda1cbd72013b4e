package cap

import (
	"fmt"
	"sync"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/errors"
)

// Handle is an opaque reference to a table entry: a slot index paired with
// the generation the slot had when the entry was minted. The zero Handle is
// never valid. Only the table constructs handles; guest code works with
// per-task descriptors that resolve through a Set.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the invalid zero handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("cap(%d:%d)", h.index, h.gen)
}

// Entry is the outward view of a live capability.
type Entry struct {
	Object Object
	Rights Rights
	Owner  sovelma.TaskID
}

// EntryInfo extends Entry with table coordinates for inspection.
type EntryInfo struct {
	Handle Handle
	Entry
	Parent Handle // zero for root entries
}

type slot struct {
	gen       uint32
	live      bool
	object    Object
	rights    Rights
	owner     sovelma.TaskID
	parentIdx int32 // -1 for root entries
	parentGen uint32
	children  []uint32
}

// DefaultMaxEntries bounds table growth unless overridden.
const DefaultMaxEntries = 4096

// Table is the kernel's capability store: a slot array with per-slot
// generation counters, a free-list for reuse, and a derivation arena kept
// as parent/child slot indices. A single coarse mutex guards the whole
// structure; the scheduling loop is the only writer in the single-core
// configuration, and the lock is the seam a multi-core port widens.
type Table struct {
	mu     sync.Mutex
	slots  []slot
	free   []uint32
	max    int
	live   int
	reaper func(Object)
}

// NewTable creates a table bounded by DefaultMaxEntries.
func NewTable() *Table {
	return NewTableSize(DefaultMaxEntries)
}

// NewTableSize creates a table bounded by max entries.
func NewTableSize(max int) *Table {
	return &Table{
		slots: make([]slot, 0, 64),
		free:  make([]uint32, 0, 16),
		max:   max,
	}
}

// Create mints a root capability for obj with the given rights.
func (t *Table) Create(obj Object, rights Rights, owner sovelma.TaskID) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alloc(obj, rights, owner, -1, 0)
}

// Derive mints a child capability for the same object with narrowed
// rights. The requested rights must be a subset of the parent's and the
// parent must carry RightGrant. Requesting anything beyond the parent
// fails with CodeRightsExceeded; rights are never silently truncated.
func (t *Table) Derive(parent Handle, rights Rights, owner sovelma.TaskID) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, err := t.slotFor(parent, "derive")
	if err != nil {
		return Handle{}, err
	}
	return t.deriveLocked(parent, ps, rights, owner, ps.object)
}

// DeriveView is Derive with a narrowed guarded object: the child names a
// view of the parent's resource, such as a file opened under a directory
// capability. The rights contract is identical.
func (t *Table) DeriveView(parent Handle, rights Rights, owner sovelma.TaskID, view Object) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, err := t.slotFor(parent, "derive")
	if err != nil {
		return Handle{}, err
	}
	return t.deriveLocked(parent, ps, rights, owner, view)
}

func (t *Table) deriveLocked(parent Handle, ps *slot, rights Rights, owner sovelma.TaskID, view Object) (Handle, error) {
	if !ps.rights.Has(RightGrant) {
		return Handle{}, errors.InsufficientRights("derive", RightGrant.String(), ps.rights.String())
	}
	if !ps.rights.Has(rights) {
		return Handle{}, errors.RightsExceeded("derive", rights.String(), ps.rights.String())
	}
	return t.linkChild(parent, ps, rights, owner, view)
}

// linkChild allocates a child entry and records the derivation edge. Dead
// edges to slots that no longer point back here are dropped first, so
// churny derive/revoke cycles cannot grow the list.
func (t *Table) linkChild(parent Handle, ps *slot, rights Rights, owner sovelma.TaskID, view Object) (Handle, error) {
	h, err := t.alloc(view, rights, owner, int32(parent.index), parent.gen)
	if err != nil {
		return Handle{}, err
	}
	// alloc may grow the slot array; ps would then point into the old one.
	ps = &t.slots[parent.index]

	kept := ps.children[:0]
	for _, c := range ps.children {
		cs := &t.slots[c]
		if cs.live && cs.parentIdx == int32(parent.index) && cs.parentGen == parent.gen {
			kept = append(kept, c)
		}
	}
	ps.children = append(kept, h.index)
	return h, nil
}

// Open derives a view entry without requiring RightGrant on the parent.
// Resource-opening host calls mint their child capabilities this way: the
// kernel mediates the derivation, so possession of the parent plus a mode
// within its rights is the whole precondition. The subset rule still
// applies and is never relaxed.
func (t *Table) Open(parent Handle, rights Rights, owner sovelma.TaskID, view Object) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, err := t.slotFor(parent, "open")
	if err != nil {
		return Handle{}, err
	}
	if !ps.rights.Has(rights) {
		return Handle{}, errors.RightsExceeded("open", rights.String(), ps.rights.String())
	}
	return t.linkChild(parent, ps, rights, owner, view)
}

// Revoke clears the entry and eagerly revokes every entry transitively
// derived from it. The slot generation is bumped so all outstanding
// handles to the old entry fail forever, then the slot returns to the
// free-list. Revoking an already dead handle fails with CodeRevoked and
// runs no cascade.
//
// Revoke is mechanism, not policy: callers that act on behalf of a task
// (rather than with kernel authority) must Check RightRevoke first.
func (t *Table) Revoke(h Handle) error {
	t.mu.Lock()
	if _, err := t.slotFor(h, "revoke"); err != nil {
		t.mu.Unlock()
		return err
	}
	var reaped []Object
	t.revokeSlot(h.index, &reaped)
	reaper := t.reaper
	t.mu.Unlock()

	if reaper != nil {
		for _, obj := range reaped {
			reaper(obj)
		}
	}
	return nil
}

// SetReaper installs a hook invoked once per revoked entry's object,
// after the table lock is released. The kernel points it at collaborator
// teardown so a cascade that reaches an open file or a live socket also
// releases the resource behind it.
func (t *Table) SetReaper(fn func(Object)) {
	t.mu.Lock()
	t.reaper = fn
	t.mu.Unlock()
}

// Check resolves a handle and verifies rights in O(1): slot index, then
// generation compare, then subset test. Every host call runs through here
// before anything else happens.
func (t *Table) Check(h Handle, need Rights) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.slotFor(h, "check")
	if err != nil {
		return Entry{}, err
	}
	if !s.rights.Has(need) {
		return Entry{}, errors.InsufficientRights("check", need.String(), s.rights.String())
	}
	return Entry{Object: s.object, Rights: s.rights, Owner: s.owner}, nil
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Cap returns the table's entry limit.
func (t *Table) Cap() int {
	return t.max
}

// Snapshot lists every live entry for inspection.
func (t *Table) Snapshot() []EntryInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]EntryInfo, 0, t.live)
	for i := range t.slots {
		s := &t.slots[i]
		if !s.live {
			continue
		}
		info := EntryInfo{
			Handle: Handle{index: uint32(i), gen: s.gen},
			Entry:  Entry{Object: s.object, Rights: s.rights, Owner: s.owner},
		}
		if s.parentIdx >= 0 {
			info.Parent = Handle{index: uint32(s.parentIdx), gen: s.parentGen}
		}
		out = append(out, info)
	}
	return out
}

// slotFor resolves h to its live slot. A handle that never existed is
// indistinguishable from a revoked one; both read as CodeRevoked.
func (t *Table) slotFor(h Handle, op string) (*slot, error) {
	if h.gen == 0 || int(h.index) >= len(t.slots) {
		return nil, errors.Revoked(op)
	}
	s := &t.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil, errors.Revoked(op)
	}
	return s, nil
}

func (t *Table) alloc(obj Object, rights Rights, owner sovelma.TaskID, parentIdx int32, parentGen uint32) (Handle, error) {
	if len(t.free) > 0 {
		idx := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		s := &t.slots[idx]
		s.live = true
		s.object = obj
		s.rights = rights
		s.owner = owner
		s.parentIdx = parentIdx
		s.parentGen = parentGen
		t.live++
		return Handle{index: idx, gen: s.gen}, nil
	}

	if len(t.slots) >= t.max {
		return Handle{}, errors.TableFull(t.max)
	}

	t.slots = append(t.slots, slot{
		gen:       1,
		live:      true,
		object:    obj,
		rights:    rights,
		owner:     owner,
		parentIdx: parentIdx,
		parentGen: parentGen,
	})
	t.live++
	return Handle{index: uint32(len(t.slots) - 1), gen: 1}, nil
}

// revokeSlot kills one slot and recurses into children whose back
// references still match. A child slot that was revoked earlier and
// reused for an unrelated entry carries fresh parent stamps, so a stale
// edge from the old parent is skipped rather than revoking a stranger.
// Reaped objects are collected for the reaper to process outside the lock.
func (t *Table) revokeSlot(idx uint32, reaped *[]Object) {
	s := &t.slots[idx]
	gen := s.gen
	children := s.children
	*reaped = append(*reaped, s.object)

	s.live = false
	s.gen++
	s.object = Object{}
	s.rights = 0
	s.owner = sovelma.KernelTask
	s.parentIdx = -1
	s.parentGen = 0
	s.children = nil
	t.free = append(t.free, idx)
	t.live--

	for _, c := range children {
		cs := &t.slots[c]
		if cs.live && cs.parentIdx == int32(idx) && cs.parentGen == gen {
			t.revokeSlot(c, reaped)
		}
	}
}
