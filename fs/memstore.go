// Package fs serves file and directory objects to the rest of the
// kernel. MemStore keeps everything in a node tree; DiskStore layers
// SQLite persistence under the same contract. Open handles are minted
// per open and stand alone: closing one never disturbs another holder,
// and removing a node leaves existing handles pointing at a husk that
// answers every call with a gone error.
package fs

import (
	"context"
	"strings"
	"sync"

	"github.com/spihlava/SovelmaOS/errors"
	"github.com/spihlava/SovelmaOS/hostcall"
)

type node struct {
	path     string
	dir      bool
	data     []byte
	children map[string]*node
	gone     bool
}

func childPath(parent *node, name string) string {
	if parent.path == "/" {
		return "/" + name
	}
	return parent.path + "/" + name
}

// Info describes one node for inspection.
type Info struct {
	Path string
	Dir  bool
	Size int64
}

// MemStore is the in-memory file tree.
type MemStore struct {
	mu      sync.Mutex
	root    *node
	handles map[uint32]*node
	next    uint32
}

func NewMemStore() *MemStore {
	return &MemStore{
		root:    &node{path: "/", dir: true, children: make(map[string]*node)},
		handles: make(map[uint32]*node),
	}
}

// Root mints a handle on the root directory. The kernel opens one per
// directory grant.
func (s *MemStore) Root() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mint(s.root)
}

// mint issues a fresh handle id for n. Caller holds s.mu.
func (s *MemStore) mint(n *node) uint32 {
	s.next++
	s.handles[s.next] = n
	return s.next
}

// splitPath breaks a relative path into components. Dot segments are
// rejected outright: a handle's reach never extends past its own node.
func splitPath(op, p string) ([]string, error) {
	raw := strings.Split(p, "/")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		switch part {
		case "":
			continue
		case ".", "..":
			return nil, errors.InvalidArg(op, "dot segment in path "+p)
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, errors.InvalidArg(op, "empty path")
	}
	return parts, nil
}

// walk resolves parts relative to base, stopping before the last
// component. Caller holds s.mu.
func walk(op string, base *node, parts []string) (*node, error) {
	cur := base
	for _, part := range parts {
		if !cur.dir {
			return nil, errors.NotFound(op, strings.Join(parts, "/"))
		}
		next, ok := cur.children[part]
		if !ok {
			return nil, errors.NotFound(op, strings.Join(parts, "/"))
		}
		cur = next
	}
	return cur, nil
}

func (s *MemStore) base(op string, dir uint32) (*node, error) {
	n, ok := s.handles[dir]
	if !ok {
		return nil, errors.BadHandle(op, int32(dir))
	}
	if n.gone {
		return nil, errors.ResourceGone(op, "directory removed")
	}
	if !n.dir {
		return nil, errors.InvalidArg(op, "handle is not a directory")
	}
	return n, nil
}

// Open resolves path relative to an open directory handle and mints a
// handle for the target. OpenCreate makes a missing final component as
// an empty file; OpenDir asks for a directory instead of a file.
func (s *MemStore) Open(ctx context.Context, dir uint32, path string, flags hostcall.OpenFlags) (uint32, error) {
	parts, err := splitPath("open", path)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, err := s.base("open", dir)
	if err != nil {
		return 0, err
	}
	parent, err := walk("open", base, parts[:len(parts)-1])
	if err != nil {
		return 0, err
	}
	if !parent.dir {
		return 0, errors.NotFound("open", path)
	}

	name := parts[len(parts)-1]
	target, ok := parent.children[name]
	wantDir := flags&hostcall.OpenDir != 0
	if !ok {
		if flags&hostcall.OpenCreate == 0 || wantDir {
			return 0, errors.NotFound("open", path)
		}
		target = &node{path: childPath(parent, name)}
		parent.children[name] = target
	}
	if wantDir && !target.dir {
		return 0, errors.InvalidArg("open", path+" is not a directory")
	}
	if !wantDir && target.dir {
		return 0, errors.InvalidArg("open", path+" is a directory")
	}
	return s.mint(target), nil
}

func (s *MemStore) file(op string, id uint32) (*node, error) {
	n, ok := s.handles[id]
	if !ok {
		return nil, errors.BadHandle(op, int32(id))
	}
	if n.gone {
		return nil, errors.ResourceGone(op, "file removed")
	}
	if n.dir {
		return nil, errors.InvalidArg(op, "handle is a directory")
	}
	return n, nil
}

// ReadAt returns up to max bytes from off. Reading at or past the end
// returns an empty slice and no error.
func (s *MemStore) ReadAt(ctx context.Context, file uint32, off int64, max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.file("read", file)
	if err != nil {
		return nil, err
	}
	if off >= int64(len(n.data)) {
		return nil, nil
	}
	end := int(off) + max
	if end > len(n.data) {
		end = len(n.data)
	}
	out := make([]byte, end-int(off))
	copy(out, n.data[off:end])
	return out, nil
}

// WriteAt stores data at off, zero-filling any gap past the current end.
func (s *MemStore) WriteAt(ctx context.Context, file uint32, off int64, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.file("write", file)
	if err != nil {
		return 0, err
	}
	end := int(off) + len(data)
	if end > len(n.data) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:end], data)
	return len(data), nil
}

// Close drops the handle. The node stays; other handles keep working.
func (s *MemStore) Close(ctx context.Context, file uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[file]; !ok {
		return errors.BadHandle("close", int32(file))
	}
	delete(s.handles, file)
	return nil
}

// Stat describes the node behind an open handle.
func (s *MemStore) Stat(id uint32) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.handles[id]
	if !ok {
		return Info{}, errors.BadHandle("stat", int32(id))
	}
	if n.gone {
		return Info{}, errors.ResourceGone("stat", "node removed")
	}
	return Info{Path: n.path, Dir: n.dir, Size: int64(len(n.data))}, nil
}

// Mkdir creates one directory under an open directory handle. Parents
// must already exist. Returns the absolute path it created.
func (s *MemStore) Mkdir(dir uint32, path string) (string, error) {
	parts, err := splitPath("mkdir", path)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, err := s.base("mkdir", dir)
	if err != nil {
		return "", err
	}
	parent, err := walk("mkdir", base, parts[:len(parts)-1])
	if err != nil {
		return "", err
	}
	if !parent.dir {
		return "", errors.NotFound("mkdir", path)
	}
	name := parts[len(parts)-1]
	if _, ok := parent.children[name]; ok {
		return "", errors.InvalidArg("mkdir", path+" already exists")
	}
	n := &node{path: childPath(parent, name), dir: true, children: make(map[string]*node)}
	parent.children[name] = n
	return n.path, nil
}

// Remove unlinks the node at path. The subtree under it is marked gone:
// handles still open on any of it answer ResourceGone from here on.
// Returns the absolute path it removed.
func (s *MemStore) Remove(dir uint32, path string) (string, error) {
	parts, err := splitPath("remove", path)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, err := s.base("remove", dir)
	if err != nil {
		return "", err
	}
	parent, err := walk("remove", base, parts[:len(parts)-1])
	if err != nil {
		return "", err
	}
	if !parent.dir {
		return "", errors.NotFound("remove", path)
	}
	name := parts[len(parts)-1]
	target, ok := parent.children[name]
	if !ok {
		return "", errors.NotFound("remove", path)
	}
	delete(parent.children, name)
	markGone(target)
	return target.path, nil
}

func markGone(n *node) {
	n.gone = true
	for _, child := range n.children {
		markGone(child)
	}
}

// AddFile seeds a file at a root-relative path, creating parent
// directories on the way. Boot-time population uses it; a path blocked
// by an existing file is silently skipped.
func (s *MemStore) AddFile(path string, content []byte) {
	s.seed(path, false, content)
}

// AddDir seeds a directory at a root-relative path.
func (s *MemStore) AddDir(path string) {
	s.seed(path, true, nil)
}

func (s *MemStore) seed(path string, dir bool, content []byte) {
	parts, err := splitPath("seed", path)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur.children[part]
		if !ok {
			next = &node{path: childPath(cur, part), dir: true, children: make(map[string]*node)}
			cur.children[part] = next
		}
		if !next.dir {
			return
		}
		cur = next
	}
	name := parts[len(parts)-1]
	if dir {
		if _, ok := cur.children[name]; !ok {
			cur.children[name] = &node{path: childPath(cur, name), dir: true, children: make(map[string]*node)}
		}
		return
	}
	cur.children[name] = &node{path: childPath(cur, name), data: append([]byte(nil), content...)}
}

// payload reports the absolute path and current content of an open file
// handle. DiskStore uses it to mirror writes.
// restore puts a payload snapshot back behind an open handle. DiskStore
// rolls a write back with it when the database refuses the mirror, so
// the tree never drifts ahead of what is on disk.
func (s *MemStore) restore(id uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.handles[id]; ok && !n.dir && !n.gone {
		n.data = data
	}
}

func (s *MemStore) payload(id uint32) (string, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.handles[id]
	if !ok || n.dir || n.gone {
		return "", nil, false
	}
	return n.path, append([]byte(nil), n.data...), true
}

var _ hostcall.Storage = (*MemStore)(nil)
