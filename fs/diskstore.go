package fs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/spihlava/SovelmaOS/errors"
	"github.com/spihlava/SovelmaOS/hostcall"
)

// DiskStore is a MemStore whose nodes survive restarts. Every mutation
// lands in a SQLite table keyed by absolute path; opening the same
// database file again rebuilds the tree from it.
type DiskStore struct {
	mem *MemStore
	db  *sql.DB
}

// OpenDiskStore opens (or creates) the database at path and loads the
// tree it holds.
func OpenDiskStore(path string) (*DiskStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring store database: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS fsnode (
		path TEXT PRIMARY KEY,
		dir  INTEGER NOT NULL,
		data BLOB
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating store table: %w", err)
	}

	s := &DiskStore{mem: NewMemStore(), db: db}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DiskStore) load() error {
	rows, err := s.db.Query(`SELECT path, dir, data FROM fsnode`)
	if err != nil {
		return fmt.Errorf("loading store: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		var dir int64
		var data []byte
		if err := rows.Scan(&path, &dir, &data); err != nil {
			return fmt.Errorf("scanning store row: %w", err)
		}
		if dir != 0 {
			s.mem.AddDir(path)
		} else {
			s.mem.AddFile(path, data)
		}
	}
	return rows.Err()
}

// Shutdown releases the database. Pending writes are already on disk;
// every mutation commits before its call returns.
func (s *DiskStore) Shutdown() error {
	return s.db.Close()
}

func (s *DiskStore) upsert(path string, dir bool, data []byte) error {
	d := int64(0)
	if dir {
		d = 1
	}
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO fsnode (path, dir, data) VALUES (?, ?, ?)`,
		path, d, data,
	); err != nil {
		return errors.Wrap(errors.ClassHostcall, errors.CodeNoSpace, err, "persist "+path)
	}
	return nil
}

func (s *DiskStore) Root() uint32 { return s.mem.Root() }

func (s *DiskStore) Open(ctx context.Context, dir uint32, path string, flags hostcall.OpenFlags) (uint32, error) {
	id, err := s.mem.Open(ctx, dir, path, flags)
	if err != nil {
		return 0, err
	}
	if flags&hostcall.OpenCreate != 0 {
		// The open may have created the file; mirroring its current
		// payload is idempotent either way.
		if p, data, ok := s.mem.payload(id); ok {
			if err := s.upsert(p, false, data); err != nil {
				s.mem.Close(ctx, id)
				return 0, err
			}
		}
	}
	return id, nil
}

func (s *DiskStore) ReadAt(ctx context.Context, file uint32, off int64, max int) ([]byte, error) {
	return s.mem.ReadAt(ctx, file, off, max)
}

func (s *DiskStore) WriteAt(ctx context.Context, file uint32, off int64, data []byte) (int, error) {
	_, before, had := s.mem.payload(file)
	n, err := s.mem.WriteAt(ctx, file, off, data)
	if err != nil {
		return 0, err
	}
	if p, payload, ok := s.mem.payload(file); ok {
		if err := s.upsert(p, false, payload); err != nil {
			// Undo the tree write so a retry sees what the disk holds.
			if had {
				s.mem.restore(file, before)
			}
			return 0, err
		}
	}
	return n, nil
}

func (s *DiskStore) Close(ctx context.Context, file uint32) error {
	return s.mem.Close(ctx, file)
}

func (s *DiskStore) Stat(id uint32) (Info, error) { return s.mem.Stat(id) }

func (s *DiskStore) Mkdir(dir uint32, path string) (string, error) {
	p, err := s.mem.Mkdir(dir, path)
	if err != nil {
		return "", err
	}
	if err := s.upsert(p, true, nil); err != nil {
		return "", err
	}
	return p, nil
}

// Remove unlinks the subtree at path from both the tree and the table.
func (s *DiskStore) Remove(dir uint32, path string) (string, error) {
	p, err := s.mem.Remove(dir, path)
	if err != nil {
		return "", err
	}
	if _, err := s.db.Exec(
		`DELETE FROM fsnode WHERE path = ? OR path LIKE ? || '/%'`,
		p, p,
	); err != nil {
		return "", errors.Wrap(errors.ClassHostcall, errors.CodeNoSpace, err, "unpersist "+p)
	}
	return p, nil
}

// AddFile seeds a file and persists it in one step.
func (s *DiskStore) AddFile(path string, content []byte) error {
	abs, err := normalize(path)
	if err != nil {
		return err
	}
	s.mem.AddFile(path, content)
	return s.upsert(abs, false, content)
}

// AddDir seeds a directory and persists it.
func (s *DiskStore) AddDir(path string) error {
	abs, err := normalize(path)
	if err != nil {
		return err
	}
	s.mem.AddDir(path)
	return s.upsert(abs, true, nil)
}

func normalize(p string) (string, error) {
	parts, err := splitPath("seed", p)
	if err != nil {
		return "", err
	}
	return "/" + strings.Join(parts, "/"), nil
}

var _ hostcall.Storage = (*DiskStore)(nil)
