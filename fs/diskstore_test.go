package fs

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spihlava/SovelmaOS/errors"
	"github.com/spihlava/SovelmaOS/hostcall"
)

func TestDiskStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "fs.db")

	s, err := OpenDiskStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.AddDir("spool"); err != nil {
		t.Fatalf("add dir: %v", err)
	}
	root := s.Root()
	f, err := s.Open(ctx, root, "spool/job.bin", hostcall.OpenWrite|hostcall.OpenCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.WriteAt(ctx, f, 0, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Close(ctx, f); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	s2, err := OpenDiskStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Shutdown()

	root2 := s2.Root()
	f2, err := s2.Open(ctx, root2, "spool/job.bin", hostcall.OpenRead)
	if err != nil {
		t.Fatalf("open after reopen: %v", err)
	}
	got, err := s2.ReadAt(ctx, f2, 0, 32)
	if err != nil || !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("read after reopen: %q err=%v", got, err)
	}

	// Empty directories come back too.
	if _, err := s2.Open(ctx, root2, "spool", hostcall.OpenRead|hostcall.OpenDir); err != nil {
		t.Fatalf("dir after reopen: %v", err)
	}
}

func TestDiskStoreRemovePersists(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "fs.db")

	s, err := OpenDiskStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	s.AddFile("box/a.txt", []byte("a"))
	s.AddFile("box/deep/b.txt", []byte("b"))
	s.AddFile("keep.txt", []byte("k"))

	root := s.Root()
	if _, err := s.Remove(root, "box"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	s2, err := OpenDiskStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Shutdown()

	root2 := s2.Root()
	_, err = s2.Open(ctx, root2, "box/a.txt", hostcall.OpenRead)
	wantCode(t, err, errors.CodeNotFound, "removed file after reopen")
	_, err = s2.Open(ctx, root2, "box/deep/b.txt", hostcall.OpenRead)
	wantCode(t, err, errors.CodeNotFound, "removed subtree after reopen")

	f, err := s2.Open(ctx, root2, "keep.txt", hostcall.OpenRead)
	if err != nil {
		t.Fatalf("survivor: %v", err)
	}
	if got, _ := s2.ReadAt(ctx, f, 0, 4); !bytes.Equal(got, []byte("k")) {
		t.Fatalf("survivor content: %q", got)
	}
}

func TestDiskStoreOverwriteUpdatesRow(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "fs.db")

	s, err := OpenDiskStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	root := s.Root()
	f, err := s.Open(ctx, root, "cfg", hostcall.OpenWrite|hostcall.OpenCreate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.WriteAt(ctx, f, 0, []byte("old-value"))
	s.WriteAt(ctx, f, 4, []byte("guard"))
	s.Shutdown()

	s2, err := OpenDiskStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Shutdown()

	f2, err := s2.Open(ctx, s2.Root(), "cfg", hostcall.OpenRead)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, _ := s2.ReadAt(ctx, f2, 0, 32)
	if !bytes.Equal(got, []byte("old-guard")) {
		t.Fatalf("content: %q", got)
	}
}

func TestDiskStoreFailedPersistRollsBack(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "fs.db")

	s, err := OpenDiskStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.AddFile("cfg", []byte("stable")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	f, err := s.Open(ctx, s.Root(), "cfg", hostcall.OpenRead|hostcall.OpenWrite)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Take the database away mid-flight; the mirror write must fail.
	s.db.Close()

	_, err = s.WriteAt(ctx, f, 0, []byte("DOOMED"))
	wantCode(t, err, errors.CodeNoSpace, "write without database")

	// The tree stays aligned with the disk, not with the failed write.
	got, err := s.ReadAt(ctx, f, 0, 16)
	if err != nil || !bytes.Equal(got, []byte("stable")) {
		t.Fatalf("after failed persist: %q err=%v", got, err)
	}
}
