package inode

import (
	"errors"
	"testing"

	"github.com/cmpsb/brufs-sub000/pkg/abstio"
	"github.com/cmpsb/brufs-sub000/pkg/bmtree"
	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
	"github.com/cmpsb/brufs-sub000/pkg/status"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	next := uint64(1)
	alloc := func(uint64) (uint64, error) {
		addr := next
		next++
		return addr, nil
	}
	dealloc := func(uint64, uint64) error { return nil }

	tree := NewTree(abstio.NewMemory(0), 256, 0, alloc, dealloc, nil)
	if err := tree.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return tree
}

func testRecord(fileSize uint64) Record {
	var r Record
	r.Header.Type = brtypes.InodeTypeFile
	r.Header.FileSize = fileSize
	r.Header.Owner = 1000
	return r
}

func TestInsertFindRoundTrip(t *testing.T) {
	tree := newTestTree(t)
	id := brtypes.InodeId{Hi: 0, Lo: 2048}

	if err := tree.Insert(id, testRecord(42)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := tree.Find(id)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Header.FileSize != 42 || got.Header.Type != brtypes.InodeTypeFile {
		t.Fatalf("Find returned %+v, want FileSize=42 Type=File", got.Header)
	}
}

func TestInsertRejectsDuplicateId(t *testing.T) {
	tree := newTestTree(t)
	id := brtypes.InodeId{Hi: 0, Lo: 2048}

	if err := tree.Insert(id, testRecord(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert(id, testRecord(2)); !errors.Is(err, status.ErrAlreadyExists) {
		t.Fatalf("second Insert of the same id should report ErrAlreadyExists, got %v", err)
	}
}

func TestFindMissingReportsNotFound(t *testing.T) {
	tree := newTestTree(t)
	if _, err := tree.Find(brtypes.InodeId{Hi: 9, Lo: 9}); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("Find of a missing id should report ErrNotFound, got %v", err)
	}
}

func TestUpdateRecomputesChecksum(t *testing.T) {
	tree := newTestTree(t)
	id := brtypes.InodeId{Hi: 0, Lo: 2048}
	if err := tree.Insert(id, testRecord(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	updated := testRecord(99)
	if err := tree.Update(id, updated); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := tree.Find(id)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Header.FileSize != 99 {
		t.Fatalf("FileSize = %d, want 99", got.Header.FileSize)
	}
}

func TestFindDetectsCorruptedRecord(t *testing.T) {
	tree := newTestTree(t)
	id := brtypes.InodeId{Hi: 0, Lo: 2048}
	if err := tree.Insert(id, testRecord(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	r, err := tree.Find(id)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	r.Header.FileSize = 12345 // mutate the header without recomputing the checksum
	if err := tree.inner.Update(id, r); err != nil {
		t.Fatalf("raw Update: %v", err)
	}

	if _, err := tree.Find(id); !errors.Is(err, status.ErrChecksumMismatch) {
		t.Fatalf("Find of a tampered record should report ErrChecksumMismatch, got %v", err)
	}
}

func TestRemoveThenFind(t *testing.T) {
	tree := newTestTree(t)
	id := brtypes.InodeId{Hi: 0, Lo: 2048}
	if err := tree.Insert(id, testRecord(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := tree.Find(id); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("Find after Remove should report ErrNotFound, got %v", err)
	}
}

func TestWalkVisitsEveryInsertedId(t *testing.T) {
	tree := newTestTree(t)
	ids := []brtypes.InodeId{
		{Hi: 0, Lo: 2048},
		{Hi: 0, Lo: 4096},
		{Hi: 1, Lo: 0},
	}
	for i, id := range ids {
		if err := tree.Insert(id, testRecord(uint64(i))); err != nil {
			t.Fatalf("Insert(%v): %v", id, err)
		}
	}

	seen := map[brtypes.InodeId]bool{}
	err := tree.Walk(func(id brtypes.InodeId, r Record) (bmtree.Signal, error) {
		seen[id] = true
		return bmtree.SignalOK, nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	for _, id := range ids {
		if !seen[id] {
			t.Fatalf("Walk did not visit %v", id)
		}
	}
}

func TestDestroy(t *testing.T) {
	tree := newTestTree(t)
	if err := tree.Insert(brtypes.InodeId{Hi: 0, Lo: 2048}, testRecord(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}
