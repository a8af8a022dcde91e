package directory

import (
	"errors"
	"testing"

	"github.com/cmpsb/brufs-sub000/pkg/abstio"
	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
	"github.com/cmpsb/brufs-sub000/pkg/inode"
	"github.com/cmpsb/brufs-sub000/pkg/status"
)

type testHost struct {
	io          abstio.Adapter
	clusterSize uint64
	next        uint64
}

func (h *testHost) IO() abstio.Adapter  { return h.io }
func (h *testHost) ClusterSize() uint64 { return h.clusterSize }
func (h *testHost) AllocateTreeNode() (uint64, error) {
	addr := h.next
	h.next++
	return addr, nil
}
func (h *testHost) FreeTreeNode(uint64) error { return nil }

func newTestFixture(t *testing.T) (*testHost, *inode.Tree, brtypes.InodeId) {
	t.Helper()
	io := abstio.NewMemory(0)
	host := &testHost{io: io, clusterSize: 256, next: 5000}

	inodeTreeNext := uint64(1)
	inodes := inode.NewTree(io, 256, 0,
		func(uint64) (uint64, error) {
			addr := inodeTreeNext
			inodeTreeNext++
			return addr, nil
		},
		func(uint64, uint64) error { return nil },
		nil,
	)
	if err := inodes.Init(); err != nil {
		t.Fatalf("inode tree Init: %v", err)
	}

	id := brtypes.InodeId{Hi: 0, Lo: 1024}
	var rec inode.Record
	rec.Header.Type = brtypes.InodeTypeDirectory
	if err := inodes.Insert(id, rec); err != nil {
		t.Fatalf("inserting directory inode: %v", err)
	}

	return host, inodes, id
}

func newTestDirectory(t *testing.T) (*Directory, *inode.Tree, *testHost) {
	t.Helper()
	host, inodes, id := newTestFixture(t)
	rec, err := inodes.Find(id)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	d, err := Init(host, inodes, id, rec)
	if err != nil {
		t.Fatalf("directory Init: %v", err)
	}
	return d, inodes, host
}

func TestInsertThenLookUp(t *testing.T) {
	d, _, _ := newTestDirectory(t)

	childID := brtypes.InodeId{Hi: 0, Lo: 2048}
	if err := d.Insert("hello.txt", childID); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	entry, err := d.LookUp("hello.txt")
	if err != nil {
		t.Fatalf("LookUp: %v", err)
	}
	if entry.InodeId != childID {
		t.Fatalf("LookUp returned inode %v, want %v", entry.InodeId, childID)
	}
}

func TestInsertRejectsDuplicateName(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	id := brtypes.InodeId{Hi: 0, Lo: 2048}
	if err := d.Insert("dup", id); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Insert("dup", id); !errors.Is(err, status.ErrAlreadyExists) {
		t.Fatalf("second Insert of the same name should report ErrAlreadyExists, got %v", err)
	}
}

func TestLookUpMissingReportsNotFound(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	if _, err := d.LookUp("nonexistent"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("LookUp of a missing name should report ErrNotFound, got %v", err)
	}
}

func TestLookUpDistinguishesEntriesByLabel(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	idA := brtypes.InodeId{Hi: 0, Lo: 100}
	idB := brtypes.InodeId{Hi: 0, Lo: 200}

	if err := d.Insert("alpha", idA); err != nil {
		t.Fatalf("Insert alpha: %v", err)
	}
	if err := d.Insert("beta", idB); err != nil {
		t.Fatalf("Insert beta: %v", err)
	}

	gotA, err := d.LookUp("alpha")
	if err != nil || gotA.InodeId != idA {
		t.Fatalf("LookUp(alpha) = %+v, err=%v, want inode %v", gotA, err, idA)
	}
	gotB, err := d.LookUp("beta")
	if err != nil || gotB.InodeId != idB {
		t.Fatalf("LookUp(beta) = %+v, err=%v, want inode %v", gotB, err, idB)
	}
}

func TestUpdateRepointsEntry(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	oldID := brtypes.InodeId{Hi: 0, Lo: 100}
	newID := brtypes.InodeId{Hi: 0, Lo: 200}

	if err := d.Insert("moved", oldID); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Update("moved", newID); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := d.LookUp("moved")
	if err != nil || got.InodeId != newID {
		t.Fatalf("LookUp(moved) = %+v, err=%v, want inode %v", got, err, newID)
	}
}

func TestRemoveThenLookUp(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	id := brtypes.InodeId{Hi: 0, Lo: 100}
	if err := d.Insert("gone", id); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Remove("gone"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := d.LookUp("gone"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("LookUp after Remove should report ErrNotFound, got %v", err)
	}
}

func TestCountAndCollect(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	names := []string{"a", "b", "c", "d"}
	for i, name := range names {
		if err := d.Insert(name, brtypes.InodeId{Hi: 0, Lo: uint64(1000 + i)}); err != nil {
			t.Fatalf("Insert(%s): %v", name, err)
		}
	}

	count, err := d.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != len(names) {
		t.Fatalf("Count() = %d, want %d", count, len(names))
	}

	entries, err := d.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(entries) != len(names) {
		t.Fatalf("Collect() returned %d entries, want %d", len(entries), len(names))
	}
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.GetLabel()] = true
	}
	for _, name := range names {
		if !seen[name] {
			t.Fatalf("Collect() missing entry %q", name)
		}
	}
}

func TestOpenRejectsNonDirectoryInode(t *testing.T) {
	host, inodes, _ := newTestFixture(t)
	fileID := brtypes.InodeId{Hi: 0, Lo: 4096}
	var rec inode.Record
	rec.Header.Type = brtypes.InodeTypeFile
	if err := inodes.Insert(fileID, rec); err != nil {
		t.Fatalf("inserting file inode: %v", err)
	}

	if _, err := Open(host, inodes, fileID); !errors.Is(err, status.ErrNotDirectory) {
		t.Fatalf("Open of a non-directory inode should report ErrNotDirectory, got %v", err)
	}
}

func TestDestroyRemovesDirectoryInode(t *testing.T) {
	d, inodes, _ := newTestDirectory(t)
	id := brtypes.InodeId{Hi: 0, Lo: 1024}
	if err := d.Insert("x", brtypes.InodeId{Hi: 0, Lo: 2}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := inodes.Find(id); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("Find after Destroy should report ErrNotFound, got %v", err)
	}
}
