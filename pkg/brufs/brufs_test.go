package brufs

import (
	"errors"
	"testing"

	"github.com/cmpsb/brufs-sub000/pkg/abstio"
	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
	"github.com/cmpsb/brufs-sub000/pkg/status"
)

func testProfile() FormatProfile {
	p := DefaultProfile
	p.ClusterSizeExp = 9 // 512 bytes/cluster, keeps the fixture small
	return p
}

func newTestFilesystem(t *testing.T) (abstio.Adapter, *Filesystem) {
	t.Helper()
	io := abstio.NewMemory(512 * 200)
	fs, err := Init(io, testProfile(), nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return io, fs
}

func TestInitThenOpenRoundTrip(t *testing.T) {
	io, fs := newTestFilesystem(t)

	free1, err := fs.CountFreeBlocks()
	if err != nil {
		t.Fatalf("CountFreeBlocks: %v", err)
	}
	if free1 == 0 {
		t.Fatalf("freshly formatted filesystem reported zero free blocks")
	}

	reopened, err := Open(io, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.SB.Header.FbtAddress != fs.SB.Header.FbtAddress {
		t.Errorf("FbtAddress = %d, want %d", reopened.SB.Header.FbtAddress, fs.SB.Header.FbtAddress)
	}
	if reopened.SB.Header.RhtAddress != fs.SB.Header.RhtAddress {
		t.Errorf("RhtAddress = %d, want %d", reopened.SB.Header.RhtAddress, fs.SB.Header.RhtAddress)
	}

	free2, err := reopened.CountFreeBlocks()
	if err != nil {
		t.Fatalf("CountFreeBlocks after reopen: %v", err)
	}
	if free1 != free2 {
		t.Fatalf("CountFreeBlocks changed across reopen: %d != %d", free1, free2)
	}
}

func TestInitRejectsTooSmallVolume(t *testing.T) {
	io := abstio.NewMemory(512 * 4) // fewer than rootDescriptorTreeReserve+4 blocks
	if _, err := Init(io, testProfile(), nil); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("Init of a too-small volume should report ErrInvalidArgument, got %v", err)
	}
}

func TestAddRootThenOpenRoot(t *testing.T) {
	_, fs := newTestFilesystem(t)

	root, err := fs.AddRoot("main", testProfile())
	if err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	if root.Descriptor.GetLabel() != "main" {
		t.Fatalf("Descriptor label = %q, want %q", root.Descriptor.GetLabel(), "main")
	}

	reopened, err := fs.OpenRoot("main")
	if err != nil {
		t.Fatalf("OpenRoot: %v", err)
	}
	if reopened.Descriptor.GetLabel() != "main" {
		t.Fatalf("reopened Descriptor label = %q, want %q", reopened.Descriptor.GetLabel(), "main")
	}
}

func TestAddRootRejectsDuplicateLabel(t *testing.T) {
	_, fs := newTestFilesystem(t)
	if _, err := fs.AddRoot("dup", testProfile()); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	if _, err := fs.AddRoot("dup", testProfile()); !errors.Is(err, status.ErrAlreadyExists) {
		t.Fatalf("second AddRoot of the same label should report ErrAlreadyExists, got %v", err)
	}
}

func TestOpenRootMissingReportsNoRoot(t *testing.T) {
	_, fs := newTestFilesystem(t)
	if _, err := fs.OpenRoot("nonexistent"); !errors.Is(err, status.ErrNoRoot) {
		t.Fatalf("OpenRoot of a missing label should report ErrNoRoot, got %v", err)
	}
}

func TestCountAndCollectRoots(t *testing.T) {
	_, fs := newTestFilesystem(t)
	labels := []string{"alpha", "beta", "gamma"}
	for _, label := range labels {
		if _, err := fs.AddRoot(label, testProfile()); err != nil {
			t.Fatalf("AddRoot(%s): %v", label, err)
		}
	}

	count, err := fs.CountRoots()
	if err != nil {
		t.Fatalf("CountRoots: %v", err)
	}
	if count != len(labels) {
		t.Fatalf("CountRoots() = %d, want %d", count, len(labels))
	}

	descriptors, err := fs.CollectRoots()
	if err != nil {
		t.Fatalf("CollectRoots: %v", err)
	}
	seen := map[string]bool{}
	for _, rd := range descriptors {
		seen[rd.GetLabel()] = true
	}
	for _, label := range labels {
		if !seen[label] {
			t.Fatalf("CollectRoots missing label %q", label)
		}
	}
}

func TestRootHasRootDirectoryWithDotEntries(t *testing.T) {
	_, fs := newTestFilesystem(t)
	root, err := fs.AddRoot("main", testProfile())
	if err != nil {
		t.Fatalf("AddRoot: %v", err)
	}

	dir, err := root.OpenDirectory(brtypes.RootDirectoryInodeId)
	if err != nil {
		t.Fatalf("OpenDirectory: %v", err)
	}

	for _, name := range []string{".", ".."} {
		entry, err := dir.LookUp(name)
		if err != nil {
			t.Fatalf("LookUp(%q): %v", name, err)
		}
		if entry.InodeId != brtypes.RootDirectoryInodeId {
			t.Errorf("LookUp(%q) = %v, want the root directory's own id", name, entry.InodeId)
		}
	}
}
