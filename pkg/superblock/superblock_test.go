package superblock

import (
	"errors"
	"testing"

	"github.com/cmpsb/brufs-sub000/pkg/abstio"
	"github.com/cmpsb/brufs-sub000/pkg/status"
)

func TestFormatThenOpenRoundTrip(t *testing.T) {
	io := abstio.NewMemory(0)

	sb, err := Format(io, 12, 1024, 4, 8)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	sb.Header.FbtAddress = 1
	sb.Header.RhtAddress = 2
	if err := sb.Store(); err != nil {
		t.Fatalf("Store: %v", err)
	}

	reopened, err := Open(io)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.Header.ClusterSize != 1<<12 {
		t.Errorf("ClusterSize = %d, want %d", reopened.Header.ClusterSize, 1<<12)
	}
	if reopened.Header.NumBlocks != 1024 {
		t.Errorf("NumBlocks = %d, want 1024", reopened.Header.NumBlocks)
	}
	if reopened.Header.FbtAddress != 1 || reopened.Header.RhtAddress != 2 {
		t.Errorf("FbtAddress/RhtAddress = %d/%d, want 1/2", reopened.Header.FbtAddress, reopened.Header.RhtAddress)
	}
	if reopened.Header.ScLowMark != 4 || reopened.Header.ScHighMark != 8 {
		t.Errorf("watermarks = %d/%d, want 4/8", reopened.Header.ScLowMark, reopened.Header.ScHighMark)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	io := abstio.NewMemory(Size)
	if _, err := Open(io); !errors.Is(err, status.ErrBadMagic) {
		t.Fatalf("Open of a zeroed buffer should report ErrBadMagic, got %v", err)
	}
}

func TestOpenDetectsChecksumMismatch(t *testing.T) {
	io := abstio.NewMemory(0)
	sb, err := Format(io, 12, 1024, 4, 8)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	// corrupt a byte after the stored header without going through Store,
	// so the on-disk checksum no longer matches the payload.
	corrupt := make([]byte, 1)
	corrupt[0] = 0xff
	if err := abstio.WriteFull(io, corrupt, int64(Size-8)); err != nil {
		t.Fatalf("corrupting header: %v", err)
	}

	if _, err := Open(io); !errors.Is(err, status.ErrChecksumMismatch) {
		t.Fatalf("Open of a corrupted header should report ErrChecksumMismatch, got %v", err)
	}

	_ = sb
}

func TestSpareReservoirPushPopAndRefill(t *testing.T) {
	sb := &Superblock{}
	sb.Header.ScLowMark = 2

	if sb.NeedsRefill() != true {
		t.Fatalf("an empty reservoir should need a refill")
	}

	for i := uint64(1); i <= 3; i++ {
		if !sb.PushSpare(i) {
			t.Fatalf("PushSpare(%d) unexpectedly reported the reservoir full", i)
		}
	}
	if sb.NeedsRefill() {
		t.Fatalf("reservoir with 3 spares and a low mark of 2 should not need a refill")
	}

	addr, ok := sb.PopSpare()
	if !ok || addr != 3 {
		t.Fatalf("PopSpare() = (%d, %v), want (3, true) - LIFO order", addr, ok)
	}
	if !sb.NeedsRefill() {
		t.Fatalf("reservoir with 2 spares and a low mark of 2 should need a refill")
	}
}

func TestPushSpareRejectsPastCapacity(t *testing.T) {
	sb := &Superblock{}
	for i := 0; i < MaxSpareClusters; i++ {
		if !sb.PushSpare(uint64(i + 1)) {
			t.Fatalf("PushSpare(%d) should have succeeded while under capacity", i)
		}
	}
	if sb.PushSpare(999) {
		t.Fatalf("PushSpare should reject once the reservoir is at MaxSpareClusters")
	}
}

func TestPopSpareOnEmptyReservoir(t *testing.T) {
	sb := &Superblock{}
	if _, ok := sb.PopSpare(); ok {
		t.Fatalf("PopSpare on an empty reservoir should report !ok")
	}
}
