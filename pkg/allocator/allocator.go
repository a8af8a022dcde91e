// Package allocator manages free block extents on top of the free-block
// tree (FBT), a bmtree.Tree[uint64, brtypes.Extent] keyed by extent length
// so the shortest extent at least as long as a request can be found by
// searching upward from the requested length. It exposes two disjoint allocation paths - AllocateBlocks
// ("outer", goes through the FBT) and AllocateTreeBlocks ("inner", spare
// reservoir only) - because the FBT itself is a Bm+tree that needs blocks
// to grow: letting it allocate its own blocks through the outer path would
// recurse. The inner path breaks that cycle by drawing exclusively from
// the superblock's spare-cluster reservoir, which the outer path keeps
// topped up as a side effect of every successful allocation.
package allocator

import (
	"fmt"

	"github.com/cmpsb/brufs-sub000/pkg/bmtree"
	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
	"github.com/cmpsb/brufs-sub000/pkg/brufslog"
	"github.com/cmpsb/brufs-sub000/pkg/status"
	"github.com/cmpsb/brufs-sub000/pkg/superblock"
)

// ExtentCodec is the shared codec for brtypes.Extent values stored in the
// FBT.
var ExtentCodec = bmtree.Codec[brtypes.Extent]{
	Size:   brtypes.ExtentSize,
	Encode: func(v brtypes.Extent, buf []byte) { v.Encode(buf) },
	Decode: brtypes.DecodeExtent,
}

// LengthCodec is the shared codec for the FBT's uint64-length keys.
var LengthCodec = bmtree.Codec[uint64]{
	Size: 8,
	Encode: func(v uint64, buf []byte) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
	},
	Decode: func(buf []byte) uint64 {
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(buf[i]) << (8 * i)
		}
		return v
	},
}

// CompareLength orders FBT keys (extent lengths) numerically; it is the
// Tree.Compare function the filesystem wires into the FBT at Init/Open.
func CompareLength(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// EquivExtent treats two same-length extents as the same record only when
// they start at the same offset, so distinct free extents of equal length
// are all kept side by side.
func EquivExtent(cur, next *brtypes.Extent) bool {
	return cur.Offset == next.Offset
}

// Allocator is the cluster allocator for one open filesystem: it owns the
// FBT and refills the superblock's spare-cluster reservoir as a side
// effect of outer allocations.
type Allocator struct {
	SB  *superblock.Superblock
	FBT *bmtree.Tree[uint64, brtypes.Extent]

	// Logger receives diagnostics for spare-reservoir refills. Nil is
	// treated as brufslog.Nop.
	Logger brufslog.Logger
}

// New wires an Allocator to an already-open FBT and superblock.
func New(sb *superblock.Superblock, fbt *bmtree.Tree[uint64, brtypes.Extent]) *Allocator {
	return &Allocator{SB: sb, FBT: fbt}
}

func (a *Allocator) log() brufslog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return brufslog.Nop
}

// InitialFreeExtentLength is 4096 blocks. brufs.Init does not use it: a
// freshly formatted filesystem starts with a single free extent covering
// every cluster past the initial spare reservoir.
const InitialFreeExtentLength uint64 = 4096

// AllocateTreeBlocks pops one cluster from the spare reservoir, never
// touching the FBT; length must be 1. The FBT and the root hash table
// allocate their own nodes through this path, so growing the FBT never
// recurses into the FBT while it is itself being mutated.
func (a *Allocator) AllocateTreeBlocks(length uint64) (uint64, error) {
	if length != 1 {
		return 0, fmt.Errorf("allocating tree blocks: %w", status.ErrInvalidArgument)
	}
	addr, ok := a.SB.PopSpare()
	if !ok {
		return 0, fmt.Errorf("allocating tree blocks: %w", status.ErrNoSpace)
	}
	if err := a.SB.Store(); err != nil {
		return 0, err
	}
	return addr, nil
}

// blockSize is the finest granularity AllocateBlocks/FreeBlocks accept at
// their byte-length boundary, mirroring the reference implementation's
// BLOCK_SIZE exception to the cluster-alignment rule. The FBT itself still
// only ever hands out whole clusters - see the doc comment on
// bytesToClusters for the disclosed gap between the two.
const blockSize uint64 = 512

// bytesToClusters converts a byte length validated by AllocateBlocks'
// alignment check into the whole-cluster count the FBT is keyed in. The Go
// port's free-block tree is cluster-granular throughout (unlike the
// reference implementation's block-granular one), so a blockSize request
// against a larger cluster size still consumes one entire cluster; this is
// a deliberate, disclosed simplification rather than a faithful sub-cluster
// allocation.
func bytesToClusters(length, clusterSize uint64) uint64 {
	n := (length + clusterSize - 1) / clusterSize
	if n == 0 {
		n = 1
	}
	return n
}

// AllocateBlocks allocates a contiguous extent at least length bytes long
// through the FBT, splitting or consuming the smallest sufficient free
// extent, then tops up the spare reservoir from the largest free extent
// when it has dropped to its low watermark. length must be blockSize or a
// multiple of the volume's cluster size; anything else reports
// status.ErrMisaligned.
func (a *Allocator) AllocateBlocks(length uint64) (uint64, error) {
	if length == 0 {
		return 0, fmt.Errorf("allocating blocks: %w", status.ErrInvalidArgument)
	}

	clusterSize := uint64(a.SB.Header.ClusterSize)
	if length != blockSize && length%clusterSize != 0 {
		return 0, fmt.Errorf("allocating blocks: %w", status.ErrMisaligned)
	}
	numClusters := bytesToClusters(length, clusterSize)

	best, ext, found, err := a.findSmallestFit(numClusters)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("allocating blocks: %w", status.ErrWontFit)
	}

	if err := a.FBT.Remove(best, func(e brtypes.Extent) bool { return e.Offset == ext.Offset }); err != nil {
		return 0, err
	}

	addr := ext.Offset
	residual := ext.Length - numClusters
	if residual > 0 {
		if err := a.FBT.Insert(residual, brtypes.Extent{Offset: ext.Offset + numClusters, Length: residual}); err != nil {
			return 0, err
		}
	}

	if err := a.refillSpares(); err != nil {
		return 0, err
	}

	return addr, nil
}

// findSmallestFit searches the FBT for the smallest extent at least
// `length` blocks long by walking lengths upward from the exact match.
func (a *Allocator) findSmallestFit(length uint64) (uint64, brtypes.Extent, bool, error) {
	if v, ok, err := a.searchOne(length); err != nil {
		return 0, brtypes.Extent{}, false, err
	} else if ok {
		return length, v, true, nil
	}

	// No exact-length extent; walk the tree's ordered keys upward.
	var result brtypes.Extent
	var resultKey uint64
	found := false
	err := a.FBT.Walk(func(k uint64, v brtypes.Extent) (bmtree.Signal, error) {
		if k >= length {
			resultKey, result, found = k, v, true
			return bmtree.SignalStop, nil
		}
		return bmtree.SignalOK, nil
	})
	if err != nil {
		return 0, brtypes.Extent{}, false, err
	}
	return resultKey, result, found, nil
}

func (a *Allocator) searchOne(length uint64) (brtypes.Extent, bool, error) {
	return a.FBT.Search(length)
}

// refillSpares tops the reservoir up until it is above its low watermark
// by peeling single clusters off the largest free extent, persisting the header
// after each top-up exactly as the reference allocator does.
func (a *Allocator) refillSpares() error {
	for a.SB.NeedsRefill() {
		_, last, ok, err := a.FBT.GetLast()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := a.FBT.Remove(last.Length, func(e brtypes.Extent) bool { return e.Offset == last.Offset }); err != nil {
			return err
		}

		spareAddr := last.Offset
		last.Offset++
		last.Length--

		if last.Length > 0 {
			if err := a.FBT.Insert(last.Length, last); err != nil {
				return err
			}
		}

		if !a.SB.PushSpare(spareAddr) {
			return nil
		}
		if err := a.SB.Store(); err != nil {
			return err
		}
		a.log().Debugf("allocator: refilled spare reservoir with cluster %d (count=%d)", spareAddr, a.SB.Header.ScCount)
	}
	return nil
}

// FreeBlocks returns the length-byte extent starting at addr to the
// allocator. Unlike AllocateBlocks it enforces no alignment on length,
// exactly mirroring the reference implementation's free_blocks; when the
// spare reservoir is below its high watermark and the extent converts to
// exactly one cluster,
// it is folded directly into the reservoir instead of round-tripping
// through the FBT.
func (a *Allocator) FreeBlocks(addr uint64, length uint64) error {
	clusterSize := uint64(a.SB.Header.ClusterSize)
	numClusters := bytesToClusters(length, clusterSize)

	if numClusters == 1 && a.SB.Header.ScCount < superblock.MaxSpareClusters && a.SB.Header.ScCount < a.SB.Header.ScHighMark {
		if a.SB.PushSpare(addr) {
			return a.SB.Store()
		}
	}
	return a.FBT.Insert(numClusters, brtypes.Extent{Offset: addr, Length: numClusters})
}

// CountFreeBlocks sums the length of every extent in the FBT plus the
// spare reservoir.
func (a *Allocator) CountFreeBlocks() (uint64, error) {
	var total uint64
	err := a.FBT.Walk(func(_ uint64, v brtypes.Extent) (bmtree.Signal, error) {
		total += v.Length
		return bmtree.SignalOK, nil
	})
	if err != nil {
		return 0, err
	}
	total += uint64(a.SB.Header.ScCount)
	return total, nil
}
