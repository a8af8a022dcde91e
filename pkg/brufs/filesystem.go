// Package brufs ties the superblock, allocator, free-block tree and root
// hash table together into one filesystem handle, and defines Root, the
// per-label view over a root's inode trees that the file and directory
// layers are opened through.
package brufs

import (
	"encoding/binary"
	"fmt"

	"github.com/cmpsb/brufs-sub000/internal/xhash"
	"github.com/cmpsb/brufs-sub000/pkg/abstio"
	"github.com/cmpsb/brufs-sub000/pkg/allocator"
	"github.com/cmpsb/brufs-sub000/pkg/bmtree"
	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
	"github.com/cmpsb/brufs-sub000/pkg/brufslog"
	"github.com/cmpsb/brufs-sub000/pkg/directory"
	"github.com/cmpsb/brufs-sub000/pkg/status"
	"github.com/cmpsb/brufs-sub000/pkg/superblock"
)

// FormatProfile captures the geometry and default root settings chosen at
// format time. brufsconfig.LoadProfile builds one from a TOML file;
// DefaultProfile is used when the caller supplies none.
type FormatProfile struct {
	ClusterSizeExp  uint8
	ScLowMark       uint8
	ScHighMark      uint8
	InodeSize       uint16
	InodeHeaderSize uint16
	MaxExtentLength uint32
}

// DefaultProfile matches the reference implementation's defaults: 4096
// byte clusters, a reservoir kept between 4 and 8 spares, 128 byte inodes.
var DefaultProfile = FormatProfile{
	ClusterSizeExp:  12,
	ScLowMark:       4,
	ScHighMark:      8,
	InodeSize:       128,
	InodeHeaderSize: brtypes.InodeHeaderSize,
	MaxExtentLength: 16,
}

// rootDescriptorTreeReserve is how many clusters past the header, FBT root
// and RHT root are set aside as the initial spare-cluster reservoir during
// format.
const rootDescriptorTreeReserve = 8

// Filesystem is an open Brufs volume: its header, allocator, free-block
// tree and root hash table.
type Filesystem struct {
	io     abstio.Adapter
	SB     *superblock.Superblock
	Alloc  *allocator.Allocator
	RHT    *bmtree.Tree[brtypes.Hash, brtypes.RootDescriptor]
	Logger brufslog.Logger
}

// IO returns the filesystem's backing adapter; Root.IO forwards to it.
func (fs *Filesystem) IO() abstio.Adapter { return fs.io }

// ClusterSize returns the configured cluster size in bytes.
func (fs *Filesystem) ClusterSize() uint64 { return uint64(fs.SB.Header.ClusterSize) }

// Init formats a brand-new filesystem over io and returns a handle to it.
func Init(io abstio.Adapter, profile FormatProfile, logger brufslog.Logger) (*Filesystem, error) {
	if logger == nil {
		logger = brufslog.Nop
	}

	size, err := io.Size()
	if err != nil {
		return nil, fmt.Errorf("formatting filesystem: %w", err)
	}
	clusterSize := uint64(1) << profile.ClusterSizeExp
	numBlocks := uint64(size) / clusterSize
	if numBlocks < rootDescriptorTreeReserve+4 {
		return nil, fmt.Errorf("formatting filesystem: %w", status.ErrInvalidArgument)
	}

	sb, err := superblock.Format(io, profile.ClusterSizeExp, numBlocks, profile.ScLowMark, profile.ScHighMark)
	if err != nil {
		return nil, err
	}

	const (
		fbtAddr = 1
		rhtAddr = 2
	)
	sb.Header.FbtAddress = fbtAddr
	sb.Header.RhtAddress = rhtAddr

	fs := &Filesystem{io: io, SB: sb, Logger: logger}

	fbt := &bmtree.Tree[uint64, brtypes.Extent]{
		IO:          io,
		ClusterSize: int(clusterSize),
		KeyCodec:    allocator.LengthCodec,
		ValCodec:    allocator.ExtentCodec,
		Compare:     allocator.CompareLength,
		Equiv:       allocator.EquivExtent,
	}
	fs.Alloc = allocator.New(sb, fbt)
	fs.Alloc.Logger = logger
	fbt.Logger = logger
	fbt.Alloc = func(uint64) (uint64, error) { return fs.Alloc.AllocateTreeBlocks(1) }
	fbt.Dealloc = func(addr, _ uint64) error { return fs.Alloc.FreeBlocks(addr, clusterSize) }
	fbt.OnRootChange = func(newRoot uint64) error {
		sb.Header.FbtAddress = newRoot
		return sb.Store()
	}
	if err := fbt.InitAt(fbtAddr); err != nil {
		return nil, fmt.Errorf("bootstrapping free-block tree: %w", err)
	}

	rht := &bmtree.Tree[brtypes.Hash, brtypes.RootDescriptor]{
		IO:          io,
		ClusterSize: int(clusterSize),
		KeyCodec:    hashCodec,
		ValCodec:    rootDescriptorCodec,
		Compare:     compareHash,
		Equiv:       equivRootDescriptor,
		Alloc:       func(uint64) (uint64, error) { return fs.Alloc.AllocateTreeBlocks(1) },
		Dealloc:     func(addr, _ uint64) error { return fs.Alloc.FreeBlocks(addr, clusterSize) },
		Logger:      logger,
	}
	rht.OnRootChange = func(newRoot uint64) error {
		sb.Header.RhtAddress = newRoot
		return sb.Store()
	}
	if err := rht.InitAt(rhtAddr); err != nil {
		return nil, fmt.Errorf("bootstrapping root hash table: %w", err)
	}
	fs.RHT = rht

	// Seed the spare-cluster reservoir directly (clusters 3..2+reserve),
	// then hand everything past the reservoir to the FBT as one big free
	// extent, exactly the two-phase seeding the reference implementation's
	// init() performs.
	reserveStart := uint64(3)
	for i := uint64(0); i < rootDescriptorTreeReserve; i++ {
		sb.PushSpare(reserveStart + i)
	}
	if err := sb.Store(); err != nil {
		return nil, err
	}

	freeStart := reserveStart + rootDescriptorTreeReserve
	if freeStart < numBlocks {
		if err := fbt.Insert(numBlocks-freeStart, brtypes.Extent{Offset: freeStart, Length: numBlocks - freeStart}); err != nil {
			return nil, fmt.Errorf("seeding free-block tree: %w", err)
		}
	}

	logger.Infof("formatted brufs volume: %d blocks at %d bytes/cluster", numBlocks, clusterSize)

	return fs, nil
}

// Open validates and attaches to an already-formatted filesystem.
func Open(io abstio.Adapter, logger brufslog.Logger) (*Filesystem, error) {
	if logger == nil {
		logger = brufslog.Nop
	}

	sb, err := superblock.Open(io)
	if err != nil {
		return nil, err
	}

	fs := &Filesystem{io: io, SB: sb, Logger: logger}

	clusterSize := uint64(sb.Header.ClusterSize)

	fbt := &bmtree.Tree[uint64, brtypes.Extent]{
		IO:          io,
		ClusterSize: int(clusterSize),
		Root:        sb.Header.FbtAddress,
		KeyCodec:    allocator.LengthCodec,
		ValCodec:    allocator.ExtentCodec,
		Compare:     allocator.CompareLength,
		Equiv:       allocator.EquivExtent,
		Logger:      logger,
	}
	fs.Alloc = allocator.New(sb, fbt)
	fs.Alloc.Logger = logger
	fbt.Alloc = func(uint64) (uint64, error) { return fs.Alloc.AllocateTreeBlocks(1) }
	fbt.Dealloc = func(addr, _ uint64) error { return fs.Alloc.FreeBlocks(addr, clusterSize) }
	fbt.OnRootChange = func(newRoot uint64) error {
		sb.Header.FbtAddress = newRoot
		return sb.Store()
	}

	rht := &bmtree.Tree[brtypes.Hash, brtypes.RootDescriptor]{
		IO:          io,
		ClusterSize: int(clusterSize),
		Root:        sb.Header.RhtAddress,
		KeyCodec:    hashCodec,
		ValCodec:    rootDescriptorCodec,
		Compare:     compareHash,
		Equiv:       equivRootDescriptor,
		Alloc:       func(uint64) (uint64, error) { return fs.Alloc.AllocateTreeBlocks(1) },
		Dealloc:     func(addr, _ uint64) error { return fs.Alloc.FreeBlocks(addr, clusterSize) },
		Logger:      logger,
	}
	rht.OnRootChange = func(newRoot uint64) error {
		sb.Header.RhtAddress = newRoot
		return sb.Store()
	}
	fs.RHT = rht

	return fs, nil
}

var hashCodec = bmtree.Codec[brtypes.Hash]{
	Size: 8,
	Encode: func(v brtypes.Hash, buf []byte) {
		binary.LittleEndian.PutUint64(buf, v)
	},
	Decode: func(buf []byte) brtypes.Hash {
		return binary.LittleEndian.Uint64(buf)
	},
}

var rootDescriptorCodec = bmtree.Codec[brtypes.RootDescriptor]{
	Size:   brtypes.RootDescriptorSize,
	Encode: func(v brtypes.RootDescriptor, buf []byte) { v.Encode(buf) },
	Decode: brtypes.DecodeRootDescriptor,
}

func compareHash(a, b brtypes.Hash) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func equivRootDescriptor(cur, next *brtypes.RootDescriptor) bool {
	return cur.Equal(*next)
}

// CountFreeBlocks returns the number of unallocated blocks on the volume.
func (fs *Filesystem) CountFreeBlocks() (uint64, error) {
	return fs.Alloc.CountFreeBlocks()
}

// CountRoots returns the number of named roots on the volume.
func (fs *Filesystem) CountRoots() (int, error) {
	n := 0
	err := fs.RHT.Walk(func(brtypes.Hash, brtypes.RootDescriptor) (bmtree.Signal, error) {
		n++
		return bmtree.SignalOK, nil
	})
	return n, err
}

// CollectRoots returns every root descriptor on the volume.
func (fs *Filesystem) CollectRoots() ([]brtypes.RootDescriptor, error) {
	var out []brtypes.RootDescriptor
	err := fs.RHT.Walk(func(_ brtypes.Hash, rd brtypes.RootDescriptor) (bmtree.Signal, error) {
		out = append(out, rd)
		return bmtree.SignalOK, nil
	})
	return out, err
}

// FindRootDescriptor returns the descriptor stored under label, scanning
// hash collisions bounded the same way directory lookups are.
func (fs *Filesystem) FindRootDescriptor(label string) (brtypes.RootDescriptor, error) {
	h := xhash.Sum64String(label)
	candidates, err := fs.RHT.SearchAll(h)
	if err != nil {
		return brtypes.RootDescriptor{}, err
	}
	for i, c := range candidates {
		if i >= directory.MaxCollisions {
			break
		}
		if c.GetLabel() == label {
			return c, nil
		}
	}
	return brtypes.RootDescriptor{}, fmt.Errorf("finding root %q: %w", label, status.ErrNoRoot)
}

// AddRoot creates and persists a brand-new root named label, formatted per
// profile, and returns a handle to it.
func (fs *Filesystem) AddRoot(label string, profile FormatProfile) (*Root, error) {
	if _, err := fs.FindRootDescriptor(label); err == nil {
		return nil, fmt.Errorf("adding root %q: %w", label, status.ErrAlreadyExists)
	}

	rd := brtypes.NewRootDescriptor(label)
	rd.InodeSize = profile.InodeSize
	rd.InodeHeaderSize = profile.InodeHeaderSize
	rd.MaxExtentLength = profile.MaxExtentLength

	root := &Root{fs: fs, Descriptor: rd}
	if err := root.init(); err != nil {
		return nil, err
	}

	// root.init has already stored the descriptor through UpdateRoot when
	// it created the inode trees; Update replaces that record.
	h := xhash.Sum64String(label)
	if err := fs.RHT.Update(h, root.Descriptor); err != nil {
		return nil, fmt.Errorf("adding root %q: %w", label, err)
	}

	return root, nil
}

// OpenRoot attaches to an existing root by label.
func (fs *Filesystem) OpenRoot(label string) (*Root, error) {
	rd, err := fs.FindRootDescriptor(label)
	if err != nil {
		return nil, err
	}
	root := &Root{fs: fs, Descriptor: rd}
	root.attach()
	return root, nil
}

// UpdateRoot re-persists a root's descriptor after one of its tree roots
// has changed.
func (fs *Filesystem) UpdateRoot(root *Root) error {
	h := xhash.Sum64String(root.Descriptor.GetLabel())
	return fs.RHT.Update(h, root.Descriptor)
}
