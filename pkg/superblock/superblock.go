// Package superblock reads, validates and persists a Brufs header: the
// fixed record at cluster zero describing disk geometry, the free-block
// and root-hash-table roots, and the spare-cluster reservoir used to break
// the allocator/tree recursion.
package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/cmpsb/brufs-sub000/internal/xhash"
	"github.com/cmpsb/brufs-sub000/pkg/abstio"
	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
	"github.com/cmpsb/brufs-sub000/pkg/status"
)

// MagicString is written at the start of every Brufs header.
const MagicString = "BRUTAFS\nBINARY\n"

const magicLength = 16

// MaxSpareClusters bounds the spare-cluster reservoir carried inline in
// the header. At 24 entries the encoded header (Size, 456 bytes) fits in
// a 512-byte cluster.
const MaxSpareClusters = 24

// Header is the fixed-size record stored at cluster zero.
type Header struct {
	Major, Minor uint8
	Patch        uint16

	HeaderSize     uint32
	Checksum       uint64
	ClusterSize    uint32
	ClusterSizeExp uint8
	ScLowMark      uint8
	ScHighMark     uint8
	ScCount        uint8

	NumBlocks  uint64
	FbtAddress uint64
	RhtAddress uint64
	Flags      uint64

	// SpareClusters is a densely-packed reservoir of {Address, Size} spare
	// extents; only the first ScCount entries are live. Every entry
	// PushSpare places here is exactly one cluster long, but the on-disk
	// slot is a full brtypes.Extent (16 bytes) so the layout matches the
	// spec's spare-cluster record width.
	SpareClusters [MaxSpareClusters]brtypes.Extent
}

// Size is the encoded width of the header, well under one cluster even at
// the smallest supported cluster size.
const Size = magicLength + 1 + 1 + 2 + 4 + 8 + 4 + 1 + 1 + 1 + 1 + 8 + 8 + 8 + 8 + MaxSpareClusters*brtypes.ExtentSize

// Superblock owns the mutable header buffer for one open filesystem and
// knows how to validate and re-persist it. It is not safe for concurrent
// use; callers serialize access exactly as the rest of the module does.
type Superblock struct {
	IO     abstio.Adapter
	Header Header
}

// Open reads and validates the header at cluster zero.
func Open(io abstio.Adapter) (*Superblock, error) {
	buf := make([]byte, Size)
	if err := abstio.ReadFull(io, buf, 0); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	if string(buf[0:magicLength]) != MagicString {
		return nil, fmt.Errorf("validating header: %w", status.ErrBadMagic)
	}

	sb := &Superblock{IO: io}
	sb.decode(buf)

	stored := sb.Header.Checksum
	if computed := sb.checksum(buf); computed != stored {
		return nil, fmt.Errorf("validating header: %w", status.ErrChecksumMismatch)
	}

	return sb, nil
}

// Format writes a brand-new header with the given geometry and an empty
// spare-cluster reservoir, then stores it.
func Format(io abstio.Adapter, clusterSizeExp uint8, numBlocks uint64, scLowMark, scHighMark uint8) (*Superblock, error) {
	sb := &Superblock{IO: io}
	sb.Header = Header{
		Major:          1,
		Minor:          0,
		Patch:          0,
		HeaderSize:     uint32(Size),
		ClusterSize:    1 << clusterSizeExp,
		ClusterSizeExp: clusterSizeExp,
		ScLowMark:      scLowMark,
		ScHighMark:     scHighMark,
		NumBlocks:      numBlocks,
	}
	if err := sb.Store(); err != nil {
		return nil, err
	}
	return sb, nil
}

func (sb *Superblock) decode(buf []byte) {
	o := magicLength
	sb.Header.Major = buf[o]
	sb.Header.Minor = buf[o+1]
	sb.Header.Patch = binary.LittleEndian.Uint16(buf[o+2 : o+4])
	o += 4
	sb.Header.HeaderSize = binary.LittleEndian.Uint32(buf[o : o+4])
	o += 4
	sb.Header.Checksum = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	sb.Header.ClusterSize = binary.LittleEndian.Uint32(buf[o : o+4])
	o += 4
	sb.Header.ClusterSizeExp = buf[o]
	sb.Header.ScLowMark = buf[o+1]
	sb.Header.ScHighMark = buf[o+2]
	sb.Header.ScCount = buf[o+3]
	o += 4
	sb.Header.NumBlocks = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	sb.Header.FbtAddress = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	sb.Header.RhtAddress = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	sb.Header.Flags = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	for i := 0; i < MaxSpareClusters; i++ {
		sb.Header.SpareClusters[i] = brtypes.DecodeExtent(buf[o : o+brtypes.ExtentSize])
		o += brtypes.ExtentSize
	}
}

func (sb *Superblock) encode(buf []byte, checksum uint64) {
	copy(buf[0:magicLength], MagicString)
	o := magicLength
	buf[o] = sb.Header.Major
	buf[o+1] = sb.Header.Minor
	binary.LittleEndian.PutUint16(buf[o+2:o+4], sb.Header.Patch)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:o+4], sb.Header.HeaderSize)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:o+8], checksum)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:o+4], sb.Header.ClusterSize)
	o += 4
	buf[o] = sb.Header.ClusterSizeExp
	buf[o+1] = sb.Header.ScLowMark
	buf[o+2] = sb.Header.ScHighMark
	buf[o+3] = sb.Header.ScCount
	o += 4
	binary.LittleEndian.PutUint64(buf[o:o+8], sb.Header.NumBlocks)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], sb.Header.FbtAddress)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], sb.Header.RhtAddress)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], sb.Header.Flags)
	o += 8
	for i := 0; i < MaxSpareClusters; i++ {
		sb.Header.SpareClusters[i].Encode(buf[o : o+brtypes.ExtentSize])
		o += brtypes.ExtentSize
	}
}

// checksum computes the seeded digest of buf with the checksum field
// zeroed, matching store/validate symmetry.
func (sb *Superblock) checksum(buf []byte) uint64 {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	// zero the checksum field before hashing
	for i := magicLength + 8; i < magicLength+16; i++ {
		tmp[i] = 0
	}
	return xhash.Sum64(tmp)
}

// Store zeroes the checksum, recomputes it over the fresh contents, and
// writes the header back to cluster zero - the same sequence the
// reference implementation's store_header performs.
func (sb *Superblock) Store() error {
	buf := make([]byte, Size)
	sb.encode(buf, 0)
	sum := sb.checksum(buf)
	sb.Header.Checksum = sum
	sb.encode(buf, sum)
	if err := abstio.WriteFull(sb.IO, buf, 0); err != nil {
		return fmt.Errorf("storing header: %w", err)
	}
	return nil
}

// PushSpare adds a single cluster at addr to the spare reservoir and
// reports true; it stores nothing and reports false when the reservoir is
// already at MaxSpareClusters.
func (sb *Superblock) PushSpare(addr uint64) bool {
	if int(sb.Header.ScCount) >= MaxSpareClusters {
		return false
	}
	sb.Header.SpareClusters[sb.Header.ScCount] = brtypes.Extent{Offset: addr, Length: 1}
	sb.Header.ScCount++
	return true
}

// PopSpare removes and returns the address of the most recently pushed
// spare cluster.
func (sb *Superblock) PopSpare() (uint64, bool) {
	if sb.Header.ScCount == 0 {
		return 0, false
	}
	sb.Header.ScCount--
	ext := sb.Header.SpareClusters[sb.Header.ScCount]
	sb.Header.SpareClusters[sb.Header.ScCount] = brtypes.Extent{}
	return ext.Offset, true
}

// NeedsRefill reports whether the spare reservoir has dropped to or below
// its configured low watermark.
func (sb *Superblock) NeedsRefill() bool {
	return sb.Header.ScCount <= sb.Header.ScLowMark
}
