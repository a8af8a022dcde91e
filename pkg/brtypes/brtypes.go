// Package brtypes defines the primitive and on-disk record types shared by
// every Brufs layer: addresses, extents, inode identifiers, and the binary
// layout of the records the superblock, allocator and entity trees store.
// Every record here is encoded by hand into little-endian byte buffers
// instead of relying on Go struct layout, so the wire format stays bit-exact
// regardless of compiler or architecture.
package brtypes

import "encoding/binary"

// Address is an absolute block address on the backing store.
type Address = uint64

// Offset is a byte offset within a file or a node.
type Offset = uint64

// Size is a length measured in blocks, unless documented otherwise.
type Size = uint64

// Hash is a 64-bit digest produced by internal/xhash.
type Hash = uint64

// OwnerId identifies a user or group that owns an inode.
type OwnerId = uint64

// MaxLabelLength bounds root and directory-entry labels, matching the
// on-disk record width.
const MaxLabelLength = 256

// Timestamp is a POSIX-style split second/nanosecond timestamp.
type Timestamp struct {
	Seconds     uint64
	Nanoseconds uint64
}

const timestampSize = 16

func (t Timestamp) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], t.Seconds)
	binary.LittleEndian.PutUint64(buf[8:16], t.Nanoseconds)
}

func DecodeTimestamp(buf []byte) Timestamp {
	return Timestamp{
		Seconds:     binary.LittleEndian.Uint64(buf[0:8]),
		Nanoseconds: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// InodeId is a 128-bit inode identifier. The low 6 bits of Lo select which
// stream (main inode tree vs. alternate/extended-attribute tree) an id
// belongs to, matching the reference implementation's bit layout.
type InodeId struct {
	Hi uint64
	Lo uint64
}

// RootDirectoryInodeId is the well-known id of a root's directory inode.
var RootDirectoryInodeId = InodeId{Hi: 0, Lo: 1024}

// InodeIdSize is the encoded width of an InodeId.
const InodeIdSize = 16

// IsMainStream reports whether id addresses the main inode stream, as
// opposed to the alternate stream reserved for extended attributes.
func (id InodeId) IsMainStream() bool {
	return id.Lo&0x3F == 0
}

// Compare orders ids lexicographically by (Hi, Lo), the order the inode
// tree is keyed on.
func (id InodeId) Compare(other InodeId) int {
	if id.Hi != other.Hi {
		if id.Hi < other.Hi {
			return -1
		}
		return 1
	}
	switch {
	case id.Lo < other.Lo:
		return -1
	case id.Lo > other.Lo:
		return 1
	default:
		return 0
	}
}

func (id InodeId) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], id.Hi)
	binary.LittleEndian.PutUint64(buf[8:16], id.Lo)
}

func DecodeInodeId(buf []byte) InodeId {
	return InodeId{
		Hi: binary.LittleEndian.Uint64(buf[0:8]),
		Lo: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// Extent describes a run of contiguous blocks on the backing store, used by
// the allocator's free-block tree.
type Extent struct {
	Offset Address
	Length Size
}

// ExtentSize is the encoded width of an Extent.
const ExtentSize = 16

// GetEnd returns the address one past the last block in the extent.
func (e Extent) GetEnd() Address { return e.Offset + e.Length }

// GetLast returns the address of the last block in the extent.
func (e Extent) GetLast() Address { return e.GetEnd() - 1 }

func (e Extent) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], e.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], e.Length)
}

func DecodeExtent(buf []byte) Extent {
	return Extent{
		Offset: binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// DataExtent is an Extent carrying the file-local offset its data begins
// at. Unlike Extent, consecutive DataExtents need not be contiguous: the gap
// between one extent's local end and the next's local start is a sparse
// hole that reads back as zeroes.
type DataExtent struct {
	Offset     Address
	Length     Size
	LocalStart Offset
}

// DataExtentSize is the encoded width of a DataExtent.
const DataExtentSize = 24

// NewDataExtent builds a DataExtent from a plain Extent and the local
// offset its data begins at.
func NewDataExtent(e Extent, localStart Offset) DataExtent {
	return DataExtent{Offset: e.Offset, Length: e.Length, LocalStart: localStart}
}

func (de DataExtent) GetLocalEnd() Offset  { return de.LocalStart + de.Length }
func (de DataExtent) GetLocalLast() Offset { return de.GetLocalEnd() - 1 }

func (de DataExtent) ContainsLocal(offset Offset) bool {
	return offset >= de.LocalStart && offset < de.GetLocalEnd()
}

func (de DataExtent) RelativizeLocal(offset Offset) Offset {
	return offset - de.LocalStart
}

func (de DataExtent) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], de.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], de.Length)
	binary.LittleEndian.PutUint64(buf[16:24], de.LocalStart)
}

func DecodeDataExtent(buf []byte) DataExtent {
	return DataExtent{
		Offset:     binary.LittleEndian.Uint64(buf[0:8]),
		Length:     binary.LittleEndian.Uint64(buf[8:16]),
		LocalStart: binary.LittleEndian.Uint64(buf[16:24]),
	}
}

// InodeFlag is a bit flag stored in an InodeHeader. The flags are stored
// and read back as set; pkg/file does not consult either of them.
type InodeFlag uint16

const (
	// InodeFlagNoSparse disables hole-punching: every byte in the file's
	// logical range is backed by a real extent.
	InodeFlagNoSparse InodeFlag = 1 << iota
	// InodeFlagZeroAtDeletion asks that the file's blocks be zeroed before
	// being returned to the allocator.
	InodeFlagZeroAtDeletion
)

// Inode type codes stored in InodeHeader.Type.
const (
	InodeTypeFile      uint16 = 1
	InodeTypeDirectory uint16 = 2
	InodeTypeSymlink   uint16 = 3
)

// InodeHeader is the fixed-size record stored as the value in a root's
// inode tree. It must stay well under one block so many inodes pack into a
// single cluster.
type InodeHeader struct {
	Created      Timestamp
	LastModified Timestamp
	Owner        OwnerId
	Group        OwnerId
	NumLinks     uint16
	Type         uint16
	Flags        uint16
	Mode         uint16
	FileSize     Size
	Checksum     Hash
}

// InodeHeaderSize is the encoded width of an InodeHeader, including its
// trailing checksum.
const InodeHeaderSize = 2*timestampSize + 8 + 8 + 2 + 2 + 2 + 2 + 8 + 8

func (h InodeHeader) TestFlag(f InodeFlag) bool {
	return InodeFlag(h.Flags)&f != 0
}

func (h *InodeHeader) SetFlag(f InodeFlag, on bool) {
	if on {
		h.Flags |= uint16(f)
	} else {
		h.Flags &^= uint16(f)
	}
}

func (h InodeHeader) Encode(buf []byte) {
	h.Created.Encode(buf[0:16])
	h.LastModified.Encode(buf[16:32])
	binary.LittleEndian.PutUint64(buf[32:40], h.Owner)
	binary.LittleEndian.PutUint64(buf[40:48], h.Group)
	binary.LittleEndian.PutUint16(buf[48:50], h.NumLinks)
	binary.LittleEndian.PutUint16(buf[50:52], h.Type)
	binary.LittleEndian.PutUint16(buf[52:54], h.Flags)
	binary.LittleEndian.PutUint16(buf[54:56], h.Mode)
	binary.LittleEndian.PutUint64(buf[56:64], h.FileSize)
	binary.LittleEndian.PutUint64(buf[64:72], h.Checksum)
}

func DecodeInodeHeader(buf []byte) InodeHeader {
	return InodeHeader{
		Created:      DecodeTimestamp(buf[0:16]),
		LastModified: DecodeTimestamp(buf[16:32]),
		Owner:        binary.LittleEndian.Uint64(buf[32:40]),
		Group:        binary.LittleEndian.Uint64(buf[40:48]),
		NumLinks:     binary.LittleEndian.Uint16(buf[48:50]),
		Type:         binary.LittleEndian.Uint16(buf[50:52]),
		Flags:        binary.LittleEndian.Uint16(buf[52:54]),
		Mode:         binary.LittleEndian.Uint16(buf[54:56]),
		FileSize:     binary.LittleEndian.Uint64(buf[56:64]),
		Checksum:     binary.LittleEndian.Uint64(buf[64:72]),
	}
}

// RootDescriptor is the value stored in the filesystem-wide root hash
// table: one per named root, pointing at that root's inode trees.
type RootDescriptor struct {
	Label           [MaxLabelLength]byte
	Flags           uint64
	InodeSize       uint16
	InodeHeaderSize uint16
	MaxExtentLength uint32
	IntAddress      Address
	AitAddress      Address
}

const RootDescriptorSize = MaxLabelLength + 8 + 2 + 2 + 4 + 8 + 8

// NewRootDescriptor builds a descriptor for label with the documented
// defaults (128-byte inodes, 16 cluster max extent length at 4096-byte
// clusters) that brufs.Filesystem.AddRoot overrides from its FormatProfile.
func NewRootDescriptor(label string) RootDescriptor {
	rd := RootDescriptor{
		InodeSize:       128,
		InodeHeaderSize: InodeHeaderSize,
		MaxExtentLength: 16,
	}
	rd.SetLabel(label)
	return rd
}

func (rd *RootDescriptor) SetLabel(label string) {
	var buf [MaxLabelLength]byte
	n := copy(buf[:], label)
	_ = n
	rd.Label = buf
}

func (rd RootDescriptor) GetLabel() string {
	n := 0
	for n < len(rd.Label) && rd.Label[n] != 0 {
		n++
	}
	return string(rd.Label[:n])
}

// Hash returns the seeded label hash the root hash table is keyed by. The
// caller supplies the hash function to avoid an import cycle with
// internal/xhash. brufs.Filesystem keys the table by
// xhash.Sum64String(label) directly, which equals Hash(xhash.Sum64String).
func (rd RootDescriptor) Hash(hashLabel func(string) uint64) Hash {
	return hashLabel(rd.GetLabel())
}

func (rd RootDescriptor) Equal(other RootDescriptor) bool {
	return rd.GetLabel() == other.GetLabel()
}

func (rd RootDescriptor) Encode(buf []byte) {
	copy(buf[0:MaxLabelLength], rd.Label[:])
	o := MaxLabelLength
	binary.LittleEndian.PutUint64(buf[o:o+8], rd.Flags)
	o += 8
	binary.LittleEndian.PutUint16(buf[o:o+2], rd.InodeSize)
	o += 2
	binary.LittleEndian.PutUint16(buf[o:o+2], rd.InodeHeaderSize)
	o += 2
	binary.LittleEndian.PutUint32(buf[o:o+4], rd.MaxExtentLength)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:o+8], rd.IntAddress)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:o+8], rd.AitAddress)
}

func DecodeRootDescriptor(buf []byte) RootDescriptor {
	var rd RootDescriptor
	copy(rd.Label[:], buf[0:MaxLabelLength])
	o := MaxLabelLength
	rd.Flags = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	rd.InodeSize = binary.LittleEndian.Uint16(buf[o : o+2])
	o += 2
	rd.InodeHeaderSize = binary.LittleEndian.Uint16(buf[o : o+2])
	o += 2
	rd.MaxExtentLength = binary.LittleEndian.Uint32(buf[o : o+4])
	o += 4
	rd.IntAddress = binary.LittleEndian.Uint64(buf[o : o+8])
	o += 8
	rd.AitAddress = binary.LittleEndian.Uint64(buf[o : o+8])
	return rd
}

// DirectoryEntry is the value stored in a directory's entry tree, keyed by
// the seeded hash of its label.
type DirectoryEntry struct {
	Label   [MaxLabelLength]byte
	InodeId InodeId
}

const DirectoryEntrySize = MaxLabelLength + InodeIdSize

func NewDirectoryEntry(label string, id InodeId) DirectoryEntry {
	var de DirectoryEntry
	de.SetLabel(label)
	de.InodeId = id
	return de
}

func (de *DirectoryEntry) SetLabel(label string) {
	var buf [MaxLabelLength]byte
	copy(buf[:], label)
	de.Label = buf
}

func (de DirectoryEntry) GetLabel() string {
	n := 0
	for n < len(de.Label) && de.Label[n] != 0 {
		n++
	}
	return string(de.Label[:n])
}

func (de DirectoryEntry) Hash(hashLabel func(string) uint64) Hash {
	return hashLabel(de.GetLabel())
}

func (de DirectoryEntry) Encode(buf []byte) {
	copy(buf[0:MaxLabelLength], de.Label[:])
	de.InodeId.Encode(buf[MaxLabelLength : MaxLabelLength+InodeIdSize])
}

func DecodeDirectoryEntry(buf []byte) DirectoryEntry {
	var de DirectoryEntry
	copy(de.Label[:], buf[0:MaxLabelLength])
	de.InodeId = DecodeInodeId(buf[MaxLabelLength : MaxLabelLength+InodeIdSize])
	return de
}
