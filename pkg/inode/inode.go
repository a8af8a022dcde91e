// Package inode implements the per-root inode store: a Bm+tree keyed by
// brtypes.InodeId whose values are fixed-size records carrying the shared
// InodeHeader plus a type-private tail used by the file and directory
// layers for small-object inline storage.
package inode

import (
	"fmt"

	"github.com/cmpsb/brufs-sub000/internal/xhash"
	"github.com/cmpsb/brufs-sub000/pkg/abstio"
	"github.com/cmpsb/brufs-sub000/pkg/bmtree"
	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
	"github.com/cmpsb/brufs-sub000/pkg/brufslog"
	"github.com/cmpsb/brufs-sub000/pkg/status"
)

// PrivateSize is the width of the type-private tail every inode record
// carries after its header, sized so Header+Private fits the 128-byte
// default inode record.
const PrivateSize = 56

// RecordSize is the total encoded width of a Record.
const RecordSize = brtypes.InodeHeaderSize + PrivateSize

// Record is the value type stored in an inode tree.
type Record struct {
	Header  brtypes.InodeHeader
	Private [PrivateSize]byte
}

// Codec is the shared bmtree codec for Record values.
var Codec = bmtree.Codec[Record]{
	Size: RecordSize,
	Encode: func(v Record, buf []byte) {
		v.Header.Encode(buf[0:brtypes.InodeHeaderSize])
		copy(buf[brtypes.InodeHeaderSize:], v.Private[:])
	},
	Decode: func(buf []byte) Record {
		var r Record
		r.Header = brtypes.DecodeInodeHeader(buf[0:brtypes.InodeHeaderSize])
		copy(r.Private[:], buf[brtypes.InodeHeaderSize:])
		return r
	},
}

// IDCodec is the shared bmtree codec for brtypes.InodeId keys.
var IDCodec = bmtree.Codec[brtypes.InodeId]{
	Size:   brtypes.InodeIdSize,
	Encode: func(v brtypes.InodeId, buf []byte) { v.Encode(buf) },
	Decode: brtypes.DecodeInodeId,
}

// Compare orders inode ids the way the tree is keyed: lexicographically by
// (Hi, Lo).
func Compare(a, b brtypes.InodeId) int { return a.Compare(b) }

// Equiv always replaces an inode record in place; inode ids are unique, so
// Update never needs to append a colliding duplicate.
func Equiv(cur, next *Record) bool { return true }

// recordChecksum hashes a record with its checksum field zeroed, mirroring
// the superblock's own checksum discipline.
func recordChecksum(r Record) uint64 {
	buf := make([]byte, RecordSize)
	r.Header.Checksum = 0
	Codec.Encode(r, buf)
	return xhash.Sum64(buf)
}

// Tree is one root's main or alternate inode stream.
type Tree struct {
	inner *bmtree.Tree[brtypes.InodeId, Record]

	// Logger receives diagnostics for checksum failures. Nil is treated
	// as brufslog.Nop. Set directly after NewTree; it is not a
	// constructor parameter so existing callers are unaffected.
	Logger brufslog.Logger
}

func (t *Tree) log() brufslog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return brufslog.Nop
}

// NewTree wires a fresh or existing inode tree to its storage and
// allocation callbacks. alloc and dealloc supply and release the tree's
// own nodes; brufs.Root passes single clusters drawn through the
// filesystem's outer (FBT-backed) allocation path.
func NewTree(
	io abstio.Adapter,
	clusterSize int,
	root uint64,
	alloc bmtree.Allocator,
	dealloc bmtree.Deallocator,
	onRootChange func(uint64) error,
) *Tree {
	return &Tree{inner: &bmtree.Tree[brtypes.InodeId, Record]{
		IO:           io,
		ClusterSize:  clusterSize,
		Root:         root,
		KeyCodec:     IDCodec,
		ValCodec:     Codec,
		Compare:      Compare,
		Equiv:        Equiv,
		Alloc:        alloc,
		Dealloc:      dealloc,
		OnRootChange: onRootChange,
	}}
}

// Init allocates a fresh empty inode tree.
func (t *Tree) Init() error { return t.inner.Init() }

// Root returns the tree's current root cluster address.
func (t *Tree) Root() uint64 { return t.inner.Root }

// Insert adds a new inode record, failing with status.ErrAlreadyExists if
// id is already present.
func (t *Tree) Insert(id brtypes.InodeId, r Record) error {
	if _, ok, err := t.inner.Search(id); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("inserting inode %x/%x: %w", id.Hi, id.Lo, status.ErrAlreadyExists)
	}
	r.Header.Checksum = recordChecksum(r)
	return t.inner.Insert(id, r)
}

// Find looks up the record stored under id.
func (t *Tree) Find(id brtypes.InodeId) (Record, error) {
	r, ok, err := t.inner.Search(id)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, fmt.Errorf("finding inode %x/%x: %w", id.Hi, id.Lo, status.ErrNotFound)
	}
	if got := recordChecksum(r); got != r.Header.Checksum {
		t.log().Errorf("inode: checksum mismatch for %x/%x: stored=%x computed=%x", id.Hi, id.Lo, r.Header.Checksum, got)
		return Record{}, fmt.Errorf("validating inode %x/%x: %w", id.Hi, id.Lo, status.ErrChecksumMismatch)
	}
	return r, nil
}

// Update overwrites the record stored under id.
func (t *Tree) Update(id brtypes.InodeId, r Record) error {
	r.Header.Checksum = recordChecksum(r)
	return t.inner.Update(id, r)
}

// Remove deletes the record stored under id.
func (t *Tree) Remove(id brtypes.InodeId) error {
	return t.inner.Remove(id, nil)
}

// Walk visits every inode record in ascending id order.
func (t *Tree) Walk(consume func(brtypes.InodeId, Record) (bmtree.Signal, error)) error {
	return t.inner.Walk(consume)
}

// Destroy frees every node in the tree.
func (t *Tree) Destroy() error {
	return t.inner.Destroy(nil)
}
