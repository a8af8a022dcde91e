// Package directory implements Brufs directories: a Bm+tree of
// brtypes.DirectoryEntry values keyed by the seeded hash of their label,
// with a bounded linear scan across same-hash collisions to find the
// entry whose label actually matches.
package directory

import (
	"encoding/binary"
	"fmt"

	"github.com/cmpsb/brufs-sub000/internal/xhash"
	"github.com/cmpsb/brufs-sub000/pkg/abstio"
	"github.com/cmpsb/brufs-sub000/pkg/bmtree"
	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
	"github.com/cmpsb/brufs-sub000/pkg/brufslog"
	"github.com/cmpsb/brufs-sub000/pkg/inode"
	"github.com/cmpsb/brufs-sub000/pkg/status"
)

// loggerSource is implemented by a Host that can supply a logger for the
// tree it backs; a Host that doesn't implement it gets brufslog.Nop.
type loggerSource interface {
	Logger() brufslog.Logger
}

// MaxCollisions bounds how many same-hash entries Look up will scan before
// giving up, matching the reference implementation's defensive limit
// against a pathological hash flood.
const MaxCollisions = 32

// Host is the subset of a root's allocator the directory layer needs for
// its entry tree's own nodes.
type Host interface {
	IO() abstio.Adapter
	ClusterSize() uint64
	AllocateTreeNode() (uint64, error)
	FreeTreeNode(addr uint64) error
}

// HashCodec is the shared bmtree codec for label-hash keys.
var HashCodec = bmtree.Codec[brtypes.Hash]{
	Size: 8,
	Encode: func(v brtypes.Hash, buf []byte) {
		binary.LittleEndian.PutUint64(buf, v)
	},
	Decode: func(buf []byte) brtypes.Hash {
		return binary.LittleEndian.Uint64(buf)
	},
}

// EntryCodec is the shared bmtree codec for DirectoryEntry values.
var EntryCodec = bmtree.Codec[brtypes.DirectoryEntry]{
	Size:   brtypes.DirectoryEntrySize,
	Encode: func(v brtypes.DirectoryEntry, buf []byte) { v.Encode(buf) },
	Decode: brtypes.DecodeDirectoryEntry,
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

func equivEntry(cur, next *brtypes.DirectoryEntry) bool {
	return cur.GetLabel() == next.GetLabel()
}

// InodeStore is the slice of an inode tree the directory layer needs: it
// never manipulates inode records beyond looking them up, persisting its
// own entry-tree root pointer, and removing its own backing inode on
// Destroy. Satisfied by *inode.Tree, and by any root handle that forwards
// to one.
type InodeStore interface {
	Find(id brtypes.InodeId) (inode.Record, error)
	Update(id brtypes.InodeId, rec inode.Record) error
	Remove(id brtypes.InodeId) error
}

// Directory is a handle to one open directory inode's entry tree.
type Directory struct {
	host   Host
	id     brtypes.InodeId
	inodes InodeStore
	record inode.Record
	tree   *bmtree.Tree[brtypes.Hash, brtypes.DirectoryEntry]
}

// Open loads the inode record for id and attaches its entry tree.
func Open(host Host, inodes InodeStore, id brtypes.InodeId) (*Directory, error) {
	rec, err := inodes.Find(id)
	if err != nil {
		return nil, err
	}
	if rec.Header.Type != brtypes.InodeTypeDirectory {
		return nil, fmt.Errorf("opening directory %x/%x: %w", id.Hi, id.Lo, status.ErrNotDirectory)
	}
	d := &Directory{host: host, id: id, inodes: inodes, record: rec}
	d.attach(binary.LittleEndian.Uint64(rec.Private[0:8]))
	return d, nil
}

// Init allocates a fresh, empty entry tree for a newly created directory
// inode and persists the pointer into its record.
func Init(host Host, inodes InodeStore, id brtypes.InodeId, rec inode.Record) (*Directory, error) {
	d := &Directory{host: host, id: id, inodes: inodes, record: rec}
	addr, err := host.AllocateTreeNode()
	if err != nil {
		return nil, fmt.Errorf("allocating directory entry tree: %w", err)
	}
	d.attach(addr)
	if err := d.tree.Init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) attach(root uint64) {
	d.tree = &bmtree.Tree[brtypes.Hash, brtypes.DirectoryEntry]{
		IO:          d.host.IO(),
		ClusterSize: int(d.host.ClusterSize()),
		Root:        root,
		KeyCodec:    HashCodec,
		ValCodec:    EntryCodec,
		Compare:     compareHash,
		Equiv:       equivEntry,
		Alloc:       func(uint64) (uint64, error) { return d.host.AllocateTreeNode() },
		Dealloc:     func(addr, _ uint64) error { return d.host.FreeTreeNode(addr) },
		OnRootChange: func(newRoot uint64) error {
			binary.LittleEndian.PutUint64(d.record.Private[0:8], newRoot)
			return d.inodes.Update(d.id, d.record)
		},
	}
	if ls, ok := d.host.(loggerSource); ok {
		d.tree.Logger = ls.Logger()
	}
}

// LookUp returns the entry labeled name, scanning at most MaxCollisions
// same-hash candidates before giving up.
func (d *Directory) LookUp(name string) (brtypes.DirectoryEntry, error) {
	h := xhash.Sum64String(name)
	candidates, err := d.tree.SearchAll(h)
	if err != nil {
		return brtypes.DirectoryEntry{}, err
	}
	scanned := 0
	for _, c := range candidates {
		if scanned >= MaxCollisions {
			break
		}
		scanned++
		if c.GetLabel() == name {
			return c, nil
		}
	}
	return brtypes.DirectoryEntry{}, fmt.Errorf("looking up %q: %w", name, status.ErrNotFound)
}

// Insert adds a new entry, failing with status.ErrAlreadyExists if name is
// already present.
func (d *Directory) Insert(name string, id brtypes.InodeId) error {
	if _, err := d.LookUp(name); err == nil {
		return fmt.Errorf("inserting %q: %w", name, status.ErrAlreadyExists)
	}
	entry := brtypes.NewDirectoryEntry(name, id)
	h := xhash.Sum64String(name)
	return d.tree.Insert(h, entry)
}

// Update repoints an existing entry at a new inode id.
func (d *Directory) Update(name string, id brtypes.InodeId) error {
	existing, err := d.LookUp(name)
	if err != nil {
		return err
	}
	existing.InodeId = id
	h := xhash.Sum64String(name)
	return d.tree.Update(h, existing)
}

// Remove deletes the entry labeled name.
func (d *Directory) Remove(name string) error {
	h := xhash.Sum64String(name)
	return d.tree.Remove(h, func(e brtypes.DirectoryEntry) bool { return e.GetLabel() == name })
}

// Count returns the number of entries in the directory.
func (d *Directory) Count() (int, error) {
	n := 0
	err := d.tree.Walk(func(brtypes.Hash, brtypes.DirectoryEntry) (bmtree.Signal, error) {
		n++
		return bmtree.SignalOK, nil
	})
	return n, err
}

// Collect returns every entry in the directory.
func (d *Directory) Collect() ([]brtypes.DirectoryEntry, error) {
	var out []brtypes.DirectoryEntry
	err := d.tree.Walk(func(_ brtypes.Hash, e brtypes.DirectoryEntry) (bmtree.Signal, error) {
		out = append(out, e)
		return bmtree.SignalOK, nil
	})
	return out, err
}

// Destroy removes every entry's backing and frees the entry tree itself.
// It does not recursively destroy the inodes the entries point at -
// callers are responsible for that, exactly as the reference
// implementation leaves cascading deletion to its caller.
func (d *Directory) Destroy() error {
	if err := d.tree.Destroy(nil); err != nil {
		return err
	}
	return d.inodes.Remove(d.id)
}
