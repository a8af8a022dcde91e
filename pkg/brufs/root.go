package brufs

import (
	"fmt"
	"time"

	"github.com/cmpsb/brufs-sub000/pkg/abstio"
	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
	"github.com/cmpsb/brufs-sub000/pkg/brufslog"
	"github.com/cmpsb/brufs-sub000/pkg/directory"
	"github.com/cmpsb/brufs-sub000/pkg/file"
	"github.com/cmpsb/brufs-sub000/pkg/inode"
)

// Root is a handle to one named root's inode trees: the main stream (IT)
// holding regular inodes, and the alternate stream (AIT) reserved for
// extended-attribute-style inodes keyed by the same id space.
type Root struct {
	fs         *Filesystem
	Descriptor brtypes.RootDescriptor
	IT         *inode.Tree
	AIT        *inode.Tree
}

// IO satisfies file.Host / directory.Host by forwarding to the owning
// filesystem's backing adapter.
func (r *Root) IO() abstio.Adapter { return r.fs.io }

// ClusterSize satisfies file.Host / directory.Host.
func (r *Root) ClusterSize() uint64 { return r.fs.ClusterSize() }

// Logger exposes the owning filesystem's logger to file.Host / directory.Host
// consumers that look for it via an optional interface, so a file's or
// directory's own entry tree logs splits through the same logger the
// filesystem was opened with.
func (r *Root) Logger() brufslog.Logger { return r.fs.Logger }

// AllocateData draws a length-byte extent through the filesystem's outer
// (FBT-backed) allocation path, for file data extents. length must be 512
// or a multiple of the cluster size.
func (r *Root) AllocateData(length uint64) (uint64, error) {
	return r.fs.Alloc.AllocateBlocks(length)
}

// FreeData returns the length-byte extent starting at addr through the
// outer path.
func (r *Root) FreeData(addr, length uint64) error {
	return r.fs.Alloc.FreeBlocks(addr, length)
}

// AllocateTreeNode draws a single cluster for a tree's own nodes through
// the outer (FBT-backed) allocation path, which also keeps the spare
// reservoir topped up for the FBT and the root hash table.
func (r *Root) AllocateTreeNode() (uint64, error) {
	return r.fs.Alloc.AllocateBlocks(r.fs.ClusterSize())
}

// FreeTreeNode returns a single cluster through the outer path; FreeBlocks
// folds it into the spare reservoir while that is below its high watermark
// and otherwise returns it to the FBT.
func (r *Root) FreeTreeNode(addr uint64) error {
	return r.fs.Alloc.FreeBlocks(addr, r.fs.ClusterSize())
}

func (r *Root) attach() {
	r.IT = inode.NewTree(
		r.fs.io, int(r.fs.ClusterSize()), r.Descriptor.IntAddress,
		func(uint64) (uint64, error) { return r.AllocateTreeNode() },
		func(addr, _ uint64) error { return r.FreeTreeNode(addr) },
		func(newRoot uint64) error {
			r.Descriptor.IntAddress = newRoot
			return r.fs.UpdateRoot(r)
		},
	)
	r.IT.Logger = r.fs.Logger
	r.AIT = inode.NewTree(
		r.fs.io, int(r.fs.ClusterSize()), r.Descriptor.AitAddress,
		func(uint64) (uint64, error) { return r.AllocateTreeNode() },
		func(addr, _ uint64) error { return r.FreeTreeNode(addr) },
		func(newRoot uint64) error {
			r.Descriptor.AitAddress = newRoot
			return r.fs.UpdateRoot(r)
		},
	)
	r.AIT.Logger = r.fs.Logger
}

// init formats a brand-new root: its inode trees and its root directory
// inode, complete with "." and ".." entries.
func (r *Root) init() error {
	r.attach()
	if err := r.IT.Init(); err != nil {
		return fmt.Errorf("initializing root inode tree: %w", err)
	}
	if err := r.AIT.Init(); err != nil {
		return fmt.Errorf("initializing root alternate inode tree: %w", err)
	}

	now := brtypes.Timestamp{Seconds: uint64(time.Now().Unix())}
	rec := inode.Record{Header: brtypes.InodeHeader{
		Created:      now,
		LastModified: now,
		NumLinks:     2,
		Type:         brtypes.InodeTypeDirectory,
		Mode:         0o755,
	}}

	if err := r.IT.Insert(brtypes.RootDirectoryInodeId, rec); err != nil {
		return fmt.Errorf("creating root directory inode: %w", err)
	}

	dir, err := directory.Init(r, r.IT, brtypes.RootDirectoryInodeId, rec)
	if err != nil {
		return fmt.Errorf("creating root directory entry table: %w", err)
	}
	if err := dir.Insert(".", brtypes.RootDirectoryInodeId); err != nil {
		return err
	}
	if err := dir.Insert("..", brtypes.RootDirectoryInodeId); err != nil {
		return err
	}

	return nil
}

// Inodes exposes the root's main inode stream as a directory.InodeStore,
// for collaborators (entitycreator, chiefly) that build directory entry
// trees directly rather than through OpenDirectory.
func (r *Root) Inodes() directory.InodeStore { return r.IT }

// InsertInode adds a brand-new inode record under id to the main stream.
func (r *Root) InsertInode(id brtypes.InodeId, rec inode.Record) error {
	return r.IT.Insert(id, rec)
}

// FindInode looks up the inode record stored under id in the main stream.
func (r *Root) FindInode(id brtypes.InodeId) (inode.Record, error) {
	return r.IT.Find(id)
}

// UpdateInode overwrites the inode record stored under id in the main
// stream.
func (r *Root) UpdateInode(id brtypes.InodeId, rec inode.Record) error {
	return r.IT.Update(id, rec)
}

// RemoveInode deletes the inode record stored under id from the main
// stream.
func (r *Root) RemoveInode(id brtypes.InodeId) error {
	return r.IT.Remove(id)
}

// OpenFile opens the regular-file inode id as a *file.File.
func (r *Root) OpenFile(id brtypes.InodeId) (*file.File, error) {
	return file.Open(r, r.IT, id)
}

// OpenDirectory opens the directory inode id as a *directory.Directory.
func (r *Root) OpenDirectory(id brtypes.InodeId) (*directory.Directory, error) {
	return directory.Open(r, r.IT, id)
}

// OpenInodeByPath resolves segments one directory entry at a time,
// starting from the root directory, and returns the matched inode's id and
// record; empty segments are skipped. It is a small path-resolution helper built on top of OpenDirectory and
// directory.LookUp rather than a full path-string parser, which remains
// an external concern.
func (r *Root) OpenInodeByPath(segments []string) (brtypes.InodeId, inode.Record, error) {
	id := brtypes.RootDirectoryInodeId
	rec, err := r.FindInode(id)
	if err != nil {
		return brtypes.InodeId{}, inode.Record{}, err
	}

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		dir, err := r.OpenDirectory(id)
		if err != nil {
			return brtypes.InodeId{}, inode.Record{}, err
		}
		entry, err := dir.LookUp(seg)
		if err != nil {
			return brtypes.InodeId{}, inode.Record{}, err
		}
		id = entry.InodeId
		rec, err = r.FindInode(id)
		if err != nil {
			return brtypes.InodeId{}, inode.Record{}, err
		}
	}

	return id, rec, nil
}
