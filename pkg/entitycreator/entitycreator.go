// Package entitycreator provides the create-file/create-directory helpers
// every higher-level collaborator (a CLI, a FUSE bridge - both out of
// scope here) builds entities through: open the parent directory, merge
// caller-supplied header fields over parent-derived defaults, generate an
// id, and link the new inode into its parent.
package entitycreator

import (
	"fmt"
	"time"

	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
	"github.com/cmpsb/brufs-sub000/pkg/directory"
	"github.com/cmpsb/brufs-sub000/pkg/file"
	"github.com/cmpsb/brufs-sub000/pkg/idgen"
	"github.com/cmpsb/brufs-sub000/pkg/inode"
)

// HeaderOverrides carries the subset of InodeHeader fields a caller may
// pin explicitly. Unset Owner, Group and Mode are inherited from the parent
// directory's inode; unset NumLinks defaults to 1 (2 for directories) and
// unset Flags to zero, mirroring InodeHeaderBuilder's merge-over-defaults
// behaviour.
type HeaderOverrides struct {
	Owner    *brtypes.OwnerId
	Group    *brtypes.OwnerId
	Mode     *uint16
	Flags    *uint16
	NumLinks *uint16
}

func (o HeaderOverrides) merge(defaults brtypes.InodeHeader) brtypes.InodeHeader {
	h := defaults
	if o.Owner != nil {
		h.Owner = *o.Owner
	}
	if o.Group != nil {
		h.Group = *o.Group
	}
	if o.Mode != nil {
		h.Mode = *o.Mode
	}
	if o.Flags != nil {
		h.Flags = *o.Flags
	}
	if o.NumLinks != nil {
		h.NumLinks = *o.NumLinks
	}
	return h
}

// Host is what EntityCreator needs from a root: inode and directory
// operations plus file.Host/directory.Host for opening the new entity.
type Host interface {
	FindInode(id brtypes.InodeId) (inode.Record, error)
	InsertInode(id brtypes.InodeId, rec inode.Record) error
	RemoveInode(id brtypes.InodeId) error
	OpenDirectory(id brtypes.InodeId) (*directory.Directory, error)
	OpenFile(id brtypes.InodeId) (*file.File, error)
	// Inodes exposes the root's main inode stream so a freshly created
	// directory's entry tree can persist its own root pointer back into
	// its inode record.
	Inodes() directory.InodeStore

	directory.Host
	file.Host
}

// Creator builds new inodes, files and directories under a root.
type Creator struct {
	Root Host
	IDs  idgen.Generator
}

// New wires a Creator to a root and its id generator.
func New(root Host, ids idgen.Generator) *Creator {
	return &Creator{Root: root, IDs: ids}
}

func (c *Creator) parentDefaults(parentID brtypes.InodeId) (brtypes.InodeHeader, error) {
	parent, err := c.Root.FindInode(parentID)
	if err != nil {
		return brtypes.InodeHeader{}, fmt.Errorf("reading parent inode: %w", err)
	}
	now := brtypes.Timestamp{Seconds: uint64(time.Now().Unix())}
	return brtypes.InodeHeader{
		Created:      now,
		LastModified: now,
		Owner:        parent.Header.Owner,
		Group:        parent.Header.Group,
		NumLinks:     1,
		Mode:         parent.Header.Mode,
	}, nil
}

// CreateInode builds a bare inode of the given type under parentID, linked
// into the parent directory under name, without interpreting file- or
// directory-specific private data.
func (c *Creator) CreateInode(parentID brtypes.InodeId, name string, inodeType uint16, overrides HeaderOverrides) (brtypes.InodeId, error) {
	defaults, err := c.parentDefaults(parentID)
	if err != nil {
		return brtypes.InodeId{}, err
	}
	if inodeType == brtypes.InodeTypeFile {
		defaults.Mode &^= 0o111
	}
	header := overrides.merge(defaults)
	header.Type = inodeType

	id, err := c.IDs.Generate()
	if err != nil {
		return brtypes.InodeId{}, fmt.Errorf("generating inode id: %w", err)
	}

	if err := c.Root.InsertInode(id, inode.Record{Header: header}); err != nil {
		return brtypes.InodeId{}, err
	}

	parentDir, err := c.Root.OpenDirectory(parentID)
	if err != nil {
		_ = c.Root.RemoveInode(id)
		return brtypes.InodeId{}, err
	}
	if err := parentDir.Insert(name, id); err != nil {
		_ = c.Root.RemoveInode(id)
		return brtypes.InodeId{}, err
	}

	return id, nil
}

// CreateFile creates and opens a new empty regular file named name inside
// the directory at parentID.
func (c *Creator) CreateFile(parentID brtypes.InodeId, name string, overrides HeaderOverrides) (*file.File, error) {
	id, err := c.CreateInode(parentID, name, brtypes.InodeTypeFile, overrides)
	if err != nil {
		return nil, err
	}
	return c.Root.OpenFile(id)
}

// CreateDirectory creates and opens a new empty directory named name
// inside the directory at parentID, complete with "." and ".." entries.
func (c *Creator) CreateDirectory(parentID brtypes.InodeId, name string, overrides HeaderOverrides) (*directory.Directory, error) {
	defaults, err := c.parentDefaults(parentID)
	if err != nil {
		return nil, err
	}
	header := overrides.merge(defaults)
	header.Type = brtypes.InodeTypeDirectory
	header.NumLinks = 2

	id, err := c.IDs.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating inode id: %w", err)
	}

	rec := inode.Record{Header: header}
	if err := c.Root.InsertInode(id, rec); err != nil {
		return nil, err
	}

	parentDir, err := c.Root.OpenDirectory(parentID)
	if err != nil {
		_ = c.Root.RemoveInode(id)
		return nil, err
	}
	if err := parentDir.Insert(name, id); err != nil {
		_ = c.Root.RemoveInode(id)
		return nil, err
	}

	dir, err := directory.Init(c.Root, c.Root.Inodes(), id, rec)
	if err != nil {
		_ = parentDir.Remove(name)
		_ = c.Root.RemoveInode(id)
		return nil, err
	}
	if err := dir.Insert(".", id); err != nil {
		_ = parentDir.Remove(name)
		_ = c.Root.RemoveInode(id)
		return nil, err
	}
	if err := dir.Insert("..", parentID); err != nil {
		_ = parentDir.Remove(name)
		_ = c.Root.RemoveInode(id)
		return nil, err
	}

	return dir, nil
}
