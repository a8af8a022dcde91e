// Package file implements Brufs regular files: small files are stored
// inline in their inode's private tail, larger files are backed by an
// inode-extent-tree (IET) of brtypes.DataExtent values keyed by the local
// file offset each extent begins at, with holes between extents reading
// back as zeroes.
package file

import (
	"encoding/binary"
	"fmt"

	"github.com/cmpsb/brufs-sub000/pkg/abstio"
	"github.com/cmpsb/brufs-sub000/pkg/bmtree"
	"github.com/cmpsb/brufs-sub000/pkg/brtypes"
	"github.com/cmpsb/brufs-sub000/pkg/brufslog"
	"github.com/cmpsb/brufs-sub000/pkg/inode"
	"github.com/cmpsb/brufs-sub000/pkg/status"
)

// loggerSource is implemented by a Host that can supply a logger for the
// trees it backs; a Host that doesn't implement it gets brufslog.Nop.
type loggerSource interface {
	Logger() brufslog.Logger
}

// Host is the subset of a root's allocator the file layer needs:
// AllocateData/FreeData for file data, AllocateTreeNode/FreeTreeNode for
// the IET's own nodes.
// AllocateData/FreeData lengths are byte counts, not cluster counts.
type Host interface {
	IO() abstio.Adapter
	ClusterSize() uint64
	AllocateData(length uint64) (uint64, error)
	FreeData(addr, length uint64) error
	AllocateTreeNode() (uint64, error)
	FreeTreeNode(addr uint64) error
}

// InlineCapacity is how many bytes of a small file live directly in the
// inode's private tail instead of a data extent.
const InlineCapacity = inode.PrivateSize - 8 // first 8 bytes reserve the IET root pointer once the file grows

// OffsetCodec is the shared bmtree codec for byte-offset keys.
var OffsetCodec = bmtree.Codec[brtypes.Offset]{
	Size: 8,
	Encode: func(v brtypes.Offset, buf []byte) {
		binary.LittleEndian.PutUint64(buf, v)
	},
	Decode: func(buf []byte) brtypes.Offset {
		return binary.LittleEndian.Uint64(buf)
	},
}

// DataExtentCodec is the shared bmtree codec for DataExtent values.
var DataExtentCodec = bmtree.Codec[brtypes.DataExtent]{
	Size:   brtypes.DataExtentSize,
	Encode: func(v brtypes.DataExtent, buf []byte) { v.Encode(buf) },
	Decode: brtypes.DecodeDataExtent,
}

func compareOffset(a, b brtypes.Offset) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func equivDataExtent(cur, next *brtypes.DataExtent) bool {
	return cur.LocalStart == next.LocalStart
}

// File is a handle to one open regular-file inode.
type File struct {
	host   Host
	id     brtypes.InodeId
	inodes *inode.Tree
	record inode.Record
	iet    *bmtree.Tree[brtypes.Offset, brtypes.DataExtent]
}

// Open loads the inode record for id and returns a File handle over it.
func Open(host Host, inodes *inode.Tree, id brtypes.InodeId) (*File, error) {
	rec, err := inodes.Find(id)
	if err != nil {
		return nil, err
	}
	if rec.Header.Type != brtypes.InodeTypeFile {
		return nil, fmt.Errorf("opening file %x/%x: %w", id.Hi, id.Lo, status.ErrWrongInodeType)
	}
	f := &File{host: host, id: id, inodes: inodes, record: rec}
	if f.isBig() {
		f.attachIET(f.ietRoot())
	}
	return f, nil
}

func (f *File) isBig() bool {
	return f.record.Header.FileSize > InlineCapacity
}

func (f *File) ietRoot() uint64 {
	return binary.LittleEndian.Uint64(f.record.Private[0:8])
}

func (f *File) setIETRoot(addr uint64) {
	binary.LittleEndian.PutUint64(f.record.Private[0:8], addr)
}

func (f *File) attachIET(root uint64) {
	f.iet = &bmtree.Tree[brtypes.Offset, brtypes.DataExtent]{
		IO:          f.host.IO(),
		ClusterSize: int(f.host.ClusterSize()),
		Root:        root,
		KeyCodec:    OffsetCodec,
		ValCodec:    DataExtentCodec,
		Compare:     compareOffset,
		Equiv:       equivDataExtent,
		Alloc:       func(n uint64) (uint64, error) { return f.host.AllocateTreeNode() },
		Dealloc:     func(addr, n uint64) error { return f.host.FreeTreeNode(addr) },
		OnRootChange: func(newRoot uint64) error {
			f.setIETRoot(newRoot)
			return f.persist()
		},
	}
	if ls, ok := f.host.(loggerSource); ok {
		f.iet.Logger = ls.Logger()
	}
}

func (f *File) persist() error {
	return f.inodes.Update(f.id, f.record)
}

// Size returns the file's logical byte length.
func (f *File) Size() uint64 { return f.record.Header.FileSize }

// GetDataSize mirrors the reference implementation's accessor name for the
// logical (post-header) data size of the inode.
func (f *File) GetDataSize() uint64 { return f.Size() }

// Read fills p with the file's bytes starting at offset, zero-filling any
// sparse holes, and returns the number of bytes read (short of len(p) only
// at end of file).
func (f *File) Read(offset uint64, p []byte) (int, error) {
	size := f.Size()
	if offset >= size {
		return 0, nil
	}
	if offset+uint64(len(p)) > size {
		p = p[:size-offset]
	}

	if !f.isBig() {
		copy(p, f.record.Private[8+offset:8+offset+uint64(len(p))])
		return len(p), nil
	}

	for i := range p {
		p[i] = 0
	}

	remaining := len(p)
	cur := offset
	for remaining > 0 {
		de, ok, err := f.findExtentContaining(cur)
		if err != nil {
			return 0, err
		}
		if !ok {
			// inside a hole; advance to the next extent or EOF
			next, found, err := f.nextExtentAfter(cur)
			if err != nil {
				return 0, err
			}
			if !found {
				break
			}
			cur = next.LocalStart
			continue
		}

		avail := de.GetLocalEnd() - cur
		want := uint64(remaining)
		if avail < want {
			want = avail
		}

		blockOffset := de.Offset*f.host.ClusterSize() + de.RelativizeLocal(cur)
		dst := p[cur-offset : cur-offset+want]
		if err := abstio.ReadFull(f.host.IO(), dst, int64(blockOffset)); err != nil {
			return 0, err
		}

		cur += want
		remaining -= int(want)
	}

	return len(p), nil
}

// Write stores p at offset, growing the file (and promoting it from
// inline to extent-backed storage) as needed. When offset falls inside an
// already-allocated extent the write lands in place, bounded by that
// extent's end, exactly like the reference implementation's write(); it
// never allocates a fresh extent over a range already covered by one, so a
// write that starts in a hole stops where the next extent begins. Either
// way the returned count can be less than len(p).
func (f *File) Write(offset uint64, p []byte) (int, error) {
	end := offset + uint64(len(p))
	if end > f.Size() {
		if err := f.Truncate(end); err != nil {
			return 0, err
		}
	}

	if !f.isBig() {
		copy(f.record.Private[8+offset:8+offset+uint64(len(p))], p)
		return len(p), f.persist()
	}

	if len(p) == 0 {
		return 0, nil
	}

	clusterSize := f.host.ClusterSize()

	if de, ok, err := f.findExtentContaining(offset); err != nil {
		return 0, err
	} else if ok {
		trueEnd := end
		if extEnd := de.GetLocalEnd(); trueEnd > extEnd {
			trueEnd = extEnd
		}
		length := trueEnd - offset

		blockOffset := de.Offset*clusterSize + de.RelativizeLocal(offset)
		if err := abstio.WriteFull(f.host.IO(), p[:length], int64(blockOffset)); err != nil {
			return 0, err
		}
		return int(length), nil
	}

	// A write that starts in a hole stops where the next extent begins.
	if next, found, err := f.nextExtentAfter(offset); err != nil {
		return 0, err
	} else if found && next.LocalStart < end {
		p = p[:next.LocalStart-offset]
	}

	numClusters := (uint64(len(p)) + clusterSize - 1) / clusterSize
	addr, err := f.host.AllocateData(numClusters * clusterSize)
	if err != nil {
		return 0, err
	}

	blockOffset := addr * clusterSize
	if err := abstio.WriteFull(f.host.IO(), p, int64(blockOffset)); err != nil {
		_ = f.host.FreeData(addr, numClusters*clusterSize)
		return 0, err
	}

	de := brtypes.NewDataExtent(brtypes.Extent{Offset: addr, Length: numClusters}, offset)
	de.Length = uint64(len(p))
	if err := f.iet.Insert(offset, de); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Truncate resizes the file to newSize, transitioning between inline and
// extent-backed storage when newSize crosses InlineCapacity.
func (f *File) Truncate(newSize uint64) error {
	wasBig := f.isBig()
	willBeBig := newSize > InlineCapacity

	switch {
	case !wasBig && !willBeBig:
		if newSize < f.Size() {
			for i := newSize; i < f.Size(); i++ {
				f.record.Private[8+i] = 0
			}
		}
	case wasBig && willBeBig:
		// size header change only; extents beyond newSize are left in
		// place for a subsequent write to reclaim, matching the
		// reference implementation's lazy truncate-down behaviour for
		// big-to-big resizes.
	case !wasBig && willBeBig:
		var tail [InlineCapacity]byte
		copy(tail[:], f.record.Private[8:8+InlineCapacity])

		addr, err := f.host.AllocateTreeNode()
		if err != nil {
			return fmt.Errorf("growing file to extent-backed storage: %w", err)
		}
		f.attachIET(addr)
		if err := f.iet.Init(); err != nil {
			return err
		}

		if n := f.Size(); n > 0 {
			// Raising FileSize first sends the Write below down the
			// extent path instead of back into the inline tail.
			f.record.Header.FileSize = newSize
			if _, err := f.Write(0, tail[:n]); err != nil {
				return err
			}
		}
	case wasBig && !willBeBig:
		var tail [InlineCapacity]byte
		if newSize > 0 {
			if _, err := f.Read(0, tail[:newSize]); err != nil {
				return err
			}
		}
		if err := f.iet.Destroy(func(brtypes.Offset, brtypes.DataExtent) (bmtree.Signal, error) {
			return bmtree.SignalOK, nil
		}); err != nil {
			return err
		}
		f.iet = nil
		for i := range f.record.Private {
			f.record.Private[i] = 0
		}
		copy(f.record.Private[8:], tail[:newSize])
	}

	f.record.Header.FileSize = newSize
	return f.persist()
}

// Destroy truncates the file to zero and releases its inode record.
func (f *File) Destroy() error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	return f.inodes.Remove(f.id)
}

func (f *File) findExtentContaining(offset uint64) (brtypes.DataExtent, bool, error) {
	all, err := f.iet.SearchAll(offset)
	if err == nil && len(all) > 0 {
		for _, de := range all {
			if de.ContainsLocal(offset) {
				return de, true, nil
			}
		}
	}
	// offset may fall inside an extent keyed by a smaller LocalStart;
	// walk forward from the start of the tree as a fallback.
	var found brtypes.DataExtent
	ok := false
	walkErr := f.iet.Walk(func(_ brtypes.Offset, de brtypes.DataExtent) (bmtree.Signal, error) {
		if de.ContainsLocal(offset) {
			found, ok = de, true
			return bmtree.SignalStop, nil
		}
		return bmtree.SignalOK, nil
	})
	if walkErr != nil {
		return brtypes.DataExtent{}, false, walkErr
	}
	return found, ok, nil
}

func (f *File) nextExtentAfter(offset uint64) (brtypes.DataExtent, bool, error) {
	var found brtypes.DataExtent
	ok := false
	err := f.iet.Walk(func(_ brtypes.Offset, de brtypes.DataExtent) (bmtree.Signal, error) {
		if de.LocalStart > offset && (!ok || de.LocalStart < found.LocalStart) {
			found, ok = de, true
		}
		return bmtree.SignalOK, nil
	})
	return found, ok, err
}
