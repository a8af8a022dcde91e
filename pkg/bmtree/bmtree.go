// Package bmtree implements the generalized on-disk B+tree every Brufs
// index (free-block table, root hash table, inode trees, file extent
// trees, directory entry trees) is built on. The original implementation
// specialized a C++ template per key/value pair; Go has no equivalent
// mechanism for laying arbitrary types into a byte buffer, so callers
// instead supply explicit Codec values (size + encode + decode) together
// with a comparator and an equivalence predicate - the same substitution
// the redesign notes call for in place of template specialization.
//
// A node occupies one cluster: an 8-byte header ("B+" magic, level, header
// size, value count), a structure-of-arrays keys array immediately after
// the header, a values array (leaf values, or child addresses for internal
// nodes) at the next 8-byte-aligned offset after the keys, and a trailing
// 8-byte Prev pointer in the cluster's last 8 bytes. Leaves are chained
// through Prev toward smaller keys, so walking Prev repeatedly from the
// highest leaf visits every record in decreasing-key order; SearchAll and
// Update use that chain to reach every value stored under a colliding key
// even when a split has pushed part of a run of duplicates into a
// neighboring leaf.
package bmtree

import (
	"encoding/binary"
	"fmt"

	"github.com/cmpsb/brufs-sub000/pkg/abstio"
	"github.com/cmpsb/brufs-sub000/pkg/brufslog"
	"github.com/cmpsb/brufs-sub000/pkg/status"
)

// Codec describes how to turn a value of type T into bytes and back. Size
// must be constant: every record in a tree occupies the same width.
type Codec[T any] struct {
	Size   int
	Encode func(v T, buf []byte)
	Decode func(buf []byte) T
}

// Allocator reserves length contiguous blocks for the tree's exclusive use
// and returns their starting address. Deallocator returns them.
type Allocator func(length uint64) (uint64, error)
type Deallocator func(addr uint64, length uint64) error

// Signal re-exports status.Signal so callers writing Walk/Destroy
// consumers do not need to import the status package just for this type.
type Signal = status.Signal

const (
	SignalOK    = status.SignalOK
	SignalRetry = status.SignalRetry
	SignalStop  = status.SignalStop
)

const nodeMagic = "B+"

// nodeHeaderSize is the on-disk header width: 2-byte magic, 1-byte level,
// 1-byte header size, 4-byte value count.
const nodeHeaderSize = 8

// addressSize is the width of a child address or the trailing Prev
// pointer, and of a leaf's stored value when V itself is an Address.
const addressSize = 8

// Tree is a generic Bm+tree over key type K and value type V.
type Tree[K any, V any] struct {
	IO          abstio.Adapter
	ClusterSize int
	Root        uint64

	KeyCodec Codec[K]
	ValCodec Codec[V]

	// Compare orders two keys, returning <0, 0 or >0.
	Compare func(a, b K) int
	// Equiv decides whether an Update call's new value replaces cur in
	// place (true) or is appended as a colliding duplicate (false).
	Equiv func(cur *V, next *V) bool

	Alloc   Allocator
	Dealloc Deallocator

	// OnRootChange is invoked whenever a split or merge changes the
	// tree's root address, so the owner (superblock, root descriptor,
	// inode record) can persist the new pointer.
	OnRootChange func(newRoot uint64) error

	// Logger receives diagnostics for node splits. Nil is treated as
	// brufslog.Nop.
	Logger brufslog.Logger
}

func (t *Tree[K, V]) log() brufslog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return brufslog.Nop
}

// node is the in-memory form of one cluster. Leaves carry keys and values
// in parallel slices; internal nodes carry keys and children, with
// len(children) == len(keys)+1 (children[i] is reached for keys less than
// keys[i], children[len(children)-1] for keys at or above the highest
// key).
type node[K any, V any] struct {
	addr  uint64
	level uint8 // 0 = leaf
	prev  uint64

	keys     []K
	values   []V      // leaf only
	children []uint64 // internal only
}

func (n *node[K, V]) leaf() bool { return n.level == 0 }

func (n *node[K, V]) numValues() int {
	if n.leaf() {
		return len(n.values)
	}
	return len(n.children)
}

func (t *Tree[K, V]) checkCodecs() {
	if t.KeyCodec.Size <= 0 || t.ValCodec.Size <= 0 {
		panic("bmtree: codecs must report a nonzero fixed size")
	}
}

// leafCap is the maximum number of key/value pairs a leaf's keys and
// values arrays can hold before the trailing Prev pointer would be
// clobbered.
func (t *Tree[K, V]) leafCap() int {
	t.checkCodecs()
	return (t.ClusterSize - nodeHeaderSize - addressSize) / (t.KeyCodec.Size + t.ValCodec.Size)
}

// internalCap is the maximum number of children an internal node's
// children array can hold; it carries one fewer key than children.
func (t *Tree[K, V]) internalCap() int {
	t.checkCodecs()
	return (t.ClusterSize - nodeHeaderSize - addressSize) / (t.KeyCodec.Size + addressSize)
}

func (t *Tree[K, V]) valuesOffset(cap int) int {
	return nodeHeaderSize + cap*t.KeyCodec.Size
}

// Init allocates a fresh, empty root leaf for the tree and persists it.
func (t *Tree[K, V]) Init() error {
	addr, err := t.Alloc(1)
	if err != nil {
		return fmt.Errorf("allocating initial tree root: %w", err)
	}
	n := &node[K, V]{addr: addr, level: 0}
	if err := t.store(n); err != nil {
		return err
	}
	t.Root = addr
	if t.OnRootChange != nil {
		if err := t.OnRootChange(addr); err != nil {
			return err
		}
	}
	return nil
}

// InitAt writes a fresh, empty leaf at a caller-chosen address instead of
// drawing one from Alloc, and sets it as the tree's root. It exists for
// the handful of trees (the free-block tree itself, chiefly) that must be
// bootstrapped at a fixed cluster before any allocator is available to
// place them - mirroring how the reference implementation's init()
// carves the FBT and RHT out of fixed offsets during format.
func (t *Tree[K, V]) InitAt(addr uint64) error {
	n := &node[K, V]{addr: addr, level: 0}
	if err := t.store(n); err != nil {
		return err
	}
	t.Root = addr
	if t.OnRootChange != nil {
		return t.OnRootChange(addr)
	}
	return nil
}

func (t *Tree[K, V]) load(addr uint64) (*node[K, V], error) {
	t.checkCodecs()
	buf := make([]byte, t.ClusterSize)
	if err := abstio.ReadFull(t.IO, buf, int64(addr)*int64(t.ClusterSize)); err != nil {
		return nil, fmt.Errorf("loading tree node at %d: %w", addr, err)
	}
	if string(buf[0:2]) != nodeMagic {
		return nil, fmt.Errorf("loading tree node at %d: %w", addr, status.ErrBadMagic)
	}

	level := buf[2]
	hdrSize := int(buf[3])
	if hdrSize%8 != 0 {
		return nil, fmt.Errorf("loading tree node at %d: %w", addr, status.ErrMisaligned)
	}
	numValues := int(binary.LittleEndian.Uint32(buf[4:8]))
	prev := binary.LittleEndian.Uint64(buf[t.ClusterSize-addressSize:])

	n := &node[K, V]{addr: addr, level: level, prev: prev}
	keysOff := hdrSize

	if n.leaf() {
		valsOff := t.valuesOffset(t.leafCap())
		n.keys = make([]K, numValues)
		n.values = make([]V, numValues)
		for i := 0; i < numValues; i++ {
			ko := keysOff + i*t.KeyCodec.Size
			n.keys[i] = t.KeyCodec.Decode(buf[ko : ko+t.KeyCodec.Size])
			vo := valsOff + i*t.ValCodec.Size
			n.values[i] = t.ValCodec.Decode(buf[vo : vo+t.ValCodec.Size])
		}
	} else {
		valsOff := t.valuesOffset(t.internalCap())
		numKeys := numValues - 1
		n.keys = make([]K, numKeys)
		n.children = make([]uint64, numValues)
		for i := 0; i < numKeys; i++ {
			ko := keysOff + i*t.KeyCodec.Size
			n.keys[i] = t.KeyCodec.Decode(buf[ko : ko+t.KeyCodec.Size])
		}
		for i := 0; i < numValues; i++ {
			vo := valsOff + i*addressSize
			n.children[i] = binary.LittleEndian.Uint64(buf[vo : vo+addressSize])
		}
	}

	return n, nil
}

func (t *Tree[K, V]) store(n *node[K, V]) error {
	t.checkCodecs()
	buf := make([]byte, t.ClusterSize)
	copy(buf[0:2], nodeMagic)
	buf[2] = n.level
	buf[3] = nodeHeaderSize
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n.numValues()))
	binary.LittleEndian.PutUint64(buf[t.ClusterSize-addressSize:], n.prev)

	keysOff := nodeHeaderSize
	if n.leaf() {
		valsOff := t.valuesOffset(t.leafCap())
		for i, k := range n.keys {
			ko := keysOff + i*t.KeyCodec.Size
			t.KeyCodec.Encode(k, buf[ko:ko+t.KeyCodec.Size])
		}
		for i, v := range n.values {
			vo := valsOff + i*t.ValCodec.Size
			t.ValCodec.Encode(v, buf[vo:vo+t.ValCodec.Size])
		}
	} else {
		valsOff := t.valuesOffset(t.internalCap())
		for i, k := range n.keys {
			ko := keysOff + i*t.KeyCodec.Size
			t.KeyCodec.Encode(k, buf[ko:ko+t.KeyCodec.Size])
		}
		for i, c := range n.children {
			vo := valsOff + i*addressSize
			binary.LittleEndian.PutUint64(buf[vo:vo+addressSize], c)
		}
	}

	if err := abstio.WriteFull(t.IO, buf, int64(n.addr)*int64(t.ClusterSize)); err != nil {
		return fmt.Errorf("storing tree node at %d: %w", n.addr, err)
	}
	return nil
}

// pathEntry is one frame of the explicit descent stack used instead of
// cyclic parent pointers.
type pathEntry[K any, V any] struct {
	node  *node[K, V]
	index int // index of the child we descended into
}

func (t *Tree[K, V]) descend(key K) (path []pathEntry[K, V], leaf *node[K, V], err error) {
	addr := t.Root
	for {
		n, err := t.load(addr)
		if err != nil {
			return nil, nil, err
		}
		if n.leaf() {
			return path, n, nil
		}
		idx := 0
		for idx < len(n.keys) && t.Compare(key, n.keys[idx]) >= 0 {
			idx++
		}
		path = append(path, pathEntry[K, V]{node: n, index: idx})
		addr = n.children[idx]
	}
}

// Search returns the first value stored under key.
func (t *Tree[K, V]) Search(key K) (V, bool, error) {
	_, leaf, err := t.descend(key)
	if err != nil {
		var zero V
		return zero, false, err
	}
	for i, k := range leaf.keys {
		if t.Compare(k, key) == 0 {
			return leaf.values[i], true, nil
		}
	}
	var zero V
	return zero, false, nil
}

// SearchAll returns every value stored under key, following the leaf chain
// backward across node boundaries to pick up collisions a split left
// behind in a neighboring leaf.
func (t *Tree[K, V]) SearchAll(key K) ([]V, error) {
	_, leaf, err := t.descend(key)
	if err != nil {
		return nil, err
	}

	var out []V
	cur := leaf
	for cur != nil {
		matchedAny := false
		for i := len(cur.keys) - 1; i >= 0; i-- {
			if t.Compare(cur.keys[i], key) == 0 {
				out = append(out, cur.values[i])
				matchedAny = true
			} else if t.Compare(cur.keys[i], key) < 0 {
				break
			}
		}
		if !matchedAny || cur.prev == 0 {
			break
		}
		next, err := t.load(cur.prev)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	// out was collected highest-node-first but within a node in reverse
	// key order already matching the on-disk decreasing-key convention;
	// reverse once so callers see insertion-agnostic but stable ordering.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetFirst returns the lowest-keyed record in the tree.
func (t *Tree[K, V]) GetFirst() (K, V, bool, error) {
	addr := t.Root
	for {
		n, err := t.load(addr)
		if err != nil {
			var zk K
			var zv V
			return zk, zv, false, err
		}
		if n.leaf() {
			if len(n.keys) == 0 {
				var zk K
				var zv V
				return zk, zv, false, nil
			}
			return n.keys[0], n.values[0], true, nil
		}
		addr = n.children[0]
	}
}

// GetLast returns the highest-keyed record in the tree.
func (t *Tree[K, V]) GetLast() (K, V, bool, error) {
	addr := t.Root
	for {
		n, err := t.load(addr)
		if err != nil {
			var zk K
			var zv V
			return zk, zv, false, err
		}
		if n.leaf() {
			if len(n.keys) == 0 {
				var zk K
				var zv V
				return zk, zv, false, nil
			}
			last := len(n.keys) - 1
			return n.keys[last], n.values[last], true, nil
		}
		addr = n.children[len(n.children)-1]
	}
}

// insertSortedLeaf inserts key/value into n's keys/values arrays at the
// first position whose existing key is not less than key, so a run of
// colliding keys grows with the newest record appearing first within it.
func insertSortedLeaf[K any, V any](t *Tree[K, V], n *node[K, V], key K, value V) {
	i := 0
	for i < len(n.keys) && t.Compare(n.keys[i], key) < 0 {
		i++
	}

	n.keys = append(n.keys, key)
	copy(n.keys[i+1:], n.keys[i:len(n.keys)-1])
	n.keys[i] = key

	n.values = append(n.values, value)
	copy(n.values[i+1:], n.values[i:len(n.values)-1])
	n.values[i] = value
}

// Insert adds key/value as a new record, always appending rather than
// replacing - multiple values may share a key.
func (t *Tree[K, V]) Insert(key K, value V) error {
	path, leaf, err := t.descend(key)
	if err != nil {
		return err
	}

	insertSortedLeaf(t, leaf, key, value)

	if len(leaf.keys) <= t.leafCap() {
		return t.store(leaf)
	}
	return t.splitLeaf(path, leaf)
}

func (t *Tree[K, V]) splitLeaf(path []pathEntry[K, V], leaf *node[K, V]) error {
	mid := len(leaf.keys) / 2
	rightAddr, err := t.Alloc(1)
	if err != nil {
		return fmt.Errorf("allocating sibling leaf: %w", err)
	}

	right := &node[K, V]{
		addr:   rightAddr,
		level:  0,
		prev:   leaf.addr,
		keys:   append([]K{}, leaf.keys[mid:]...),
		values: append([]V{}, leaf.values[mid:]...),
	}
	leaf.keys = leaf.keys[:mid]
	leaf.values = leaf.values[:mid]

	if err := t.store(leaf); err != nil {
		_ = t.Dealloc(rightAddr, 1)
		return err
	}
	if err := t.store(right); err != nil {
		_ = t.Dealloc(rightAddr, 1)
		return err
	}

	// The leaf that followed the split leaf now follows right instead.
	for i := len(path) - 1; i >= 0; i-- {
		if e := path[i]; e.index+1 < len(e.node.children) {
			next, err := t.descendLeftmost(e.node.children[e.index+1])
			if err != nil {
				return err
			}
			next.prev = rightAddr
			if err := t.store(next); err != nil {
				return err
			}
			break
		}
	}

	t.log().Debugf("bmtree: split leaf %d into %d/%d at %d records", leaf.addr, leaf.addr, rightAddr, len(leaf.keys))

	return t.insertSeparator(path, right.keys[0], rightAddr, 0)
}

// insertSeparator threads a new separator key/child pair up through path,
// splitting internal nodes as necessary and creating a new root if the
// split reaches the top of the tree. childLevel is the level of the pair
// of nodes (old and new) the separator connects, so a new root can be
// stamped one level above them.
func (t *Tree[K, V]) insertSeparator(path []pathEntry[K, V], sep K, child uint64, childLevel uint8) error {
	if len(path) == 0 {
		return t.newRoot(sep, child, childLevel)
	}

	parent := path[len(path)-1].node
	idx := path[len(path)-1].index

	parent.keys = append(parent.keys, sep)
	copy(parent.keys[idx+1:], parent.keys[idx:len(parent.keys)-1])
	parent.keys[idx] = sep

	parent.children = append(parent.children, 0)
	copy(parent.children[idx+2:], parent.children[idx+1:len(parent.children)-1])
	parent.children[idx+1] = child

	if len(parent.children) <= t.internalCap() {
		return t.store(parent)
	}

	leftChildren := len(parent.children) / 2
	promoted := parent.keys[leftChildren-1]

	rightAddr, err := t.Alloc(1)
	if err != nil {
		return fmt.Errorf("allocating sibling internal node: %w", err)
	}
	right := &node[K, V]{
		addr:     rightAddr,
		level:    parent.level,
		keys:     append([]K{}, parent.keys[leftChildren:]...),
		children: append([]uint64{}, parent.children[leftChildren:]...),
	}
	parent.keys = parent.keys[:leftChildren-1]
	parent.children = parent.children[:leftChildren]

	if err := t.store(parent); err != nil {
		_ = t.Dealloc(rightAddr, 1)
		return err
	}
	if err := t.store(right); err != nil {
		_ = t.Dealloc(rightAddr, 1)
		return err
	}

	t.log().Debugf("bmtree: split internal node %d into %d/%d at level %d", parent.addr, parent.addr, rightAddr, parent.level)

	return t.insertSeparator(path[:len(path)-1], promoted, rightAddr, parent.level)
}

func (t *Tree[K, V]) newRoot(sep K, rightChild uint64, childLevel uint8) error {
	addr, err := t.Alloc(1)
	if err != nil {
		return fmt.Errorf("allocating new root: %w", err)
	}
	root := &node[K, V]{
		addr:     addr,
		level:    childLevel + 1,
		keys:     []K{sep},
		children: []uint64{t.Root, rightChild},
	}
	if err := t.store(root); err != nil {
		_ = t.Dealloc(addr, 1)
		return err
	}
	t.Root = addr
	if t.OnRootChange != nil {
		return t.OnRootChange(addr)
	}
	return nil
}

// Update overwrites the first value matching key for which Equiv reports
// the existing value should be replaced in place, walking backward across
// a run of colliding keys and, if the run fills an entire leaf, crossing
// into its prev sibling to keep looking - a run split across a leaf
// boundary must still be found. If no equivalent record is found, next is
// inserted as a new colliding record in the leaf key descends to.
func (t *Tree[K, V]) Update(key K, next V) error {
	path, leaf, err := t.descend(key)
	if err != nil {
		return err
	}

	cur := leaf
	for cur != nil {
		i := len(cur.keys) - 1
		for ; i >= 0; i-- {
			c := t.Compare(cur.keys[i], key)
			if c > 0 {
				continue
			}
			if c < 0 {
				break
			}
			if t.Equiv(&cur.values[i], &next) {
				cur.values[i] = next
				return t.store(cur)
			}
		}
		exhausted := i < 0
		if !exhausted || cur.prev == 0 {
			break
		}
		cur, err = t.load(cur.prev)
		if err != nil {
			return err
		}
	}

	insertSortedLeaf(t, leaf, key, next)
	if len(leaf.keys) <= t.leafCap() {
		return t.store(leaf)
	}
	return t.splitLeaf(path, leaf)
}

// Remove deletes the first value matching key for which equiv (if
// non-nil) returns true, or the first match of any value if equiv is nil.
// It reports status.ErrNotFound if nothing matched.
func (t *Tree[K, V]) Remove(key K, equiv func(V) bool) error {
	_, leaf, err := t.descend(key)
	if err != nil {
		return err
	}

	idx := -1
	for i, k := range leaf.keys {
		if t.Compare(k, key) != 0 {
			continue
		}
		if equiv == nil || equiv(leaf.values[i]) {
			idx = i
			break
		}
	}
	// A run of equal keys can continue into the prev sibling leaf.
	for idx < 0 && leaf.prev != 0 && (len(leaf.keys) == 0 || t.Compare(leaf.keys[0], key) == 0) {
		if leaf, err = t.load(leaf.prev); err != nil {
			return err
		}
		for i := 0; i < len(leaf.keys) && idx < 0; i++ {
			if t.Compare(leaf.keys[i], key) == 0 && (equiv == nil || equiv(leaf.values[i])) {
				idx = i
			}
		}
	}
	if idx < 0 {
		return fmt.Errorf("removing key from tree: %w", status.ErrNotFound)
	}

	leaf.keys = append(leaf.keys[:idx], leaf.keys[idx+1:]...)
	leaf.values = append(leaf.values[:idx], leaf.values[idx+1:]...)
	return t.store(leaf)
}

// CountValues returns the number of records stored under key.
func (t *Tree[K, V]) CountValues(key K) (int, error) {
	vs, err := t.SearchAll(key)
	if err != nil {
		return 0, err
	}
	return len(vs), nil
}

// Walk visits every record in increasing-key order, stopping early if
// consume returns SignalStop.
func (t *Tree[K, V]) Walk(consume func(K, V) (Signal, error)) error {
	cur, err := t.descendLeftmost(t.Root)
	if err != nil {
		return err
	}

	for cur != nil {
		// leaves are chained backward (toward smaller keys) via prev,
		// so walking forward means re-descending from the path that
		// led to the current leaf's highest key each time, rather
		// than following a forward pointer the node format does not
		// carry.
		for i := 0; i < len(cur.keys); i++ {
			sig, err := consume(cur.keys[i], cur.values[i])
			if err != nil {
				return err
			}
			if sig == SignalStop {
				return nil
			}
			if sig == SignalRetry {
				i--
			}
		}
		if len(cur.keys) == 0 {
			return nil
		}
		lastKey := cur.keys[len(cur.keys)-1]
		next, ok, err := t.nextLeafAfter(lastKey)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		cur = next
	}
	return nil
}

func (t *Tree[K, V]) descendLeftmost(addr uint64) (*node[K, V], error) {
	for {
		n, err := t.load(addr)
		if err != nil {
			return nil, err
		}
		if n.leaf() {
			return n, nil
		}
		addr = n.children[0]
	}
}

// nextLeafAfter finds the leaf holding the smallest key strictly greater
// than key, by re-descending to key's leaf and then walking back up the
// path to the nearest ancestor with an as-yet-undescended right sibling,
// since this node format carries no forward sibling pointer to follow
// directly.
func (t *Tree[K, V]) nextLeafAfter(key K) (*node[K, V], bool, error) {
	path, _, err := t.descend(key)
	if err != nil {
		return nil, false, err
	}

	for i := len(path) - 1; i >= 0; i-- {
		entry := path[i]
		if entry.index+1 < len(entry.node.children) {
			n, err := t.descendLeftmost(entry.node.children[entry.index+1])
			if err != nil {
				return nil, false, err
			}
			return n, true, nil
		}
	}
	return nil, false, nil
}

// Destroy walks every record, invoking destroyValue on each (observing
// SignalRetry/SignalStop exactly like Walk), then frees every node.
func (t *Tree[K, V]) Destroy(destroyValue func(K, V) (Signal, error)) error {
	if destroyValue != nil {
		if err := t.Walk(destroyValue); err != nil {
			return err
		}
	}
	return t.destroySubtree(t.Root)
}

func (t *Tree[K, V]) destroySubtree(addr uint64) error {
	n, err := t.load(addr)
	if err != nil {
		return err
	}
	if !n.leaf() {
		for _, c := range n.children {
			if err := t.destroySubtree(c); err != nil {
				return err
			}
		}
	}
	return t.Dealloc(addr, 1)
}

// CountUsedSpace returns the number of clusters the tree currently
// occupies.
func (t *Tree[K, V]) CountUsedSpace() (uint64, error) {
	var count uint64
	var walk func(addr uint64) error
	walk = func(addr uint64) error {
		n, err := t.load(addr)
		if err != nil {
			return err
		}
		count++
		if !n.leaf() {
			for _, c := range n.children {
				if err := walk(c); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(t.Root); err != nil {
		return 0, err
	}
	return count, nil
}
