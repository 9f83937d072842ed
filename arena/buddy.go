package arena

// Buddy allocator: chunks in power-of-two-sized blocks.
//
// Each chunk descriptor is a bit-packed 64-bit word, generalizing the
// next-pointer-only free list in kernel/threads/arena/buddy.go's
// addToFreeList/getNextFree into a true doubly-linked list (spec.md's
// prev/next fields), so Reserve/Free can unlink an arbitrary interior
// node of a free list in O(1) instead of only ever popping the head.

const (
	descFreeBit    = 1
	descOrderShift = 1
	descOrderMask  = (1 << OrderBits) - 1
	descPrevShift  = descOrderShift + OrderBits
	descNextShift  = descPrevShift + LinkBits
	descLinkMask   = (1 << LinkBits) - 1
)

// chunkDescriptor packs free(1) | order(4) | prev(29) | next(29).
type chunkDescriptor uint64

func packChunk(free bool, order uint8, prev, next uint32) chunkDescriptor {
	var v uint64
	if free {
		v |= descFreeBit
	}
	v |= uint64(order&descOrderMask) << descOrderShift
	v |= (uint64(prev) & descLinkMask) << descPrevShift
	v |= (uint64(next) & descLinkMask) << descNextShift
	return chunkDescriptor(v)
}

func (c chunkDescriptor) isFree() bool { return c&descFreeBit != 0 }
func (c chunkDescriptor) order() uint8 { return uint8((c >> descOrderShift) & descOrderMask) }
func (c chunkDescriptor) prev() uint32 { return uint32((c >> descPrevShift) & descLinkMask) }
func (c chunkDescriptor) next() uint32 { return uint32((c >> descNextShift) & descLinkMask) }

// freeList is a (head, length) pair per order, mirroring the teacher's
// freeLists array of head pointers plus an explicit length for the
// acyclic/consistency invariant in spec.md §8.
type freeList struct {
	head   uint32
	length uint32
}

// BuddyAllocator manages chunkCount chunks as a forest of power-of-two
// trees, supporting Allocate, Reserve at a specific position, and Free
// with coalescence.
type BuddyAllocator struct {
	words      []uint64
	chunkCount uint32
	maxOrder   uint8
	free       [MaxOrderCount]freeList
	meta       MetaAllocator
}

func (b *BuddyAllocator) descAt(idx uint32) chunkDescriptor {
	return chunkDescriptor(b.words[idx])
}

func (b *BuddyAllocator) setDesc(idx uint32, d chunkDescriptor) {
	b.words[idx] = uint64(d)
}

// Init seeds a forest of free blocks over chunkCount chunks. Fails
// with ErrInvalid if chunkCount is zero or exceeds MaxChunkCount, or
// with ErrOutOfMemory if the meta-allocator cannot supply the
// descriptor array.
func (b *BuddyAllocator) Init(chunkCount uint32, meta MetaAllocator) error {
	if chunkCount == 0 || chunkCount > MaxChunkCount {
		return ErrInvalid
	}

	words, err := resolveMetaAllocator(meta).AllocateWords(chunkCount)
	if err != nil {
		return ErrOutOfMemory
	}

	b.words = words
	b.chunkCount = chunkCount
	b.maxOrder = maxOrderFor(chunkCount)
	b.free = [MaxOrderCount]freeList{}
	b.meta = resolveMetaAllocator(meta)

	offset := uint32(0)
	for order := int(b.maxOrder); order >= 0; order-- {
		size := uint32(1) << uint(order)
		for offset+size <= chunkCount {
			b.pushFree(uint8(order), offset)
			offset += size
		}
	}
	return nil
}

// Deinit releases the descriptor array via the meta-allocator's free
// callback and resets the allocator to its zero value.
func (b *BuddyAllocator) Deinit() {
	if b.meta != nil {
		b.meta.FreeWords(b.words)
	}
	*b = BuddyAllocator{}
}

// Allocate returns the index of an order-sized block, or BuddyFail if
// no block of that order (or larger, splittable) is available. This
// is not an error: spec.md §7 models exhaustion as a sentinel return.
func (b *BuddyAllocator) Allocate(order uint8) uint32 {
	if order > b.maxOrder {
		return BuddyFail
	}
	if b.free[order].length > 0 {
		idx := b.popHead(order)
		b.markAllocated(idx, order)
		return idx
	}

	parent := b.Allocate(order + 1)
	if parent == BuddyFail {
		return BuddyFail
	}

	right := parent + (uint32(1) << order)
	b.pushFree(order, right)
	b.markAllocated(parent, order)
	return parent
}

// Reserve carves the exact block [chunkIndex, chunkIndex+2^order) out
// of whatever free tree currently contains it.
func (b *BuddyAllocator) Reserve(chunkIndex uint32, order uint8) error {
	if order > b.maxOrder || chunkIndex%(uint32(1)<<order) != 0 || uint64(chunkIndex)+uint64(uint32(1)<<order) > uint64(b.chunkCount) {
		return ErrInvalid
	}

	desc := b.descAt(chunkIndex)
	if !desc.isFree() || desc.order() < order {
		return ErrBusy
	}

	rootOrder := desc.order()
	rootIdx := alignDown(chunkIndex, rootOrder)
	b.popNode(rootOrder, rootIdx)

	cur := rootIdx
	for curOrder := rootOrder; curOrder > order; {
		curOrder--
		half := uint32(1) << curOrder
		if chunkIndex < cur+half {
			b.pushFree(curOrder, cur+half)
		} else {
			b.pushFree(curOrder, cur)
			cur += half
		}
	}
	b.markAllocated(cur, order)
	return nil
}

// Free returns a block to the buddy layer, recursively coalescing
// with its sibling whenever the sibling is free and of equal order.
func (b *BuddyAllocator) Free(chunkIndex uint32) error {
	if chunkIndex >= b.chunkCount {
		return ErrInvalid
	}
	desc := b.descAt(chunkIndex)
	if desc.isFree() {
		return ErrInvalid
	}
	order := desc.order()
	if chunkIndex%(uint32(1)<<order) != 0 || uint64(chunkIndex)+uint64(uint32(1)<<order) > uint64(b.chunkCount) {
		return ErrInvalid
	}

	b.coalesceAndFree(chunkIndex, order)
	return nil
}

func (b *BuddyAllocator) coalesceAndFree(idx uint32, order uint8) {
	for order < b.maxOrder {
		buddy := idx ^ (uint32(1) << order)
		if buddy >= b.chunkCount {
			break
		}
		bd := b.descAt(buddy)
		if !bd.isFree() || bd.order() != order {
			break
		}
		b.popNode(order, buddy)
		if buddy < idx {
			idx = buddy
		}
		order++
	}
	b.pushFree(order, idx)
}

// pushFree inserts a block of the given order at the tail of its
// order's circular list (i.e. immediately before the current head),
// propagating identical free/order state to every chunk the block
// spans per spec.md's free-block invariant.
func (b *BuddyAllocator) pushFree(order uint8, idx uint32) {
	fl := &b.free[order]
	if fl.length == 0 {
		b.setDesc(idx, packChunk(true, order, idx, idx))
		fl.head = idx
	} else {
		head := fl.head
		tail := b.descAt(head).prev()
		b.setDesc(idx, packChunk(true, order, tail, head))
		b.setDesc(tail, packChunk(true, order, b.descAt(tail).prev(), idx))
		b.setDesc(head, packChunk(true, order, idx, b.descAt(head).next()))
	}
	fl.length++
	b.propagate(idx, order)
}

// popHead removes and returns the head of an order's free list.
func (b *BuddyAllocator) popHead(order uint8) uint32 {
	idx := b.free[order].head
	b.popNode(order, idx)
	return idx
}

// popNode unlinks an arbitrary node (not necessarily the head) from
// an order's free list in O(1) using its own prev/next links.
func (b *BuddyAllocator) popNode(order uint8, idx uint32) {
	fl := &b.free[order]
	desc := b.descAt(idx)
	if desc.prev() == idx {
		fl.head = 0
	} else {
		p, n := desc.prev(), desc.next()
		pd := b.descAt(p)
		b.setDesc(p, packChunk(true, order, pd.prev(), n))
		nd := b.descAt(n)
		b.setDesc(n, packChunk(true, order, p, nd.next()))
		if fl.head == idx {
			fl.head = n
		}
	}
	fl.length--
}

// markAllocated propagates free=0, order=o across the block's chunks;
// prev/next are left undefined (zeroed) per spec.md's allocated-block
// invariant.
func (b *BuddyAllocator) markAllocated(idx uint32, order uint8) {
	b.propagateWith(idx, order, packChunk(false, order, 0, 0))
}

func (b *BuddyAllocator) propagate(idx uint32, order uint8) {
	b.propagateWith(idx, order, b.descAt(idx))
}

func (b *BuddyAllocator) propagateWith(idx uint32, order uint8, d chunkDescriptor) {
	n := uint32(1) << order
	for i := uint32(0); i < n; i++ {
		b.setDesc(idx+i, d)
	}
}

// linkFields exposes a head chunk's prev/next pair for the slab
// layer's level lists, which reuse these fields on allocated blocks
// (spec.md §4.2.6).
func (b *BuddyAllocator) linkFields(idx uint32) (prev, next uint32) {
	d := b.descAt(idx)
	return d.prev(), d.next()
}

func (b *BuddyAllocator) setLinkFields(idx uint32, prev, next uint32) {
	d := b.descAt(idx)
	b.setDesc(idx, packChunk(d.isFree(), d.order(), prev, next))
}

// orderAt returns the order recorded for the block starting at idx.
func (b *BuddyAllocator) orderAt(idx uint32) uint8 {
	return b.descAt(idx).order()
}

// isFreeAt reports whether the chunk at idx is currently free.
func (b *BuddyAllocator) isFreeAt(idx uint32) bool {
	return b.descAt(idx).isFree()
}

func alignDown(idx uint32, order uint8) uint32 {
	mask := (uint32(1) << order) - 1
	return idx &^ mask
}

func maxOrderFor(chunkCount uint32) uint8 {
	order := uint8(0)
	for (uint32(1) << (order + 1)) <= chunkCount {
		order++
	}
	if order > MaxOrder {
		order = MaxOrder
	}
	return order
}
