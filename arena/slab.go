package arena

import "math/bits"

const (
	bmTinyBit    = 1
	bmGroupShift = 1
	bmGroupMask  = 0x3
	bmFreesShift = bmGroupShift + 2
	bmFreesMask  = (1 << BitmapBits) - 1
)

// bitmapDescriptor packs tiny(1) | index_in_group(2) | frees(61). Its
// meaning is a tagged variant resolved from (chunk.free, bitmap.tiny,
// bitmap.indexInGroup): Unused, DirectBlock, or TinyBlock, per the
// Two-interpretation bitmap design note in spec.md §9. The tag itself
// is never exposed; callers only see Allocate/Reserve/Free/UsableSize.
type bitmapDescriptor uint64

func packBitmap(tiny bool, group uint8, frees uint64) bitmapDescriptor {
	var v uint64
	if tiny {
		v |= bmTinyBit
	}
	v |= uint64(group&bmGroupMask) << bmGroupShift
	v |= (frees & bmFreesMask) << bmFreesShift
	return bitmapDescriptor(v)
}

func (d bitmapDescriptor) isTiny() bool    { return d&bmTinyBit != 0 }
func (d bitmapDescriptor) groupIdx() uint8 { return uint8((d >> bmGroupShift) & bmGroupMask) }
func (d bitmapDescriptor) frees() uint64   { return uint64(d>>bmFreesShift) & bmFreesMask }

// levelList mirrors freeList but is keyed by slab level instead of
// buddy order, and its nodes live in the buddy layer's link fields
// (spec.md §4.2.6).
type levelList struct {
	head   uint32
	length uint32
}

// Allocator is the slab-on-buddy layer described in spec.md §4.2: it
// consumes buddy blocks and subdivides them into equal-sized pieces
// per level, tracked by a per-block bitmap, falling back to direct
// buddy allocation for sizes above the largest tiny level.
type Allocator struct {
	buddy      BuddyAllocator
	bitmaps    []uint64
	chunkCount uint32
	levels     [MaxLevelCount]levelList
	strict     bool
	meta       MetaAllocator
}

// Option configures an Allocator at construction.
type Option func(*Allocator)

// WithStrictAddr enables STRICT_ADDR mode: Reserve/Free/UsableSize
// require addr to equal a piece's exact start address rather than any
// address within it.
func WithStrictAddr() Option {
	return func(a *Allocator) { a.strict = true }
}

// Init carves size bytes into ChunkSize-sized chunks and prepares the
// buddy and slab layers over them.
func (a *Allocator) Init(size uint64, meta MetaAllocator, opts ...Option) error {
	chunkCount := size / ChunkSize
	if chunkCount == 0 || chunkCount > MaxChunkCount {
		return ErrInvalid
	}

	resolved := resolveMetaAllocator(meta)
	if err := a.buddy.Init(uint32(chunkCount), resolved); err != nil {
		return err
	}

	bitmaps, err := resolved.AllocateWords(uint32(chunkCount))
	if err != nil {
		a.buddy.Deinit()
		return ErrOutOfMemory
	}

	a.bitmaps = bitmaps
	a.chunkCount = uint32(chunkCount)
	a.levels = [MaxLevelCount]levelList{}
	a.meta = resolved

	for _, opt := range opts {
		opt(a)
	}
	return nil
}

// Deinit releases the bitmap array and tears down the buddy layer.
func (a *Allocator) Deinit() {
	if a.meta != nil {
		a.meta.FreeWords(a.bitmaps)
	}
	a.buddy.Deinit()
	*a = Allocator{}
}

func (a *Allocator) bitmapAt(idx uint32) bitmapDescriptor {
	return bitmapDescriptor(a.bitmaps[idx])
}

func (a *Allocator) setBitmap(idx uint32, d bitmapDescriptor) {
	a.bitmaps[idx] = uint64(d)
}

// Allocate serves a request of size bytes, returning ArenaFail if no
// block can satisfy it.
func (a *Allocator) Allocate(size uint64) uint64 {
	level := SizeToLevel(size)
	if level < 0 {
		order := uint8(-level)
		chunkIdx := a.buddy.Allocate(order)
		if chunkIdx == BuddyFail {
			return ArenaFail
		}
		a.setBitmap(chunkIdx, packBitmap(false, 0, 0))
		return uint64(chunkIdx) * ChunkSize
	}

	ll := &a.levels[level]
	if ll.length == 0 {
		order := levelOrder(level)
		chunkIdx := a.buddy.Allocate(order)
		if chunkIdx == BuddyFail {
			return ArenaFail
		}
		n := bitsForLevel(level)
		a.setBitmap(chunkIdx, packBitmap(true, levelGroupIndex(level), fullBitmap(n)))
		a.pushLevel(level, chunkIdx)
	}

	head := ll.head
	bm := a.bitmapAt(head)
	b := bits.TrailingZeros64(bm.frees())
	newFrees := bm.frees() &^ (uint64(1) << uint(b))
	a.setBitmap(head, packBitmap(true, bm.groupIdx(), newFrees))
	if newFrees == 0 {
		a.popLevel(level, head)
	}

	return uint64(head)*ChunkSize + uint64(b)*LevelSize(level)
}

// Reserve carves out the exact piece or block starting at addr.
func (a *Allocator) Reserve(addr uint64, size uint64) error {
	chunkIdx64 := addr / ChunkSize
	if chunkIdx64 >= uint64(a.chunkCount) {
		return ErrInvalid
	}
	chunkIdx := uint32(chunkIdx64)

	level := SizeToLevel(size)
	if level < 0 {
		order := uint8(-level)
		if a.strict && addr != uint64(chunkIdx)*ChunkSize {
			return ErrInvalid
		}
		if err := a.buddy.Reserve(chunkIdx, order); err != nil {
			return err
		}
		a.setBitmap(chunkIdx, packBitmap(false, 0, 0))
		return nil
	}

	order := levelOrder(level)
	aligned := alignDown(chunkIdx, order)
	pieceOffset := addr - uint64(aligned)*ChunkSize
	pieceSize := LevelSize(level)
	if pieceSize < size {
		// The requested size does not actually fit the piece its own
		// level classifies it into (spec.md §9's recommended extra
		// check on top of the reference implementation's bare level
		// lookup).
		return ErrInvalid
	}
	bitIdx := pieceOffset / pieceSize
	n := bitsForLevel(level)
	if bitIdx >= n {
		return ErrInvalid
	}
	if a.strict && pieceOffset != bitIdx*pieceSize {
		return ErrInvalid
	}
	mask := uint64(1) << bitIdx

	if a.buddy.isFreeAt(aligned) {
		if err := a.buddy.Reserve(aligned, order); err != nil {
			return err
		}
		a.setBitmap(aligned, packBitmap(true, levelGroupIndex(level), fullBitmap(n)))
		a.pushLevel(level, aligned)
	} else {
		bm := a.bitmapAt(aligned)
		if !bm.isTiny() || int32(bm.groupIdx())+int32(a.buddy.orderAt(aligned))*4 != level {
			return ErrBusy
		}
		if bm.frees()&mask == 0 {
			return ErrBusy
		}
	}

	bm := a.bitmapAt(aligned)
	newFrees := bm.frees() &^ mask
	a.setBitmap(aligned, packBitmap(true, bm.groupIdx(), newFrees))
	if newFrees == 0 {
		a.popLevel(level, aligned)
	}
	return nil
}

// Free returns the piece or block at addr.
func (a *Allocator) Free(addr uint64) error {
	chunkIdx64 := addr / ChunkSize
	if chunkIdx64 >= uint64(a.chunkCount) {
		return ErrInvalid
	}
	chunkIdx := uint32(chunkIdx64)
	if a.buddy.isFreeAt(chunkIdx) {
		return ErrInvalid
	}

	order := a.buddy.orderAt(chunkIdx)
	aligned := alignDown(chunkIdx, order)
	bm := a.bitmapAt(aligned)

	if !bm.isTiny() {
		if a.strict && addr != uint64(aligned)*ChunkSize {
			return ErrInvalid
		}
		return a.buddy.Free(aligned)
	}

	level := int32(order)*4 + int32(bm.groupIdx())
	pieceSize := LevelSize(level)
	pieceOffset := addr - uint64(aligned)*ChunkSize
	bitIdx := pieceOffset / pieceSize
	n := bitsForLevel(level)
	if bitIdx >= n {
		return ErrInvalid
	}
	if a.strict && pieceOffset != bitIdx*pieceSize {
		return ErrInvalid
	}
	mask := uint64(1) << bitIdx
	if bm.frees()&mask != 0 {
		return ErrInvalid
	}

	wasFull := bm.frees() == 0
	newFrees := bm.frees() | mask
	a.setBitmap(aligned, packBitmap(true, bm.groupIdx(), newFrees))

	if wasFull {
		a.pushLevel(level, aligned)
	}
	if newFrees == fullBitmap(n) {
		a.popLevel(level, aligned)
		return a.buddy.Free(aligned)
	}
	return nil
}

// UsableSize returns the full usable size of the piece or block
// containing addr, or 0 if addr is out of range or not allocated.
func (a *Allocator) UsableSize(addr uint64) uint64 {
	chunkIdx64 := addr / ChunkSize
	if chunkIdx64 >= uint64(a.chunkCount) {
		return 0
	}
	chunkIdx := uint32(chunkIdx64)
	if a.buddy.isFreeAt(chunkIdx) {
		return 0
	}

	order := a.buddy.orderAt(chunkIdx)
	aligned := alignDown(chunkIdx, order)
	bm := a.bitmapAt(aligned)
	if !bm.isTiny() {
		if a.strict && addr != uint64(aligned)*ChunkSize {
			return 0
		}
		return uint64(1) << order * ChunkSize
	}
	level := int32(order)*4 + int32(bm.groupIdx())
	pieceSize := LevelSize(level)
	if a.strict {
		pieceOffset := addr - uint64(aligned)*ChunkSize
		bitIdx := pieceOffset / pieceSize
		if pieceOffset != bitIdx*pieceSize {
			return 0
		}
	}
	return pieceSize
}

// SizeToLevel is exposed as a method to match spec.md's
// allocator_size_to_level entry point.
func (a *Allocator) SizeToLevel(size uint64) int32 { return SizeToLevel(size) }

// LevelSize is exposed as a method to match spec.md's
// allocator_level_size entry point.
func (a *Allocator) LevelSize(level int32) uint64 { return LevelSize(level) }

func (a *Allocator) pushLevel(level int32, idx uint32) {
	ll := &a.levels[level]
	if ll.length == 0 {
		a.buddy.setLinkFields(idx, idx, idx)
		ll.head = idx
	} else {
		head := ll.head
		headPrev, _ := a.buddy.linkFields(head)
		tail := headPrev
		a.buddy.setLinkFields(idx, tail, head)
		tailPrev, _ := a.buddy.linkFields(tail)
		a.buddy.setLinkFields(tail, tailPrev, idx)
		_, headNext := a.buddy.linkFields(head)
		a.buddy.setLinkFields(head, idx, headNext)
	}
	ll.length++
}

func (a *Allocator) popLevel(level int32, idx uint32) {
	ll := &a.levels[level]
	prev, next := a.buddy.linkFields(idx)
	if prev == idx {
		ll.head = 0
	} else {
		prevPrev, _ := a.buddy.linkFields(prev)
		a.buddy.setLinkFields(prev, prevPrev, next)
		_, nextNext := a.buddy.linkFields(next)
		a.buddy.setLinkFields(next, prev, nextNext)
		if ll.head == idx {
			ll.head = next
		}
	}
	ll.length--
}
