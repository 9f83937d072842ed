package arena

import (
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

// BuddyOrderStats reports the free-list length for a single order.
type BuddyOrderStats struct {
	Order      uint8
	BlockSize  uint64
	FreeBlocks uint32
}

// BuddyStats summarizes the buddy layer's free-list occupancy, in the
// spirit of kernel/threads/arena's BuddyStats/GetStats.
type BuddyStats struct {
	ChunkCount uint32
	MaxOrder   uint8
	PerOrder   [MaxOrderCount]BuddyOrderStats
}

// Stats returns a read-only snapshot of the buddy layer's free lists.
// It has no effect on allocator state.
func (b *BuddyAllocator) Stats() BuddyStats {
	s := BuddyStats{ChunkCount: b.chunkCount, MaxOrder: b.maxOrder}
	for order := 0; order <= int(b.maxOrder); order++ {
		s.PerOrder[order] = BuddyOrderStats{
			Order:      uint8(order),
			BlockSize:  uint64(ChunkSize) << order,
			FreeBlocks: b.free[order].length,
		}
	}
	return s
}

// LevelStats reports occupancy for a single tiny level.
type LevelStats struct {
	Level       int32
	PieceSize   uint64
	PieceCount  uint64
	BlocksInUse uint32
	PiecesFree  uint64
}

// Stats summarizes both layers, mirroring kernel/threads/arena's
// HybridStats composition of BuddyStats and SlabStats.
type Stats struct {
	Buddy  BuddyStats
	Levels [MaxLevelCount]LevelStats
}

// Stats returns a read-only snapshot of the allocator's occupancy.
// Like spec.md's testable properties, this never mutates state and is
// purely diagnostic — it must never be load-bearing for correctness.
func (a *Allocator) Stats() Stats {
	st := Stats{Buddy: a.buddy.Stats()}
	for level := int32(0); level <= MaxLevel; level++ {
		ll := a.levels[level]
		n := bitsForLevel(level)
		piecesFree := uint64(0)
		if ll.length > 0 {
			piecesFree += uint64(bits.OnesCount64(a.bitmapAt(ll.head).frees()))
		}
		st.Levels[level] = LevelStats{
			Level:       level,
			PieceSize:   LevelSize(level),
			PieceCount:  n,
			BlocksInUse: ll.length,
			PiecesFree:  piecesFree,
		}
	}
	return st
}

// Snapshot builds a bitset.BitSet marking every chunk currently owned
// by a live allocation (direct or tiny), for introspection tooling —
// e.g. a caller wanting to know "is this chunk live" without walking
// descriptors by hand. Bound the same way bloom/v3 backs gossip dedup
// in kernel/core/mesh/gossip.go: a compact bit-vector view over a
// scanned structure.
func (a *Allocator) Snapshot() *bitset.BitSet {
	bs := bitset.New(uint(a.chunkCount))
	for i := uint32(0); i < a.chunkCount; i++ {
		if !a.buddy.isFreeAt(i) {
			bs.Set(uint(i))
		}
	}
	return bs
}
