package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_TinyAllocateFromSharedBlock(t *testing.T) {
	var a Allocator
	require.NoError(t, a.Init(8*ChunkSize, nil))
	defer a.Deinit()

	off1 := a.Allocate(10)
	require.NotEqual(t, ArenaFail, off1)
	off2 := a.Allocate(10)
	require.NotEqual(t, ArenaFail, off2)

	assert.Equal(t, uint64(0), off1)
	assert.Equal(t, uint64(10), off2)

	stats := a.Stats()
	assert.Equal(t, uint32(1), stats.Levels[1].BlocksInUse)
}

func TestAllocator_DirectAllocationAboveAllTinyLevels(t *testing.T) {
	// 600000 bytes classifies past MaxLevel (group 16 > 15), so
	// SizeToLevel must fall back to a direct buddy order-11 block
	// (2048 chunks, 1MiB) rather than any tiny level.
	const size = 600000
	require.Equal(t, int32(-11), SizeToLevel(size)) // direct, order 11
	require.True(t, SizeToLevel(size) < 0)

	var a Allocator
	require.NoError(t, a.Init(2048*ChunkSize, nil))
	defer a.Deinit()

	off := a.Allocate(size)
	require.NotEqual(t, ArenaFail, off)
	assert.Equal(t, uint64(0), off)
	assert.Equal(t, uint64(1)<<11*uint64(ChunkSize), a.UsableSize(off))
}

func TestAllocator_FreeAfterAllocateRestoresState(t *testing.T) {
	var a Allocator
	require.NoError(t, a.Init(8*ChunkSize, nil))
	defer a.Deinit()

	before := a.Stats()

	off := a.Allocate(10)
	require.NoError(t, a.Free(off))

	assert.Equal(t, before, a.Stats())
}

func TestAllocator_ReserveThenFreeRestoresSingleRoot(t *testing.T) {
	var a Allocator
	require.NoError(t, a.Init(8*ChunkSize, nil))
	defer a.Deinit()

	before := a.Stats()

	require.NoError(t, a.Reserve(512, 8))
	require.NoError(t, a.Free(512))

	assert.Equal(t, before, a.Stats())
}

func TestAllocator_DoubleFreeIsInvalid(t *testing.T) {
	var a Allocator
	require.NoError(t, a.Init(8*ChunkSize, nil))
	defer a.Deinit()

	off := a.Allocate(10)
	require.NoError(t, a.Free(off))
	assert.ErrorIs(t, a.Free(off), ErrInvalid)
}

func TestAllocator_ReserveBusyOnTakenPiece(t *testing.T) {
	var a Allocator
	require.NoError(t, a.Init(8*ChunkSize, nil))
	defer a.Deinit()

	off := a.Allocate(10) // level 1, piece at chunk 0
	require.NotEqual(t, ArenaFail, off)

	// Bit 0 of chunk 0's level-1 bitmap is already taken by `off`.
	assert.ErrorIs(t, a.Reserve(0, 10), ErrBusy)
}

func TestAllocator_UsableSizeZeroForFreeOrOutOfRange(t *testing.T) {
	var a Allocator
	require.NoError(t, a.Init(8*ChunkSize, nil))
	defer a.Deinit()

	assert.Equal(t, uint64(0), a.UsableSize(0))
	assert.Equal(t, uint64(0), a.UsableSize(8*ChunkSize+1))
}

func TestAllocator_AllocateZeroSizeSucceedsAsLevelZero(t *testing.T) {
	var a Allocator
	require.NoError(t, a.Init(8*ChunkSize, nil))
	defer a.Deinit()

	off := a.Allocate(0)
	require.NotEqual(t, ArenaFail, off)
	assert.Equal(t, LevelSize(0), a.UsableSize(off))
}

func TestAllocator_InitRejectsZeroSize(t *testing.T) {
	var a Allocator
	assert.ErrorIs(t, a.Init(0, nil), ErrInvalid)

	var a2 Allocator
	assert.ErrorIs(t, a2.Init(uint64(MaxChunkCount+1)*ChunkSize, nil), ErrInvalid)
}

func TestAllocator_StrictAddrRejectsInteriorOffsets(t *testing.T) {
	var a Allocator
	require.NoError(t, a.Init(8*ChunkSize, nil, WithStrictAddr()))
	defer a.Deinit()

	off := a.Allocate(10) // level 1, piece size 10, first piece at 0
	require.NotEqual(t, ArenaFail, off)

	// Freeing with an address inside the piece (not its exact start)
	// must be rejected under STRICT_ADDR.
	assert.ErrorIs(t, a.Free(off+1), ErrInvalid)
	require.NoError(t, a.Free(off))
}

func TestAllocator_StrictAddrUsableSizeZeroForInteriorOffsets(t *testing.T) {
	var a Allocator
	require.NoError(t, a.Init(4096*ChunkSize, nil, WithStrictAddr()))
	defer a.Deinit()

	// 600000 bytes classifies past MaxLevel, so this is a direct buddy
	// block (see TestAllocator_DirectAllocationAboveAllTinyLevels).
	// Allocated first so it takes the order-11 half of the order-12
	// root, leaving the other half for the tiny allocation below.
	direct := a.Allocate(600000)
	require.NotEqual(t, ArenaFail, direct)
	assert.NotEqual(t, uint64(0), a.UsableSize(direct))
	assert.Equal(t, uint64(0), a.UsableSize(direct+1))

	off := a.Allocate(10) // level 1, piece size 10, first piece of its block
	require.NotEqual(t, ArenaFail, off)

	assert.Equal(t, LevelSize(1), a.UsableSize(off))
	assert.Equal(t, uint64(0), a.UsableSize(off+1))
}

func TestAllocator_NonStrictAddrAcceptsInteriorOffsets(t *testing.T) {
	var a Allocator
	require.NoError(t, a.Init(8*ChunkSize, nil))
	defer a.Deinit()

	off := a.Allocate(10)
	require.NotEqual(t, ArenaFail, off)
	require.NoError(t, a.Free(off+1))
}

func TestAllocator_RandomizedAllocateFreeDrainsCleanly(t *testing.T) {
	var a Allocator
	require.NoError(t, a.Init(64*ChunkSize, nil))
	defer a.Deinit()

	before := a.Stats()

	sizes := []uint64{8, 10, 16, 24, 48, 96, 200, 600, 2048}
	var live []uint64
	seed := uint64(1)
	for i := 0; i < 2000; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		if len(live) > 0 && seed%3 == 0 {
			n := seed % uint64(len(live))
			require.NoError(t, a.Free(live[n]))
			live = append(live[:n], live[n+1:]...)
			continue
		}
		size := sizes[seed%uint64(len(sizes))]
		off := a.Allocate(size)
		if off != ArenaFail {
			live = append(live, off)
		}
	}
	for _, off := range live {
		require.NoError(t, a.Free(off))
	}

	assert.Equal(t, before, a.Stats())
}
