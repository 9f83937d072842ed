package arena

// MetaAllocator supplies the backing storage for the allocator's own
// descriptor arrays (chunk descriptors, bitmap descriptors). It never
// touches the logical address space the arena hands out offsets into
// — that space belongs entirely to the caller.
//
// Modeled on kernel/threads/sab's MemoryProvider: an injected
// capability the allocator invokes only at Init/Deinit. A nil
// MetaAllocator passed to Init falls back to defaultMetaAllocator,
// which is backed by Go's ordinary make/GC.
type MetaAllocator interface {
	// AllocateWords returns a zeroed slice of n uint64 words, or an
	// error if the request cannot be satisfied.
	AllocateWords(n uint32) ([]uint64, error)

	// FreeWords releases a slice previously returned by
	// AllocateWords. Implementations that rely on GC may treat this
	// as a no-op.
	FreeWords(words []uint64)
}

type defaultMetaAllocator struct{}

func (defaultMetaAllocator) AllocateWords(n uint32) ([]uint64, error) {
	return make([]uint64, n), nil
}

func (defaultMetaAllocator) FreeWords([]uint64) {}

func resolveMetaAllocator(m MetaAllocator) MetaAllocator {
	if m == nil {
		return defaultMetaAllocator{}
	}
	return m
}
