package arena

import "errors"

// Sentinel errors classifying allocator failures, in the style of
// kernel/threads/sab's ErrOutOfBounds/ErrMisaligned: callers use
// errors.Is against these rather than matching message strings.
var (
	// ErrInvalid marks a malformed argument: an out-of-range index, a
	// misaligned or oversized block, an addr outside any allocated
	// piece, or a double-free.
	ErrInvalid = errors.New("arena: invalid argument")

	// ErrBusy marks a block or piece that is wholly or partially
	// occupied by an incompatible allocation.
	ErrBusy = errors.New("arena: block busy")

	// ErrOutOfMemory marks a meta-allocator returning an error during
	// construction.
	ErrOutOfMemory = errors.New("arena: meta-allocator out of memory")
)
