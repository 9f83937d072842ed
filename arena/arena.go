// Package arena implements a two-tier general-purpose memory
// allocator: a buddy layer managing power-of-two chunk blocks, and a
// slab layer on top that subdivides small blocks into fixed-size
// pieces. The allocator only ever returns and accounts for offsets
// into a caller-owned logical address space; it never reads or writes
// bytes at those offsets.
package arena

// BuddyFail is the sentinel chunk index returned by BuddyAllocator's
// Allocate when no block of the requested order is available.
const BuddyFail = ^uint32(0)

// ArenaFail is the sentinel address returned by Allocator's Allocate
// when no block can satisfy the request.
const ArenaFail = ^uint64(0)
