package ctaphid

import "sync"

// NewCIDAllocator returns a channel-ID generator assigning monotonically
// increasing 32-bit values starting at 1, skipping CIDReserved and
// CIDBroadcast — the allocation rule for the Channel type.
func NewCIDAllocator() func() uint32 {
	var mu sync.Mutex
	next := uint32(1)
	return func() uint32 {
		mu.Lock()
		defer mu.Unlock()
		cid := next
		next++
		for next == CIDBroadcast || next == CIDReserved {
			next++
		}
		return cid
	}
}
