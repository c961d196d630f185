package fins

import "sync/atomic"

// MAX_SERVICE_ID_COUNT is the size of the SID space (byte range 0-255).
const MAX_SERVICE_ID_COUNT = 256

// serviceAddressAllocator hands out SIDs in the cyclic sequence 1, 2, ..., 255, 1, ...
// 0 is never issued; it marks "no outstanding request".
// Allocation alone does not guarantee uniqueness, the correlator skips SIDs that
// still hold a pending slot.
type serviceAddressAllocator struct {
	counter atomic.Uint32
}

func (a *serviceAddressAllocator) next() byte {
	for {
		if sid := byte(a.counter.Add(1)); sid != 0 {
			return sid
		}
	}
}
