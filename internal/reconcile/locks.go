package reconcile

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// stripedLocks serializes read-modify-write per (event, uid) without a
// mutex per station. Distinct stations may share a stripe.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = 64
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (l *stripedLocks) lock(key string) func() {
	m := &l.stripes[xxhash.Sum64String(key)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
