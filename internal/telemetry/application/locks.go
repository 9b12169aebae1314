package application

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultLockStripes is the stripe count used when none is configured.
const DefaultLockStripes = 256

// UnitLocks serializes work per unit serial over a fixed set of mutexes.
// Two units may share a stripe; one unit always maps to the same stripe.
type UnitLocks struct {
	stripes []sync.Mutex
}

// NewUnitLocks constructs striped locks.
func NewUnitLocks(stripes int) *UnitLocks {
	if stripes <= 0 {
		stripes = DefaultLockStripes
	}
	return &UnitLocks{stripes: make([]sync.Mutex, stripes)}
}

// Lock acquires the stripe for serial and returns its unlock func.
func (l *UnitLocks) Lock(serial string) func() {
	mu := &l.stripes[xxhash.Sum64String(serial)%uint64(len(l.stripes))]
	mu.Lock()
	return mu.Unlock
}
