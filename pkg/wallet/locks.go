package wallet

import (
	"strings"
	"sync"
)

// addressLocks hands out exactly one exclusive token per address, keyed by
// lowercased form. Transfers for the same address serialize on it; transfers
// for different addresses proceed in parallel. sync.Mutex queues waiters
// fairly enough for the ordering guarantee: broadcasts happen in token
// acquisition order.
type addressLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAddressLocks() *addressLocks {
	return &addressLocks{locks: make(map[string]*sync.Mutex)}
}

func (r *addressLocks) forAddress(address string) *sync.Mutex {
	key := strings.ToLower(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}
