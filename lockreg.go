package postbox

import "sync"

// LockRegistry hands out one exclusive lock per mailbox name.
//
// Every operation that reads or mutates a mailbox must run while
// holding that mailbox's lock, so operations on the same mailbox are
// strictly serialized while unrelated mailboxes proceed in parallel.
// The registry itself is safe for concurrent use: two callers racing
// to acquire a never-seen name converge on the same lock object.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		locks: make(map[string]*sync.Mutex),
	}
}

// Acquire returns the shared lock for user, creating it on first use.
// The caller is responsible for locking and unlocking it.
func (r *LockRegistry) Acquire(user string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.locks[user]
	if !ok {
		m = &sync.Mutex{}
		r.locks[user] = m
	}
	return m
}
