package balance

import "sync"

// AccountLocks serializes balance mutations per account. Entries are reference counted and
// removed when the last holder unlocks.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[string]*accountLock)}
}

// Lock blocks until accountID is free and returns the matching unlock.
func (l *AccountLocks) Lock(accountID string) (unlock func()) {
	l.mu.Lock()
	lk, ok := l.locks[accountID]
	if !ok {
		lk = &accountLock{}
		l.locks[accountID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()

	return func() {
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, accountID)
		}
		l.mu.Unlock()
	}
}

func (l *AccountLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
