package dispatch

import (
	"sync"

	"github.com/tradeforge/omsgate/internal/schema"
)

type lockKey struct {
	engine    schema.Engine
	accountID int64
}

// lockTable serializes mutating work per (engine, account). The same account
// under different engines never shares a lock. This is strictly in-process
// coordination; the gateway is single-host.
type lockTable struct {
	mu    sync.Mutex
	locks map[lockKey]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[lockKey]*sync.Mutex)}
}

// Acquire blocks until the pair lock is held and returns its release func.
// Pair locks are never removed; the key space is bounded by live accounts.
func (t *lockTable) Acquire(engine schema.Engine, accountID int64) func() {
	key := lockKey{engine: engine, accountID: accountID}
	t.mu.Lock()
	lock, ok := t.locks[key]
	if !ok {
		lock = new(sync.Mutex)
		t.locks[key] = lock
	}
	t.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
