package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/efreitasn/stockreserve/internal/domain"
)

// fifoLock is a mutex that grants ownership in arrival order. Unlock hands
// the lock directly to the oldest waiter, so a late arrival can never barge
// ahead of a queued one.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Lock blocks until the lock is acquired or ctx is done. A waiter that gives
// up is removed from the queue; if ownership was handed to it at the same
// moment, it passes the lock on before returning.
func (l *fifoLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case <-ready:
		// Ownership arrived while we were giving up.
		l.mu.Unlock()
		l.Unlock()
		return ctx.Err()
	default:
	}
	for i, w := range l.waiters {
		if w == ready {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	return ctx.Err()
}

// lockUninterruptible acquires the lock ignoring cancellation. Used to
// finish an operation whose ledger side has already happened.
func (l *fifoLock) lockUninterruptible() {
	_ = l.Lock(context.Background())
}

// Unlock releases the lock or hands it to the next waiter.
func (l *fifoLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		panic("engine: unlock of unlocked fifoLock")
	}
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

// keyState is the serialization point for one stock key. total, seq,
// inflight and stale are guarded by lock. loadMu coalesces ledger reads and
// restocks so the cached total is filled exactly once per load.
type keyState struct {
	lock   fifoLock
	loadMu sync.Mutex
	loaded atomic.Bool
	total  int64
	seq    uint64

	// inflight counts ledger writes started under lock that have not yet
	// relocked to record their result.
	inflight int
	// stale marks the cached total as possibly out of step with the ledger.
	// The key is reloaded once no ledger write is in flight.
	stale bool
}

// beginWriteLocked records a ledger write that will run outside the lock.
func (st *keyState) beginWriteLocked() {
	st.inflight++
}

// endWriteLocked records that a ledger write has relocked.
func (st *keyState) endWriteLocked() {
	st.inflight--
	st.reloadIfStaleLocked()
}

// invalidateLocked schedules a reload of the cached total from the ledger.
func (st *keyState) invalidateLocked() {
	st.stale = true
	st.reloadIfStaleLocked()
}

func (st *keyState) reloadIfStaleLocked() {
	if st.stale && st.inflight == 0 {
		st.loaded.Store(false)
	}
}

// keyLocks is a thread-safe map of stock key → keyState.
type keyLocks struct {
	mu   sync.RWMutex
	keys map[domain.StockKey]*keyState
}

// newKeyLocks creates an empty keyLocks.
func newKeyLocks() *keyLocks {
	return &keyLocks{
		keys: make(map[domain.StockKey]*keyState),
	}
}

// getOrCreate returns the state for key, creating it if it doesn't already
// exist.
func (kl *keyLocks) getOrCreate(key domain.StockKey) *keyState {
	kl.mu.RLock()
	st, ok := kl.keys[key]
	kl.mu.RUnlock()
	if ok {
		return st
	}

	kl.mu.Lock()
	defer kl.mu.Unlock()
	// Double-check after acquiring write lock.
	if st, ok = kl.keys[key]; ok {
		return st
	}
	st = &keyState{}
	kl.keys[key] = st
	return st
}

// get returns the state for key if it has been registered.
func (kl *keyLocks) get(key domain.StockKey) (*keyState, bool) {
	kl.mu.RLock()
	defer kl.mu.RUnlock()
	st, ok := kl.keys[key]
	return st, ok
}

// size returns the number of keys registered so far.
func (kl *keyLocks) size() int {
	kl.mu.RLock()
	defer kl.mu.RUnlock()
	return len(kl.keys)
}
