package store

import (
	"sync"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/google/btree"
)

// timeEntry orders reservations by a timestamp, breaking ties by id.
type timeEntry struct {
	At time.Time
	ID string
}

func timeLess(a, b timeEntry) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.ID < b.ID
}

// ReservationStore is a thread-safe in-memory store for reservations.
// Primary index: reservation_id → reservation.
// Secondary indexes: key → active reservations, a B-tree of active
// reservations by expires_at, and a B-tree of terminal reservations by
// terminated_at for garbage collection.
//
// The store only guards its own indexes. Reservation fields are mutated by
// the coordinator while it holds the key's lock.
type ReservationStore struct {
	mu           sync.RWMutex
	reservations map[string]*domain.Reservation
	active       map[domain.StockKey]map[string]*domain.Reservation
	deadlines    *btree.BTreeG[timeEntry]
	terminated   *btree.BTreeG[timeEntry]
}

// NewReservationStore creates an empty ReservationStore.
func NewReservationStore() *ReservationStore {
	const degree = 32
	return &ReservationStore{
		reservations: make(map[string]*domain.Reservation),
		active:       make(map[domain.StockKey]map[string]*domain.Reservation),
		deadlines:    btree.NewG[timeEntry](degree, timeLess),
		terminated:   btree.NewG[timeEntry](degree, timeLess),
	}
}

// Insert adds a reservation. Active reservations are indexed by key and by
// deadline; terminal ones go straight to the garbage collection index.
func (s *ReservationStore) Insert(r *domain.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reservations[r.ReservationID] = r
	if r.Status.Terminal() {
		s.indexTerminated(r)
		return
	}

	byID := s.active[r.Key]
	if byID == nil {
		byID = make(map[string]*domain.Reservation)
		s.active[r.Key] = byID
	}
	byID[r.ReservationID] = r
	s.deadlines.ReplaceOrInsert(timeEntry{At: r.ExpiresAt, ID: r.ReservationID})
}

// Get retrieves a reservation by ID. It returns
// domain.ErrReservationNotFound if the reservation does not exist.
func (s *ReservationStore) Get(id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return r, nil
}

// ActiveByKey returns the active reservations held against key.
func (s *ReservationStore) ActiveByKey(key domain.StockKey) []*domain.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.active[key]
	result := make([]*domain.Reservation, 0, len(byID))
	for _, r := range byID {
		result = append(result, r)
	}
	return result
}

// Terminate moves an active reservation to a terminal status and takes it
// out of the active indexes. Terminating an already terminal reservation is
// a no-op that returns false.
func (s *ReservationStore) Terminate(r *domain.Reservation, status domain.ReservationStatus, at time.Time) bool {
	if !status.Terminal() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Status.Terminal() {
		return false
	}

	if byID := s.active[r.Key]; byID != nil {
		delete(byID, r.ReservationID)
		if len(byID) == 0 {
			delete(s.active, r.Key)
		}
	}
	s.deadlines.Delete(timeEntry{At: r.ExpiresAt, ID: r.ReservationID})

	r.Status = status
	r.UpdatedAt = at
	terminatedAt := at
	r.TerminatedAt = &terminatedAt
	r.Confirming = false
	s.indexTerminated(r)
	return true
}

func (s *ReservationStore) indexTerminated(r *domain.Reservation) {
	at := r.UpdatedAt
	if r.TerminatedAt != nil {
		at = *r.TerminatedAt
	}
	s.terminated.ReplaceOrInsert(timeEntry{At: at, ID: r.ReservationID})
}

// DueBefore returns active reservations whose expires_at is strictly before
// now, earliest deadline first. Callers must re-check status under the key
// lock before acting on them.
func (s *ReservationStore) DueBefore(now time.Time) []*domain.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*domain.Reservation
	s.deadlines.Ascend(func(e timeEntry) bool {
		if !e.At.Before(now) {
			return false
		}
		if r, ok := s.reservations[e.ID]; ok {
			due = append(due, r)
		}
		return true
	})
	return due
}

// PurgeTerminatedBefore drops terminal reservations that ended strictly
// before cutoff and returns how many were removed.
func (s *ReservationStore) PurgeTerminatedBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []timeEntry
	s.terminated.Ascend(func(e timeEntry) bool {
		if !e.At.Before(cutoff) {
			return false
		}
		stale = append(stale, e)
		return true
	})

	for _, e := range stale {
		s.terminated.Delete(e)
		delete(s.reservations, e.ID)
	}
	return len(stale)
}

// ActiveCount returns the number of active reservations across all keys.
func (s *ReservationStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deadlines.Len()
}

// Len returns the number of reservations currently retained, terminal ones
// included.
func (s *ReservationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reservations)
}
