// Package memory is a process-local implementation of repository.Store.
// Every operation serializes on the narrowest key it touches, mirroring the
// row locks taken by the Postgres store.
package memory

import (
	"sync"

	"github.com/kirinyoku/turnstile/internal/repository"
)

type Store struct {
	inventory    *InventoryRepo
	reservations *ReservationRepo
	entitlements *EntitlementRepo
	queue        *QueueRepo
	ledger       *ScanLedgerRepo
}

func NewStore() *Store {
	ledger := &ScanLedgerRepo{}
	return &Store{
		inventory:    &InventoryRepo{counters: make(map[string]*counterSlot)},
		reservations: &ReservationRepo{rows: make(map[string]*reservationSlot)},
		entitlements: &EntitlementRepo{rows: make(map[string]*entitlementSlot), ledger: ledger},
		queue:        newQueueRepo(),
		ledger:       ledger,
	}
}

func (s *Store) Inventory() repository.InventoryRepo      { return s.inventory }
func (s *Store) Reservations() repository.ReservationRepo { return s.reservations }
func (s *Store) Entitlements() repository.EntitlementRepo { return s.entitlements }
func (s *Store) Queue() repository.QueueRepo              { return s.queue }
func (s *Store) ScanLedger() repository.ScanLedgerRepo    { return s.ledger }

// keyLocks hands out one mutex per key. Mutexes are never reclaimed; the key
// space (events, tiers, entitlements) is bounded by the data itself.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}

	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}

	return m
}

// lock acquires the mutex for key and returns its unlock func.
func (k *keyLocks) lock(key string) func() {
	m := k.get(key)
	m.Lock()
	return m.Unlock
}
