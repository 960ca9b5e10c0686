// Package execution owns the order lifecycle: pre-trade guard, the
// execution engine state machine, idempotent fill handling, and
// boot-time reconciliation against the broker.
package execution

import (
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

// FillKey uniquely identifies one execution report. Duplicate delivery
// of the same key must have no effect.
type FillKey struct {
	BrokerOrderID string
	FillID        string
}

func (k FillKey) String() string {
	return k.BrokerOrderID + "/" + k.FillID
}

// SeenSet is the fill idempotency set. Add reports whether the key was
// newly inserted; false means the fill was already processed.
type SeenSet interface {
	Add(key FillKey) (bool, error)
	Close() error
}

// memorySeenSet is a bounded in-process set. Oldest keys are evicted
// FIFO once the cap is reached; the cap is far larger than any
// realistic day's fill count.
type memorySeenSet struct {
	mu    sync.Mutex
	seen  map[FillKey]struct{}
	order []FillKey
	max   int
}

// NewMemorySeenSet returns an in-process set holding up to max keys
// (default 100000 when max <= 0).
func NewMemorySeenSet(max int) SeenSet {
	if max <= 0 {
		max = 100000
	}
	return &memorySeenSet{seen: make(map[FillKey]struct{}), max: max}
}

func (m *memorySeenSet) Add(key FillKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	m.order = append(m.order, key)
	if len(m.order) > m.max {
		evict := m.order[0]
		m.order = m.order[1:]
		delete(m.seen, evict)
	}
	return true, nil
}

func (m *memorySeenSet) Close() error { return nil }

// badgerSeenSet persists fill keys so idempotency survives restarts.
// Keys carry a TTL: a week-old fill can no longer be replayed by any
// reconcile window.
type badgerSeenSet struct {
	db  *badger.DB
	ttl time.Duration
}

const seenSetTTL = 7 * 24 * time.Hour

// NewBadgerSeenSet opens (or creates) a durable set at dir.
func NewBadgerSeenSet(dir string) (SeenSet, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open fill set at %s: %w", dir, err)
	}
	log.Info().Str("dir", dir).Msg("durable fill set opened")
	return &badgerSeenSet{db: db, ttl: seenSetTTL}, nil
}

func (b *badgerSeenSet) Add(key FillKey) (bool, error) {
	added := false
	err := b.db.Update(func(txn *badger.Txn) error {
		k := []byte(key.String())
		if _, err := txn.Get(k); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		added = true
		return txn.SetEntry(badger.NewEntry(k, nil).WithTTL(b.ttl))
	})
	if err != nil {
		return false, fmt.Errorf("fill set add %s: %w", key, err)
	}
	return added, nil
}

func (b *badgerSeenSet) Close() error { return b.db.Close() }
