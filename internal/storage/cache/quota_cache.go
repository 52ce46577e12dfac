// Package cache provides the QuotaSnapshot's secondary key/value mirror on
// an embedded badger store. The cache is never authoritative for admission
// decisions that would commit quota: it exists purely to shortcut HasQuota
// reads, and every write happens only after the durable transaction that
// produced it has committed.
package cache

import (
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/caiatech/crawlorc/internal/domain"
)

// QuotaCache mirrors QuotaSnapshot rows with a TTL.
type QuotaCache struct {
	db  *badger.DB
	ttl time.Duration
}

type cachedSnapshot struct {
	Snapshot domain.QuotaSnapshot `json:"snapshot"`
	WrittenAt time.Time           `json:"written_at"`
}

// Open opens (or creates) a badger database at dir.
func Open(dir string, ttl time.Duration) (*QuotaCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &QuotaCache{db: db, ttl: ttl}, nil
}

// Close releases the underlying badger database.
func (c *QuotaCache) Close() error { return c.db.Close() }

// Put writes-through a snapshot after its owning transaction has committed.
func (c *QuotaCache) Put(userID string, snap *domain.QuotaSnapshot) error {
	entry := cachedSnapshot{Snapshot: *snap, WrittenAt: time.Now()}
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(userID), body)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Get returns the cached snapshot and whether it is still within the TTL
// staleness window; a stale or missing entry means the durable store is
// authoritative.
func (c *QuotaCache) Get(userID string) (snap *domain.QuotaSnapshot, fresh bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		item, txErr := txn.Get([]byte(userID))
		if txErr == badger.ErrKeyNotFound {
			return nil
		}
		if txErr != nil {
			return txErr
		}
		return item.Value(func(val []byte) error {
			var entry cachedSnapshot
			if decodeErr := json.Unmarshal(val, &entry); decodeErr != nil {
				return decodeErr
			}
			snap = &entry.Snapshot
			fresh = c.ttl <= 0 || time.Since(entry.WrittenAt) < c.ttl
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return snap, fresh, nil
}

// Invalidate removes a cached entry, e.g. after SyncFromUpstream changes
// the authoritative limit out from under a stale mirror.
func (c *QuotaCache) Invalidate(userID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(userID))
	})
}
