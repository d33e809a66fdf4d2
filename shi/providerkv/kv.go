// Package providerkv is a minimal, in-memory reference implementation of
// shi.Provider: a primary store keyed by a string primary key, with a
// monotonically increasing RecordId equal to the record's position in an
// append-only slice. It exists to exercise shi against a real Provider
// without pulling in a full log-structured KV engine, the way the
// teacher's own tests lean on a bolt-backed or memory-backed kv.Getter.
package providerkv

import (
	"context"
	"sync"

	"github.com/ledgerwatch/shi"
)

type record struct {
	key     shi.PrimaryKey
	data    shi.ProviderData
	deleted bool
}

// KV is the reference Provider. It never reclaims old record versions, so
// every RecordId ever issued stays readable - exactly what liveness checks
// and chain walks in tests need, without a real epoch-protected allocator.
type KV struct {
	mu      sync.RWMutex
	log     []record
	current map[shi.PrimaryKey]shi.RecordId
}

// New creates an empty KV.
func New() *KV {
	return &KV{current: make(map[shi.PrimaryKey]shi.RecordId)}
}

// Insert appends a new record under key and returns its RecordId.
func (kv *KV) Insert(key shi.PrimaryKey, data shi.ProviderData) shi.RecordId {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	id := shi.RecordId(len(kv.log))
	kv.log = append(kv.log, record{key: key, data: data})
	kv.current[key] = id
	return id
}

// Update appends a new version of key's record, returning the superseded
// RecordId/data (the "before" image) and the new RecordId/data (the
// "after" image).
func (kv *KV) Update(key shi.PrimaryKey, newData shi.ProviderData) (beforeId shi.RecordId, beforeData shi.ProviderData, afterId shi.RecordId, afterData shi.ProviderData, ok bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	before, exists := kv.current[key]
	if !exists {
		return shi.InvalidRecordId, nil, shi.InvalidRecordId, nil, false
	}
	beforeRec := kv.log[before]
	after := shi.RecordId(len(kv.log))
	kv.log = append(kv.log, record{key: key, data: newData})
	kv.current[key] = after
	return before, beforeRec.data, after, newData, true
}

// Delete marks key's current record as tombstoned, returning its RecordId
// and the data it carried.
func (kv *KV) Delete(key shi.PrimaryKey) (id shi.RecordId, data shi.ProviderData, ok bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	id, exists := kv.current[key]
	if !exists {
		return shi.InvalidRecordId, nil, false
	}
	data = kv.log[id].data
	kv.log[id].deleted = true
	delete(kv.current, key)
	return id, data, true
}

// Get returns the current data for key, if live.
func (kv *KV) Get(key shi.PrimaryKey) (shi.ProviderData, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	id, exists := kv.current[key]
	if !exists {
		return nil, false
	}
	return kv.log[id].data, true
}

// PrimaryKeyOf implements shi.Provider.
func (kv *KV) PrimaryKeyOf(_ context.Context, id shi.RecordId) (shi.PrimaryKey, bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	if id < 0 || int(id) >= len(kv.log) {
		return "", false, nil
	}
	return kv.log[id].key, true, nil
}

// CurrentRecordId implements shi.Provider.
func (kv *KV) CurrentRecordId(_ context.Context, key shi.PrimaryKey) (shi.RecordId, bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	id, exists := kv.current[key]
	if !exists {
		return shi.InvalidRecordId, false, nil
	}
	return id, true, nil
}

// IsTombstoned implements shi.Provider.
func (kv *KV) IsTombstoned(_ context.Context, id shi.RecordId) (bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	if id < 0 || int(id) >= len(kv.log) {
		return true, nil
	}
	return kv.log[id].deleted, nil
}

// Epoch implements shi.Provider with a no-reclaim epoch: since KV never
// discards a log entry, entering and exiting the epoch is a no-op.
func (kv *KV) Epoch() shi.Epoch { return noopEpoch{} }

type noopEpoch struct{}

func (noopEpoch) Enter() (int64, error) { return 0, nil }
func (noopEpoch) Exit(int64)            {}
