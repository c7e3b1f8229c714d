package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker deduplicates events in two tiers: an in-memory LRU for
// the hot path, and the Postgres event log for keys that aged out of it.
// Keys are composite "{event_type}:{idempotency_key}" strings, so a position
// snapshot and a parameter update can never collide.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *IdempotencyMetrics
}

// DBIdempotencyChecker is the cold-tier lookup. Nil disables the tier,
// which unit tests and replay rely on.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

// IsDuplicate reports whether the event was already processed.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", eventType, idempotencyKey)

	if ic.lru.Contains(compositeKey) {
		ic.metrics.RecordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// A DB error must not block processing. Treat as new; the
			// unique index on the event log catches the rare false negative.
			ic.metrics.RecordTier2Error()
			return false
		}
		if isDup {
			ic.metrics.RecordDuplicate(eventType, "postgres")
			ic.lru.Add(compositeKey)
			return true
		}
	}

	return false
}

// SetDBChecker attaches (or detaches) the cold tier. Startup replay runs
// with the tier detached: every logged event is by definition present in
// the event log, so an attached tier would deduplicate the whole replay
// into a no-op.
func (ic *IdempotencyChecker) SetDBChecker(dbChecker DBIdempotencyChecker) {
	ic.dbChecker = dbChecker
}

// MarkProcessed records a key after the event was applied.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(fmt.Sprintf("%s:%s", eventType, idempotencyKey))
}

func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// --- LRU ---

// IdempotencyLRU caches composite keys with least-recently-used eviction.
// Not thread-safe — only accessed from the single-threaded deterministic core.
type IdempotencyLRU struct {
	capacity  int
	cache     map[string]*list.Element
	lruList   *list.List
	evictions int64
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains reports whether the key is cached, promoting it on a hit.
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

// Add inserts a key, or promotes it if already present.
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.insert(key)
}

func (lru *IdempotencyLRU) insert(key string) {
	lru.cache[key] = lru.lruList.PushFront(&lruEntry{key: key})
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem == nil {
		return
	}
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(*lruEntry).key)
	lru.evictions++
}

// WarmFromKeys loads a batch of composite keys into the LRU. On restart,
// recent keys come from Postgres so hot-path lookups stay off the database.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; !exists {
			lru.insert(key)
		}
	}
}

// GetAllKeys exports every cached key, oldest first, for snapshots.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for elem := lru.lruList.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(*lruEntry).key)
	}
	return keys
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats per tier.
// Not thread-safe — only accessed from the single-threaded deterministic core.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64 // event_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(eventType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[eventType]++
	} else {
		m.duplicatesPostgres[eventType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(eventType string) (lru int64, postgres int64) {
	return m.duplicatesLRU[eventType], m.duplicatesPostgres[eventType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
