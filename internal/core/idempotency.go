package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker deduplicates commands in two tiers: an in-memory LRU
// and the persisted event log.
// Not thread-safe; the engine lock serializes access.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker

	dupLRU      map[string]int64
	dupPostgres map[string]int64
	tier2Errors int64
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:         NewIdempotencyLRU(capacity),
		dbChecker:   dbChecker,
		dupLRU:      make(map[string]int64),
		dupPostgres: make(map[string]int64),
	}
}

func compositeKey(eventType, key string) string {
	return fmt.Sprintf("%s:%s", eventType, key)
}

// IsDuplicate reports which tier, if any, already holds the key.
// A tier-2 error is treated as "not seen" so a database outage does not
// block writes.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, string) {
	ck := compositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(ck) {
		ic.dupLRU[eventType]++
		return true, "lru"
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			ic.tier2Errors++
			return false, ""
		}
		if isDup {
			ic.dupPostgres[eventType]++
			ic.lru.Add(ck)
			return true, "postgres"
		}
	}

	return false, ""
}

// MarkProcessed adds key to the LRU.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey))
}

// Release drops a key claimed by MarkProcessed whose command then failed.
func (ic *IdempotencyChecker) Release(eventType string, idempotencyKey string) {
	ic.lru.Forget(compositeKey(eventType, idempotencyKey))
}

func (ic *IdempotencyChecker) GetDuplicates(eventType string) (lru int64, postgres int64) {
	return ic.dupLRU[eventType], ic.dupPostgres[eventType]
}

func (ic *IdempotencyChecker) GetTier2Errors() int64 {
	return ic.tier2Errors
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of composite idempotency keys.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

// Forget removes key if present.
func (lru *IdempotencyLRU) Forget(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.Remove(elem)
		delete(lru.cache, key)
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads composite keys, oldest first, so the newest end up
// most recently used.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// GetAllKeys returns every key from least to most recently used, the order
// WarmFromKeys expects.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
