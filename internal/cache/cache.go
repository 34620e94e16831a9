// Package cache memoizes prior fetches, content-addressed by the SHA-256
// of the response body (§4.5).
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jonesrussell/newscrawl/internal/domain"
)

// Cache is the interface consulted by the fetch pipeline's cache-check
// and fallback steps.
type Cache interface {
	// Get returns the cached page for url if one exists and is no older
	// than maxAge. Returns nil if absent or stale.
	Get(url string, maxAge time.Duration) *domain.CachedPage
	// GetAny returns the cached page for url regardless of age, or nil.
	GetAny(url string) *domain.CachedPage
	// Put stores page, deduplicating its body by content hash.
	Put(page domain.CachedPage)
}

// HashBody returns the content address (hex SHA-256) of body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// entry is a cached page plus its position in the LRU eviction list.
type entry struct {
	page domain.CachedPage
	elem *list.Element
}

// Memory is an in-process Cache with TTL and size-based eviction and
// body deduplication by content hash.
type Memory struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxBytes int64

	byURL    map[string]*entry
	byHash   map[string]int // refcount per body hash
	bodies   map[string][]byte
	lru      *list.List // of url strings, most-recently-used at back
	lruIndex map[string]*list.Element
	size     int64
}

// Options configures a Memory cache.
type Options struct {
	TTL      time.Duration
	MaxBytes int64
}

// NewMemory creates an in-memory Cache.
func NewMemory(opts Options) *Memory {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Memory{
		ttl:      ttl,
		maxBytes: opts.MaxBytes,
		byURL:    make(map[string]*entry),
		byHash:   make(map[string]int),
		bodies:   make(map[string][]byte),
		lru:      list.New(),
		lruIndex: make(map[string]*list.Element),
	}
}

// Get implements Cache.
func (m *Memory) Get(url string, maxAge time.Duration) *domain.CachedPage {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.byURL[url]
	if !ok {
		return nil
	}
	if m.isExpired(ent) {
		m.evictLocked(url)
		return nil
	}
	if maxAge > 0 && time.Since(ent.page.FetchedAt) > maxAge {
		return nil
	}

	m.touchLocked(url)
	page := ent.page
	page.Body = m.bodies[page.BodyHash]
	return &page
}

// GetAny implements Cache.
func (m *Memory) GetAny(url string) *domain.CachedPage {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, ok := m.byURL[url]
	if !ok {
		return nil
	}
	if m.isExpired(ent) {
		m.evictLocked(url)
		return nil
	}

	m.touchLocked(url)
	page := ent.page
	page.Body = m.bodies[page.BodyHash]
	return &page
}

// Put implements Cache.
func (m *Memory) Put(page domain.CachedPage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page.BodyHash = HashBody(page.Body)
	body := page.Body
	page.Body = nil

	if existing, ok := m.byURL[page.URL]; ok {
		m.releaseBodyLocked(existing.page.BodyHash)
	}

	if _, ok := m.bodies[page.BodyHash]; !ok {
		m.bodies[page.BodyHash] = body
		m.size += int64(len(body))
	}
	m.byHash[page.BodyHash]++

	elem := m.lruIndex[page.URL]
	if elem == nil {
		elem = m.lru.PushBack(page.URL)
		m.lruIndex[page.URL] = elem
	} else {
		m.lru.MoveToBack(elem)
	}

	m.byURL[page.URL] = &entry{page: page, elem: elem}

	m.evictOverCapacityLocked()
}

func (m *Memory) isExpired(ent *entry) bool {
	return time.Since(ent.page.FetchedAt) > m.ttl
}

func (m *Memory) touchLocked(url string) {
	if elem, ok := m.lruIndex[url]; ok {
		m.lru.MoveToBack(elem)
	}
}

func (m *Memory) evictLocked(url string) {
	ent, ok := m.byURL[url]
	if !ok {
		return
	}
	m.releaseBodyLocked(ent.page.BodyHash)
	if elem, ok := m.lruIndex[url]; ok {
		m.lru.Remove(elem)
		delete(m.lruIndex, url)
	}
	delete(m.byURL, url)
}

func (m *Memory) releaseBodyLocked(hash string) {
	m.byHash[hash]--
	if m.byHash[hash] <= 0 {
		delete(m.byHash, hash)
		m.size -= int64(len(m.bodies[hash]))
		delete(m.bodies, hash)
	}
}

func (m *Memory) evictOverCapacityLocked() {
	if m.maxBytes <= 0 {
		return
	}
	for m.size > m.maxBytes {
		front := m.lru.Front()
		if front == nil {
			return
		}
		url, _ := front.Value.(string)
		m.lru.Remove(front)
		delete(m.lruIndex, url)
		if ent, ok := m.byURL[url]; ok {
			m.releaseBodyLocked(ent.page.BodyHash)
			delete(m.byURL, url)
		}
	}
}
