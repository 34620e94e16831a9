package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/newscrawl/internal/domain"
)

func TestMemory_GetRespectsMaxAge(t *testing.T) {
	m := NewMemory(Options{TTL: time.Hour})
	m.Put(domain.CachedPage{URL: "https://a.test/", FetchedAt: time.Now().Add(-2 * time.Second), Body: []byte("hi")})

	assert.Nil(t, m.Get("https://a.test/", time.Second))

	got := m.Get("https://a.test/", time.Minute)
	require.NotNil(t, got)
	assert.Equal(t, []byte("hi"), got.Body)
}

func TestMemory_GetAnyIgnoresAge(t *testing.T) {
	m := NewMemory(Options{TTL: time.Hour})
	m.Put(domain.CachedPage{URL: "https://a.test/", FetchedAt: time.Now().Add(-59 * time.Minute), Body: []byte("stale but cached")})

	got := m.GetAny("https://a.test/")
	require.NotNil(t, got)
	assert.Equal(t, []byte("stale but cached"), got.Body)
}

func TestMemory_TTLEviction(t *testing.T) {
	m := NewMemory(Options{TTL: time.Millisecond})
	m.Put(domain.CachedPage{URL: "https://a.test/", FetchedAt: time.Now().Add(-time.Hour), Body: []byte("x")})

	assert.Nil(t, m.GetAny("https://a.test/"))
}

func TestMemory_ContentDeduplication(t *testing.T) {
	m := NewMemory(Options{TTL: time.Hour})
	body := []byte("same body")
	m.Put(domain.CachedPage{URL: "https://a.test/x", FetchedAt: time.Now(), Body: body})
	m.Put(domain.CachedPage{URL: "https://a.test/y", FetchedAt: time.Now(), Body: body})

	x := m.GetAny("https://a.test/x")
	y := m.GetAny("https://a.test/y")
	require.NotNil(t, x)
	require.NotNil(t, y)
	assert.Equal(t, x.BodyHash, y.BodyHash)

	assert.Len(t, m.bodies, 1)
}

func TestMemory_SizeEviction(t *testing.T) {
	m := NewMemory(Options{TTL: time.Hour, MaxBytes: 10})
	m.Put(domain.CachedPage{URL: "https://a.test/1", FetchedAt: time.Now(), Body: []byte("12345")})
	m.Put(domain.CachedPage{URL: "https://a.test/2", FetchedAt: time.Now(), Body: []byte("67890")})
	m.Put(domain.CachedPage{URL: "https://a.test/3", FetchedAt: time.Now(), Body: []byte("abcde")})

	assert.Nil(t, m.GetAny("https://a.test/1"), "oldest entry should have been evicted over capacity")
	assert.NotNil(t, m.GetAny("https://a.test/3"))
}
