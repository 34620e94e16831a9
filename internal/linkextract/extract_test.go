package linkextract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/newscrawl/internal/domain"
	"github.com/jonesrussell/newscrawl/internal/hub"
)

func newExtractor(t *testing.T, cfg Config) *Extractor {
	t.Helper()
	e, err := New(cfg, hub.New(hub.Config{}))
	require.NoError(t, err)
	return e
}

func TestExtract_StayOnHostDropsCrossHostLinks(t *testing.T) {
	e := newExtractor(t, Config{MaxDepth: 5, StayOnHost: true})
	source := domain.Request{URL: "https://a.test/", Host: "a.test"}
	body := []byte(`<html><body><a href="https://a.test/page">same</a><a href="https://b.test/page">other</a></body></html>`)

	reqs, err := e.Extract(source, body)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://a.test/page", reqs[0].URL)
}

func TestExtract_DropsOverMaxDepth(t *testing.T) {
	e := newExtractor(t, Config{MaxDepth: 1, StayOnHost: true})
	source := domain.Request{URL: "https://a.test/", Host: "a.test", Depth: 1}
	body := []byte(`<html><body><a href="/deep">deep</a></body></html>`)

	reqs, err := e.Extract(source, body)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestExtract_AppliesDenyPatterns(t *testing.T) {
	e := newExtractor(t, Config{MaxDepth: 5, LinkDenyPatterns: []string{`/login`}})
	source := domain.Request{URL: "https://a.test/", Host: "a.test"}
	body := []byte(`<html><body><a href="/login">login</a><a href="/article">article</a></body></html>`)

	reqs, err := e.Extract(source, body)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://a.test/article", reqs[0].URL)
}

func TestExtract_DedupsSameURL(t *testing.T) {
	e := newExtractor(t, Config{MaxDepth: 5})
	source := domain.Request{URL: "https://a.test/", Host: "a.test"}
	body := []byte(`<html><body><a href="/x">one</a><a href="/x">two</a></body></html>`)

	reqs, err := e.Extract(source, body)
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestExtract_HubLikeChildGetsHubPriority(t *testing.T) {
	e := newExtractor(t, Config{MaxDepth: 5})
	source := domain.Request{URL: "https://a.test/", Host: "a.test"}
	body := []byte(`<html><body><a href="/news">news hub</a></body></html>`)

	reqs, err := e.Extract(source, body)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.PriorityHub, reqs[0].Priority)
	assert.True(t, reqs[0].MetaBool(domain.MetaHubLike))
}

func TestExtract_MetaRefreshBecomesLinkWithBumpedPriority(t *testing.T) {
	e := newExtractor(t, Config{MaxDepth: 5})
	source := domain.Request{URL: "https://a.test/old", Host: "a.test", Priority: domain.PrioritySitemap}
	body := []byte(`<html><head><meta http-equiv="refresh" content="0; url=/new"></head><body></body></html>`)

	reqs, err := e.Extract(source, body)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://a.test/new", reqs[0].URL)
	assert.Equal(t, domain.PrioritySitemap+10, reqs[0].Priority)
}
