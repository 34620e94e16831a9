// Package linkextract implements the Link Extractor & Enqueuer (§4.8): it
// walks parsed HTML for a fetched page, resolves and filters discovered
// URLs, and hands enqueue-ready child requests to the queue manager.
package linkextract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/newscrawl/internal/domain"
	"github.com/jonesrussell/newscrawl/internal/frontier"
	"github.com/jonesrussell/newscrawl/internal/hub"
)

// Config configures link extraction.
type Config struct {
	MaxDepth         int
	StayOnHost       bool
	LinkDenyPatterns []string
}

// Extractor extracts and classifies child requests from a fetched page.
type Extractor struct {
	cfg     Config
	hub     *hub.Controller
	denies  []*regexp.Regexp
}

// New builds an Extractor, compiling the configured deny patterns once.
func New(cfg Config, hubController *hub.Controller) (*Extractor, error) {
	denies := make([]*regexp.Regexp, 0, len(cfg.LinkDenyPatterns))
	for _, pattern := range cfg.LinkDenyPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile link deny pattern %q: %w", pattern, err)
		}
		denies = append(denies, re)
	}
	return &Extractor{cfg: cfg, hub: hubController, denies: denies}, nil
}

// Extract parses body as HTML relative to source and returns the set of
// child requests surviving all filters (§4.8).
func (e *Extractor) Extract(source domain.Request, body []byte) ([]domain.Request, error) {
	base, err := url.Parse(source.URL)
	if err != nil {
		return nil, fmt.Errorf("parse source URL: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var out []domain.Request
	seen := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}

		if req, ok := e.buildChild(source, base, href, domain.PriorityLink); ok {
			if _, dup := seen[req.URL]; !dup {
				seen[req.URL] = struct{}{}
				out = append(out, req)
			}
		}
	})

	if metaReq, ok := e.extractMetaRefresh(source, base, doc); ok {
		if _, dup := seen[metaReq.URL]; !dup {
			out = append(out, metaReq)
		}
	}

	return out, nil
}

// extractMetaRefresh resolves <meta http-equiv="refresh" content="N; url=..."> as
// a link whose priority is its parent's priority plus 10 (§9 Open Question
// resolution).
func (e *Extractor) extractMetaRefresh(source domain.Request, base *url.URL, doc *goquery.Document) (domain.Request, bool) {
	content, exists := doc.Find(`meta[http-equiv="refresh" i]`).First().Attr("content")
	if !exists {
		return domain.Request{}, false
	}

	parts := strings.SplitN(content, ";", 2)
	if len(parts) != 2 {
		return domain.Request{}, false
	}
	eq := strings.Index(parts[1], "=")
	if eq < 0 {
		return domain.Request{}, false
	}
	target := strings.TrimSpace(parts[1][eq+1:])
	target = strings.Trim(target, `'"`)
	if target == "" {
		return domain.Request{}, false
	}

	req, ok := e.buildChild(source, base, target, source.Priority+10)
	return req, ok
}

// buildChild resolves, normalizes, and filters href into a child Request,
// returning ok=false if the candidate is dropped by any filter.
func (e *Extractor) buildChild(source domain.Request, base *url.URL, href string, priority int) (domain.Request, bool) {
	normalized, err := frontier.NormalizeURL(href, base)
	if err != nil {
		return domain.Request{}, false
	}

	host := frontier.HostOf(normalized)
	if e.cfg.StayOnHost && host != source.Host {
		return domain.Request{}, false
	}

	for _, deny := range e.denies {
		if deny.MatchString(normalized) {
			return domain.Request{}, false
		}
	}

	depth := source.Depth + 1
	if depth > e.cfg.MaxDepth {
		return domain.Request{}, false
	}

	req := domain.Request{
		URL:      normalized,
		Host:     host,
		Depth:    depth,
		Priority: priority,
		Meta: map[string]any{
			domain.MetaOrigin: domain.OriginLink,
		},
	}

	if parsed, err := url.Parse(normalized); err == nil && e.hub != nil && e.hub.LooksLikeHub(parsed.Path) {
		req.Meta[domain.MetaHubLike] = true
		req.Priority = domain.PriorityHub
	}

	return req, true
}
