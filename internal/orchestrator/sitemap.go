package orchestrator

import (
	"encoding/xml"
	"fmt"
	"io"
)

// maxSitemapBodyBytes bounds how much of a sitemap response is read from
// the wire, mirroring the fetch pipeline's own body cap.
const maxSitemapBodyBytes = 20 * 1024 * 1024

// xmlURLSet is the root element of a standard sitemap XML document.
type xmlURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []xmlURL `xml:"url"`
}

type xmlURL struct {
	Loc string `xml:"loc"`
}

// xmlSitemapIndex is the root element of a sitemap-index document, which
// lists further sitemaps rather than page URLs directly.
type xmlSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []xmlSitemap `xml:"sitemap"`
}

type xmlSitemap struct {
	Loc string `xml:"loc"`
}

// parseSitemap extracts the <loc> of every <url> entry in a standard
// sitemap document.
func parseSitemap(body []byte) ([]string, error) {
	var set xmlURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	urls := make([]string, 0, len(set.URLs))
	for _, u := range set.URLs {
		if u.Loc != "" {
			urls = append(urls, u.Loc)
		}
	}
	return urls, nil
}

// parseSitemapIndex extracts the <loc> of every child sitemap listed in a
// sitemap-index document.
func parseSitemapIndex(body []byte) ([]string, error) {
	var idx xmlSitemapIndex
	if err := xml.Unmarshal(body, &idx); err != nil {
		return nil, fmt.Errorf("parse sitemap index: %w", err)
	}
	urls := make([]string, 0, len(idx.Sitemaps))
	for _, s := range idx.Sitemaps {
		if s.Loc != "" {
			urls = append(urls, s.Loc)
		}
	}
	return urls, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxSitemapBodyBytes))
}
