// Package frontier provides URL normalization and host extraction for the
// crawl queue. URLs are normalized before insertion so that the same URL
// expressed differently produces the same identity.
package frontier

import (
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

// trackingParams lists query parameters stripped during normalization.
// These are advertising and analytics trackers that do not affect page
// content.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"_ga":          {},
}

// defaultPorts maps schemes to their default port strings.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Errors returned by NormalizeURL and HostOf.
var (
	ErrMalformed         = errors.New("frontier: malformed url")
	ErrUnsupportedScheme = errors.New("frontier: unsupported scheme")
	ErrNonAbsolute       = errors.New("frontier: url is not absolute and no base was supplied")
)

// NormalizeURL canonicalizes rawURL, resolving it against base when rawURL
// is relative. Only http and https schemes are accepted. Normalization
// lowercases the scheme and host, strips default ports, drops the
// fragment, sorts query keys, strips tracking parameters, collapses
// duplicate slashes, and removes dot-segments from the path.
func NormalizeURL(rawURL string, base *url.URL) (string, error) {
	if rawURL == "" {
		return "", ErrMalformed
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", ErrMalformed
	}

	if !parsed.IsAbs() {
		if base == nil {
			return "", ErrNonAbsolute
		}
		parsed = base.ResolveReference(parsed)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrUnsupportedScheme
	}
	if parsed.Host == "" {
		return "", ErrMalformed
	}

	parsed.Scheme = scheme
	parsed.Host = normalizeHost(parsed, scheme)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.RawQuery = buildCleanQuery(parsed.Query())
	parsed.Path = normalizePath(parsed.Path)

	return parsed.String(), nil
}

// HostOf returns the registrable host (lowercased, no port) of rawURL, or
// an empty string if it cannot be parsed.
func HostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// normalizeHost lowercases the hostname and removes the port when it
// matches the default port for scheme.
func normalizeHost(u *url.URL, scheme string) string {
	hostname := strings.ToLower(u.Hostname())
	port := u.Port()

	if port == "" {
		return hostname
	}
	if defaultPort, ok := defaultPorts[scheme]; ok && port == defaultPort {
		return hostname
	}
	return hostname + ":" + port
}

// buildCleanQuery strips tracking parameters, sorts the remaining keys,
// and returns the encoded query string.
func buildCleanQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if _, isTracking := trackingParams[key]; !isTracking {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		vals := values[key]
		for j, val := range vals {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

// normalizePath collapses duplicate slashes, resolves dot-segments, and
// removes trailing slashes while preserving the root "/".
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}

	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}

	cleaned := path.Clean(p)
	if cleaned == "/" {
		return "/"
	}

	return strings.TrimRight(cleaned, "/")
}
