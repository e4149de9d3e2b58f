package crawler

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL canonicalizes a URL for visited-set keying: scheme and
// host lowercased, fragment stripped, query parameters sorted so
// ?a=1&b=2 and ?b=2&a=1 dedupe to the same page.
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", fmt.Errorf("URL %q is not absolute", raw)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	if parsed.RawQuery != "" {
		values := parsed.Query()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var query strings.Builder
		for _, k := range keys {
			vals := values[k]
			sort.Strings(vals)
			for _, v := range vals {
				if query.Len() > 0 {
					query.WriteByte('&')
				}
				query.WriteString(url.QueryEscape(k))
				query.WriteByte('=')
				query.WriteString(url.QueryEscape(v))
			}
		}
		parsed.RawQuery = query.String()
	}

	if parsed.Path == "" {
		parsed.Path = "/"
	}

	return parsed.String(), nil
}

// ResolveLink resolves href against the page it appeared on and
// normalizes the result. Non-http(s) schemes (mailto:, javascript:,
// tel:) are rejected.
func ResolveLink(pageURL, href string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid page URL %q: %w", pageURL, err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("invalid link %q: %w", href, err)
	}

	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", resolved.Scheme)
	}
	return NormalizeURL(resolved.String())
}

// SameOrigin reports whether two URLs share a host. Scheme differences
// (http vs https on the same host) count as the same origin for crawl
// scoping purposes.
func SameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}
