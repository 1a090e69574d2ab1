package source

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query keys that identify a click, not a document. They
// are stripped before citation comparison so the same page reached through
// different campaigns still matches.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"utm_name":     {},
	"utm_id":       {},
	"utm":          {},
	"gclid":        {},
	"fbclid":       {},
}

// NormalizeURL canonicalizes a URL for comparison: lowercase scheme and host,
// dropped fragment, tracking params stripped, remaining query sorted. Inputs
// that do not parse are returned trimmed, unchanged.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}

	type kv struct{ k, v string }
	var kept []kv
	for k, vals := range u.Query() {
		if _, tracking := trackingParams[strings.ToLower(k)]; tracking {
			continue
		}
		for _, v := range vals {
			kept = append(kept, kv{k, v})
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].k != kept[j].k {
			return kept[i].k < kept[j].k
		}
		return kept[i].v < kept[j].v
	})

	q := url.Values{}
	for _, p := range kept {
		q.Add(p.k, p.v)
	}

	out := url.URL{
		Scheme:   scheme,
		Host:     strings.ToLower(u.Host),
		Path:     u.Path,
		RawQuery: q.Encode(),
	}
	return out.String()
}
