// Package canonurl derives the stable URL identity used for artifact and
// source-document dedupe. Tracking noise in the query string must never
// mint a second identity for the same page.
package canonurl

import (
	"net/url"
	"sort"
	"strings"
)

var trackingParams = map[string]bool{
	"fbclid":     true,
	"gclid":      true,
	"msclkid":    true,
	"mc_cid":     true,
	"mc_eid":     true,
	"igshid":     true,
	"yclid":      true,
	"spm":        true,
	"ref_src":    true,
	"trk":        true,
	"_hsenc":     true,
	"_hsmi":      true,
	"vero_id":    true,
	"oly_enc_id": true,
}

// Canonicalize lowercases the host, strips tracking params (any utm_* key
// plus the known click-id keys), sorts surviving query keys, and drops the
// fragment. stripQuery removes the query string entirely. Unparseable input
// is returned trimmed, not rejected: identity still has to be computed for
// junk URLs captured in the wild.
func Canonicalize(raw string, stripQuery bool) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.Host = strings.ToLower(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""

	if stripQuery {
		u.RawQuery = ""
		return u.String()
	}

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		if isTrackingParam(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			if v != "" {
				sb.WriteByte('=')
				sb.WriteString(url.QueryEscape(v))
			}
		}
	}
	u.RawQuery = sb.String()
	return u.String()
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	return trackingParams[key]
}

// Host returns the lowercased host portion of raw, or "" when unparseable.
// Policy denylists match on this value.
func Host(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
