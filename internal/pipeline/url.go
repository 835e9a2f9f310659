package pipeline

import (
	"fmt"
	"net/url"
	"strings"
)

// Query parameters stripped during canonicalization. Anything matching the
// utm_ prefix is dropped as well.
var trackingParams = map[string]struct{}{
	"gclid":   {},
	"fbclid":  {},
	"igshid":  {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref":     {},
	"source":  {},
	"src":     {},
	"gh_src":  {},
	"lever-":  {},
	"utm_ref": {},
}

// CanonicalURL normalizes an application URL into the posting identity key:
// lowercased scheme and host, default ports and fragments removed, tracking
// parameters stripped, remaining query sorted, trailing slash trimmed.
// A missing scheme defaults to https.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""
	u.User = nil

	q := u.Query()
	for key := range q {
		if isTrackingParam(key) {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode() // Encode sorts keys, making the key stable.

	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String(), nil
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := trackingParams[key]
	return ok
}
