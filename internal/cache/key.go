package cache

import (
	"net/url"
	"strings"
)

// Key returns the cache key for an endpoint: its path plus the raw query
// string. Distinct query strings always yield distinct keys.
func Key(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery == "" {
		return path
	}
	return path + "?" + u.RawQuery
}

// PathOf strips the query string from a key or endpoint.
func PathOf(key string) string {
	if i := strings.IndexByte(key, '?'); i >= 0 {
		return key[:i]
	}
	return key
}
