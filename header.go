package prefetch

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// Header marking a request as a prefetch.
	HeaderRequestType = "X-Prefetch-Request-Type"
	// Value of HeaderRequestType for prefetch requests.
	RequestTypePrefetch = "prefetch"
	// Header carrying the lifetime of a prefetched response in milliseconds.
	HeaderExpireTime = "X-Prefetch-Expire-Time"

	// Lifetime used by MarkPrefetch when none is given.
	DefaultPrefetchExpireTime = 5 * time.Second
)

// MarkPrefetch sets the prefetch marker headers on req.
// A non-positive ttl means DefaultPrefetchExpireTime.
func MarkPrefetch(req *http.Request, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultPrefetchExpireTime
	}
	req.Header.Set(HeaderRequestType, RequestTypePrefetch)
	req.Header.Set(HeaderExpireTime, strconv.FormatInt(ttl.Milliseconds(), 10))
}

// isPrefetch reports whether req carries the prefetch marker.
func isPrefetch(req *http.Request) bool {
	return req.Header.Get(HeaderRequestType) == RequestTypePrefetch
}

// markedLifetime returns the lifetime in the expire time header, if it
// is a positive number of milliseconds.
func markedLifetime(req *http.Request) (time.Duration, bool) {
	value := strings.TrimSpace(req.Header.Get(HeaderExpireTime))
	if value == "" {
		return 0, false
	}
	ms, err := strconv.ParseFloat(value, 64)
	if err != nil || ms <= 0 || ms > float64(1<<53) {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}

// effectiveExpiry is the lifetime of an entry created for req.
// Marked prefetch requests with a positive lifetime use it,
// everything else uses the default.
func effectiveExpiry(req *http.Request, def time.Duration) time.Duration {
	if isPrefetch(req) {
		if ttl, ok := markedLifetime(req); ok {
			return ttl
		}
	}
	return def
}
