package rfc9211

import (
	"fmt"
	"net/http"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches' handling
// §     of the request corresponding to the response it occurs within.
// §
// §     Its value is a List [STRUCTURED-FIELDS]:
// §
// §     Cache-Status   = sf-list
// §
// §     Each member of the list represents a cache that has handled the
// §     request.  The first member of the list represents the cache closest
// §     to the origin server, and the last member of the list represents the
// §     cache closest to the user (possibly including the user agent's cache
// §     itself, if it appends a value).
const Header = "Cache-Status"

type FwdReason string

// §  2.2.  The fwd Parameter
const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// The request method's semantics require the request to be forwarded.
	FwdReasonMethod FwdReason = "method"
	// The cache did not contain any responses that matched the request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
	// The cache was able to select a fresh response for the request, but
	// the request's semantics did not allow its use.
	FwdReasonRequest FwdReason = "request"
	// The cache was able to select a response for the request, but it was stale.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus is one member of the Cache-Status list.
type CacheStatus struct {
	Cache     string
	hit       bool
	FwdReason FwdReason
	fwdStatus int
	ttl       int64
	hasTTL    bool
	stored    bool
	collapsed bool
	key       string
	detail    string
}

func New(cache string) *CacheStatus {
	return &CacheStatus{Cache: cache}
}

// §  2.1.  The hit Parameter
// §
// §     "hit", when true, indicates that the request was satisfied by the
// §     cache; that is, it was not forwarded, and the response was obtained
// §     from the cache.
func (cs *CacheStatus) Hit() *CacheStatus {
	cs.hit = true
	cs.FwdReason = ""
	return cs
}

func (cs *CacheStatus) IsHit() bool {
	return cs.hit
}

// Forward marks the request as forwarded. It clears a previous hit.
func (cs *CacheStatus) Forward(reason FwdReason) *CacheStatus {
	cs.hit = false
	cs.FwdReason = reason
	return cs
}

// §  2.3.  The fwd-status Parameter
// §
// §     "fwd-status" indicates what status code the next hop server returned
// §     in response to the forwarded request.
func (cs *CacheStatus) FwdStatus(status int) *CacheStatus {
	cs.fwdStatus = status
	return cs
}

// §  2.4.  The ttl Parameter
// §
// §     "ttl" indicates the response's remaining freshness lifetime as
// §     calculated by the cache, as an integer number of seconds.
func (cs *CacheStatus) TTL(seconds int64) *CacheStatus {
	cs.ttl = seconds
	cs.hasTTL = true
	return cs
}

// §  2.5.  The stored Parameter
// §
// §     "stored" indicates whether the cache stored the response; a true value
// §     indicates that it did.
func (cs *CacheStatus) Stored() *CacheStatus {
	cs.stored = true
	return cs
}

// §  2.6.  The collapsed Parameter
// §
// §     "collapsed" indicates whether this request was collapsed together with
// §     one or more other forward requests.
func (cs *CacheStatus) Collapsed() *CacheStatus {
	cs.collapsed = true
	return cs
}

// §  2.7.  The key Parameter
// §
// §     "key" conveys a representation of the cache key used for the response.
func (cs *CacheStatus) Key(key string) *CacheStatus {
	cs.key = key
	return cs
}

// §  2.8.  The detail Parameter
// §
// §     "detail" allows implementations to convey additional information not
// §     captured in other parameters, such as implementation-specific states or
// §     other caching-related metrics.
func (cs *CacheStatus) Detail(detail string) *CacheStatus {
	cs.detail = detail
	return cs
}

func (cs *CacheStatus) String() string {
	params := []string{cs.Cache}
	if cs.hit {
		params = append(params, "hit")
	} else if cs.FwdReason != "" {
		params = append(params, "fwd="+string(cs.FwdReason))
	}
	if cs.fwdStatus != 0 {
		params = append(params, fmt.Sprintf("fwd-status=%d", cs.fwdStatus))
	}
	if cs.hasTTL {
		params = append(params, fmt.Sprintf("ttl=%d", cs.ttl))
	}
	if cs.stored {
		params = append(params, "stored")
	}
	if cs.collapsed {
		params = append(params, "collapsed")
	}
	if cs.key != "" {
		params = append(params, fmt.Sprintf("key=%q", cs.key))
	}
	if cs.detail != "" {
		params = append(params, "detail="+cs.detail)
	}
	return strings.Join(params, "; ")
}

// §     Caches SHOULD add a list member to the field value of a Cache-Status
// §     header field in responses.
func (cs *CacheStatus) Apply(h http.Header) {
	h.Add(Header, cs.String())
}
