package prefetch

import (
	"net/http"
	"strings"

	"github.com/always-cache/prefetch-worker/rfc9111"
)

// Decision is the outcome of classifying a request.
type Decision int

const (
	PassThrough Decision = iota
	Handle
)

func (d Decision) String() string {
	if d == Handle {
		return "handle"
	}
	return "pass-through"
}

// Classify decides whether req is routed through the cache engine.
// It only looks at the method, URL and headers of req, never the body.
func Classify(req *http.Request, settings *CompiledSettings) Decision {
	if req == nil || req.URL == nil || settings == nil {
		return PassThrough
	}
	mode := strings.ToLower(req.Header.Get("Sec-Fetch-Mode"))
	if mode == "navigate" {
		return PassThrough
	}
	if rfc9111.RequestCacheControl(req).OnlyIfCached() && mode != "same-origin" {
		return PassThrough
	}
	if !settings.settings.AllowCrossOrigin && strings.EqualFold(req.Header.Get("Sec-Fetch-Site"), "cross-site") {
		return PassThrough
	}
	if settings.MatchesApi(requestURL(req)) {
		return Handle
	}
	switch strings.ToUpper(req.Method) {
	case http.MethodGet, "", http.MethodPost, http.MethodPatch:
		return Handle
	}
	return PassThrough
}

// ShouldHandle is Classify(req, settings) == Handle.
func ShouldHandle(req *http.Request, settings *CompiledSettings) bool {
	return Classify(req, settings) == Handle
}

// requestURL is the absolute URL of an incoming or outgoing request.
func requestURL(req *http.Request) string {
	if req.URL.IsAbs() {
		return req.URL.String()
	}
	u := *req.URL
	u.Host = req.Host
	if u.Host == "" {
		return u.String()
	}
	u.Scheme = "http"
	if req.TLS != nil {
		u.Scheme = "https"
	}
	return u.String()
}
