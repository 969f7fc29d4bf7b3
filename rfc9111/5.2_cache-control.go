package rfc9111

import (
	"net/http"
	"strings"
)

// §  5.2. Cache-Control
// §
// §  The "Cache-Control" header field is used to list directives for caches along
// §  the request/response chain. Cache directives are unidirectional, in that the
// §  presence of a directive in a request does not imply that the same directive is
// §  present or copied in the response.
// §
// §    Cache-Control   = #cache-directive
// §
// §    cache-directive = token [ "=" ( token / quoted-string ) ]

type CacheControl struct {
	directives map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[strings.ToLower(directive)]
	return val, ok
}

func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// ParseCacheControl takes Cache-Control headers as a slice of strings
// and returns an instance of `CacheControl`.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	// last defined directive wins
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			name := getCacheControlDirectiveName(parts[0])
			var arg string
			if len(parts) > 1 {
				arg = getCacheControlDirectiveArgument(parts[1])
			}
			m[name] = arg
		}
	}
	return CacheControl{m}
}

// RequestCacheControl parses the Cache-Control header fields of a request.
func RequestCacheControl(req *http.Request) CacheControl {
	return ParseCacheControl(req.Header.Values("Cache-Control"))
}

// §  5.2.1.7. only-if-cached
// §
// §     The only-if-cached request directive indicates that the client only
// §     wishes to obtain a stored response.  Caches that honor this request
// §     directive SHOULD, upon receiving it, respond with either a stored
// §     response consistent with the other constraints of the request or a
// §     504 (Gateway Timeout) status code.
func (c CacheControl) OnlyIfCached() bool {
	return c.HasDirective("only-if-cached")
}

// §  5.2.1.5. no-store
// §
// §     The no-store request directive indicates that a cache MUST NOT store
// §     any part of either this request or any response to it.
func (c CacheControl) NoStore() bool {
	return c.HasDirective("no-store")
}

func getCacheControlDirectiveName(token string) string {
	// §  [...] to be compared case-insensitively [...]
	return strings.ToLower(strings.TrimSpace(token))
}

func getCacheControlDirectiveArgument(arg string) string {
	// §  [...] argument that can use both token and quoted-string syntax. [...]
	return strings.Trim(strings.TrimSpace(arg), "\"")
}
