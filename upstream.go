package prefetch

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/always-cache/prefetch-worker/rfc9111"

	"github.com/rs/zerolog"
)

// Upstream forwards requests to the origin server.
// It never follows redirects.
type Upstream struct {
	origin    url.URL
	host      string
	transport http.RoundTripper
}

// NewUpstream creates an upstream for the origin URL.
// Origins with paths are not supported.
// If host is not empty, it is used as Host header and TLS server name.
func NewUpstream(origin url.URL, host string, transport http.RoundTripper) *Upstream {
	if transport == nil {
		transport = http.DefaultTransport
		if host != "" {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: host,
				},
			}
		}
	}
	if host == "" {
		host = origin.Host
	}
	return &Upstream{
		origin:    origin,
		host:      host,
		transport: transport,
	}
}

// RoundTrip sends req to the origin.
// Only the path and query of the request URL are kept.
func (u *Upstream) RoundTrip(r *http.Request) (*http.Response, error) {
	uri := u.origin.Scheme + "://" + u.origin.Host + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, fmt.Errorf("creating origin request for %s: %w", uri, err)
	}
	if body != nil {
		req.ContentLength = r.ContentLength
		req.GetBody = r.GetBody
	}
	req.Host = u.host
	copyHeader(req.Header, rfc9111.GetForwardRequest(r).Header)
	return u.transport.RoundTrip(req)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

// send writes res to the client.
func send(w http.ResponseWriter, res *http.Response, log zerolog.Logger) {
	defer res.Body.Close()
	copyHeader(w.Header(), rfc9111.StorableHeader(res.Header))
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		log.Error().Err(err).Msg("Error writing to client")
	}
}
