package rfc9111

import (
	"net/http"
	"strings"
)

// §  3.1.  Storing Header and Trailer Fields
// §
// §     *  The Connection header field and fields whose names are listed in
// §        it are required by Section 7.6.1 of [HTTP] to be removed before
// §        forwarding the message.  This MAY be implemented by doing so
// §        before storage.
// §
// §     *  Likewise, some fields' semantics require them to be removed before
// §        forwarding the message, and this MAY be implemented by doing so
// §        before storage; see Section 7.6.1 of [HTTP] for some examples.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Transfer-Encoding",
	"Upgrade",
}

// StorableHeader returns a copy of header without connection specific fields.
func StorableHeader(header http.Header) http.Header {
	if header == nil {
		return nil
	}
	h := header.Clone()
	removeHopByHop(h)
	return h
}

// GetListHeader returns the comma separated items of all values of the field.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

// GetForwardRequest returns a clone of req that is safe to send upstream.
// The clone shares the body with req.
func GetForwardRequest(req *http.Request) *http.Request {
	r := req.Clone(req.Context())
	removeHopByHop(r.Header)
	return r
}

func removeHopByHop(h http.Header) {
	for _, header := range GetListHeader(h, "Connection") {
		h.Del(header)
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
