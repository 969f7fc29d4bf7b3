package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/always-cache/prefetch-worker/rfc9111"
)

// Snapshot is an owned, immutable copy of a completed HTTP response.
// Any number of independent *http.Response values can be created from it.
type Snapshot struct {
	StatusCode   int
	Status       string
	Proto        string
	ProtoMajor   int
	ProtoMinor   int
	Header       http.Header
	Trailer      http.Header
	Body         []byte
	Uncompressed bool
	// The value of the clock at the time the response was received.
	ReceivedAt time.Time
}

// Take reads the whole response body and returns a snapshot of the response.
// Connection specific header fields are not kept.
// The response body is closed. On error the response must not be used anymore.
func Take(res *http.Response) (*Snapshot, error) {
	if res == nil {
		return nil, fmt.Errorf("snapshot of nil response")
	}
	var body []byte
	if res.Body != nil {
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}
		body = b
	}
	s := &Snapshot{
		StatusCode:   res.StatusCode,
		Status:       res.Status,
		Proto:        res.Proto,
		ProtoMajor:   res.ProtoMajor,
		ProtoMinor:   res.ProtoMinor,
		Header:       rfc9111.StorableHeader(res.Header),
		Trailer:      res.Trailer.Clone(),
		Body:         body,
		Uncompressed: res.Uncompressed,
		ReceivedAt:   time.Now(),
	}
	if s.Header == nil {
		s.Header = make(http.Header)
	}
	if s.Status == "" {
		s.Status = fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode))
	}
	if s.Proto == "" {
		s.Proto, s.ProtoMajor, s.ProtoMinor = "HTTP/1.1", 1, 1
	}
	return s, nil
}

// Response returns a fresh response for the given request.
// Headers and body are copies, so callers may mutate and consume them freely.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        s.Status,
		StatusCode:    s.StatusCode,
		Proto:         s.Proto,
		ProtoMajor:    s.ProtoMajor,
		ProtoMinor:    s.ProtoMinor,
		Header:        s.Header.Clone(),
		Trailer:       s.Trailer.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Uncompressed:  s.Uncompressed,
		Request:       req,
	}
}

// Age returns how long ago the response was received.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ReceivedAt)
}
