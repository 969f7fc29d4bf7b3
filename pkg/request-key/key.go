package requestkey

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrNoRequest = errors.New("no request to derive a key from")

// Func derives a cache key from a request.
// A Func may read the body of the request it is given, so callers hand it a clone.
type Func func(r *http.Request) (string, error)

// Derive is the default key function.
// The key is the hex encoded SHA-256 of the upper cased method, the full URL
// and the quoted body text, separated by spaces.
func Derive(r *http.Request) (string, error) {
	return derive(r, nil)
}

// StripFields returns a key function that removes the given JSON paths
// (sjson syntax, e.g. "head.extension") from JSON request bodies before hashing.
// Use it for volatile fields like trace ids, so that otherwise identical
// requests share a key. Bodies that are not valid JSON are hashed as is.
func StripFields(paths ...string) Func {
	if len(paths) == 0 {
		return Derive
	}
	return func(r *http.Request) (string, error) {
		return derive(r, func(body []byte) []byte {
			if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
				return body
			}
			for _, path := range paths {
				stripped, err := sjson.DeleteBytes(body, path)
				if err != nil {
					continue
				}
				body = stripped
			}
			return body
		})
	}
}

func derive(r *http.Request, filter func([]byte) []byte) (string, error) {
	if r == nil || r.URL == nil {
		return "", ErrNoRequest
	}
	body, err := readBody(r)
	if err != nil {
		return "", fmt.Errorf("reading request body: %w", err)
	}
	if filter != nil && len(body) > 0 {
		body = filter(body)
	}
	combined := strings.ToUpper(r.Method) + " " + r.URL.String() + " " + strconv.Quote(string(body))
	return fmt.Sprintf("%x", sha256.Sum256([]byte(combined))), nil
}

// readBody reads the whole request body.
// When it returns, the request body will be rewound to the beginning.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
