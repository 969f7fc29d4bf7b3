package rfc9111

import (
	"net/http"
	"testing"
)

func TestMaxAge(t *testing.T) {
	cc := ParseCacheControl([]string{"max-age=60"})
	val, ok := cc.Get("max-age")
	if !ok {
		t.Fatal("Could not get directive")
	}
	if val != "60" {
		t.Fatalf("Value is %s", val)
	}
}

func TestReal(t *testing.T) {
	cc := ParseCacheControl([]string{"public,max-age=0, s-maxage=\"600\""})
	if val, ok := cc.Get("public"); !ok || val != "" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
	if val, ok := cc.Get("max-age"); !ok || val != "0" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
	if val, ok := cc.Get("S-MaxAge"); !ok || val != "600" {
		t.Fatalf("val: '%s', ok: %v", val, ok)
	}
}

func TestOnlyIfCached(t *testing.T) {
	req, _ := http.NewRequest("GET", "/api", nil)
	req.Header.Add("Cache-Control", "max-stale")
	req.Header.Add("Cache-Control", "Only-If-Cached")
	if !RequestCacheControl(req).OnlyIfCached() {
		t.Fatal("only-if-cached not detected")
	}
	if RequestCacheControl(req).NoStore() {
		t.Fatal("no-store detected but not present")
	}
}
