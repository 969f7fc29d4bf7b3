package prefetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/prefetch-worker/cache"
	"github.com/always-cache/prefetch-worker/internal/journal"
	"github.com/always-cache/prefetch-worker/internal/metrics"
	requestkey "github.com/always-cache/prefetch-worker/pkg/request-key"
	snapshot "github.com/always-cache/prefetch-worker/pkg/response-snapshot"
	"github.com/always-cache/prefetch-worker/rfc9211"

	"github.com/rs/zerolog"
)

// CacheName is the cache identifier used in Cache-Status headers.
const CacheName = "Prefetch"

const (
	outcomeHit       = "hit"
	outcomeCoalesced = "coalesced"
	outcomeStored    = "stored"
	outcomeMiss      = "miss"
	outcomeBypass    = "bypass"
	outcomeUncached  = "uncached"
	outcomeRetry     = "retry"
	outcomeError     = "error"
	outcomeRecovered = "recovered"
)

var errFetchPanic = errors.New("panic during upstream fetch")

// Recorder receives engine decisions. *journal.Journal implements it.
type Recorder interface {
	Record(journal.Record)
}

type EngineConfig struct {
	// Compiled settings. Required.
	Settings *CompiledSettings
	// Transport used for upstream fetches. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Optional key function replacing the one derived from the settings.
	KeyFunc requestkey.Func
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Clock. time.Now if nil.
	Now func() time.Time
	// Optional journal of engine decisions.
	Journal Recorder
}

// Engine is the prefetch cache.
// It keeps successful responses in memory for their lifetime and lets
// concurrent identical requests share one upstream fetch.
type Engine struct {
	settings  *CompiledSettings
	table     *cache.Table
	transport http.RoundTripper
	keyFunc   requestkey.Func
	log       zerolog.Logger
	now       func() time.Time
	journal   Recorder
}

func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Settings == nil {
		return nil, fmt.Errorf("creating engine: %w", ErrNotConfigured)
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "engine").Logger()
	if config.Settings.settings.Debug {
		logger = logger.Level(zerolog.TraceLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	e := &Engine{
		settings:  config.Settings,
		table:     cache.NewTable(config.Settings.settings.MaxCacheSize),
		transport: config.Transport,
		keyFunc:   config.KeyFunc,
		log:       logger,
		now:       config.Now,
		journal:   config.Journal,
	}
	if e.transport == nil {
		e.transport = http.DefaultTransport
	}
	if e.keyFunc == nil {
		e.keyFunc = config.Settings.KeyFunc()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Settings returns the settings the engine was created with.
func (e *Engine) Settings() *CompiledSettings {
	return e.settings
}

// Len returns the number of entries in the cache table.
func (e *Engine) Len() int {
	return e.table.Len()
}

// Sweep removes expired entries and returns how many were removed.
func (e *Engine) Sweep() int {
	n := e.table.Sweep(e.now())
	e.recordSweep(n)
	return n
}

// RoundTrip implements http.RoundTripper.
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	return e.Handle(req)
}

// Handle answers req from the cache or upstream.
// The returned error is the network error of the upstream fetch, if any.
// Internal faults fall back to an uncached fetch.
func (e *Engine) Handle(req *http.Request) (res *http.Response, err error) {
	start := e.now()
	fwd := req
	defer func() {
		if r := recover(); r != nil {
			e.log.WithLevel(zerolog.PanicLevel).Interface("error", r).Str("url", req.URL.String()).Msg("Panic in cache engine")
			res, err = e.escapeHatch(fwd)
			e.observe(req, "", outcomeRecovered, rfc9211.New(CacheName).Forward(rfc9211.FwdReasonBypass).Detail("recovered"), res, err, start)
		}
	}()

	if strings.EqualFold(req.Method, http.MethodDelete) {
		res, err = e.fetch(req)
		e.observe(req, "", outcomeBypass, rfc9211.New(CacheName).Forward(rfc9211.FwdReasonMethod), res, err, start)
		return res, err
	}

	fwd, body, err := replayable(req)
	if err != nil {
		e.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not read request body")
		res, err = e.fetch(fwd)
		e.observe(req, "", outcomeUncached, rfc9211.New(CacheName).Forward(rfc9211.FwdReasonBypass).Detail("body"), res, err, start)
		return res, err
	}

	key, err := e.keyFunc(withBody(fwd, body))
	if err != nil || key == "" {
		e.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not derive cache key")
		res, err = e.fetch(fwd)
		e.observe(req, "", outcomeUncached, rfc9211.New(CacheName).Forward(rfc9211.FwdReasonBypass).Detail("key"), res, err, start)
		return res, err
	}
	return e.handleKeyed(req, fwd, key, start)
}

func (e *Engine) handleKeyed(req, fwd *http.Request, key string, start time.Time) (*http.Response, error) {
	now := e.now()
	ttl := effectiveExpiry(fwd, e.settings.DefaultExpire())
	r := e.table.Reserve(key, now, ttl)
	if r.Sweep {
		e.recordSweep(r.Swept)
	}
	metrics.CacheEntries.Set(float64(e.table.Len()))

	fwdReason := rfc9211.FwdReasonUriMiss
	if r.Expired {
		fwdReason = rfc9211.FwdReasonStale
	}

	switch {
	case r.Entry == nil:
		res, err := e.fetch(fwd)
		status := rfc9211.New(CacheName).Forward(fwdReason)
		if err == nil {
			status.FwdStatus(res.StatusCode)
		}
		e.observe(req, key, outcomeMiss, status, res, err, start)
		return res, err

	case r.Installed:
		return e.install(req, fwd, key, r.Entry, fwdReason, start)

	case r.Entry.Response != nil:
		res := r.Entry.Response.Response(req)
		remaining := r.Entry.ExpireAt.Sub(now)
		status := rfc9211.New(CacheName).Hit().TTL(int64((remaining + time.Second - 1) / time.Second))
		e.observe(req, key, outcomeHit, status, res, nil, start)
		return res, nil
	}

	snap, err := r.Entry.Inflight.Wait(req.Context())
	if err == nil {
		res := snap.Response(req)
		status := rfc9211.New(CacheName).Forward(fwdReason).Collapsed()
		if res.StatusCode != http.StatusOK {
			status.FwdStatus(res.StatusCode)
		}
		e.observe(req, key, outcomeCoalesced, status, res, nil, start)
		return res, nil
	}
	if ctxErr := req.Context().Err(); ctxErr != nil {
		e.observe(req, key, outcomeError, nil, nil, ctxErr, start)
		return nil, ctxErr
	}
	// the in-flight fetch failed; fetch again without the cache
	e.log.Debug().Err(err).Str("key", key).Msg("Shared fetch failed, refetching")
	e.table.Remove(key, r.Entry)
	res, err := e.fetch(fwd)
	status := rfc9211.New(CacheName).Forward(fwdReason).Detail("retry")
	if err == nil {
		status.FwdStatus(res.StatusCode)
	}
	e.observe(req, key, outcomeRetry, status, res, err, start)
	return res, err
}

// install performs the upstream fetch for a newly installed entry.
// The fetch is not cancelled when req is; only this caller stops waiting.
func (e *Engine) install(req, fwd *http.Request, key string, entry *cache.Entry, fwdReason rfc9211.FwdReason, start time.Time) (*http.Response, error) {
	fetchReq := fwd.WithContext(context.WithoutCancel(fwd.Context()))
	go e.complete(key, entry, fetchReq)

	snap, err := entry.Inflight.Wait(req.Context())
	if err != nil {
		if errors.Is(err, errFetchPanic) {
			panic(err)
		}
		var cause error = err
		if ctxErr := req.Context().Err(); ctxErr != nil {
			cause = ctxErr
		} else if errors.Is(err, cache.ErrRejected) {
			cause = unwrapRejected(err)
		}
		e.observe(req, key, outcomeError, nil, nil, cause, start)
		return nil, cause
	}

	res := snap.Response(req)
	status := rfc9211.New(CacheName).Forward(fwdReason)
	outcome := outcomeMiss
	if current, ok := e.table.Get(key); ok && current.Response == snap {
		status.Stored()
		outcome = outcomeStored
	}
	if res.StatusCode != http.StatusOK {
		status.FwdStatus(res.StatusCode)
	}
	e.observe(req, key, outcome, status, res, nil, start)
	return res, nil
}

func (e *Engine) complete(key string, entry *cache.Entry, req *http.Request) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithLevel(zerolog.PanicLevel).Interface("error", r).Str("key", key).Msg("Panic in upstream fetch")
			e.table.Fail(key, entry, fmt.Errorf("%w: %v", errFetchPanic, r))
		}
		metrics.CacheEntries.Set(float64(e.table.Len()))
	}()

	res, err := e.fetch(req)
	if err != nil {
		e.log.Debug().Err(err).Str("key", key).Msg("Upstream fetch failed")
		e.table.Fail(key, entry, err)
		return
	}
	snap, err := snapshot.Take(res)
	if err != nil {
		e.log.Debug().Err(err).Str("key", key).Msg("Could not read upstream response")
		e.table.Fail(key, entry, err)
		return
	}
	snap.ReceivedAt = e.now()
	if stored := e.table.Complete(key, entry, snap, snap.ReceivedAt); stored {
		e.log.Debug().Str("key", key).Time("expires", entry.ExpireAt).Msg("Stored response")
	} else {
		e.log.Debug().Str("key", key).Int("status", snap.StatusCode).Msg("Response not stored")
	}
}

func (e *Engine) fetch(req *http.Request) (*http.Response, error) {
	metrics.UpstreamFetches.Inc()
	return e.transport.RoundTrip(req)
}

// escapeHatch sends the request upstream, bypassing the cache entirely.
func (e *Engine) escapeHatch(req *http.Request) (*http.Response, error) {
	if req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			req = withReader(req, body)
		}
	}
	return e.fetch(req)
}

func (e *Engine) recordSweep(n int) {
	metrics.Sweeps.Inc()
	metrics.SweptEntries.Add(float64(n))
	e.log.Debug().Int("removed", n).Msg("Swept expired entries")
}

// observe adds the Cache-Status header to res and records the decision.
func (e *Engine) observe(req *http.Request, key, outcome string, status *rfc9211.CacheStatus, res *http.Response, err error, start time.Time) {
	metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	rec := journal.Record{
		Time:    start,
		Key:     key,
		Method:  req.Method,
		URL:     req.URL.String(),
		Outcome: outcome,
	}
	rec.Duration = e.now().Sub(start)
	evt := e.log.Debug()
	if err != nil {
		rec.Error = err.Error()
		evt = evt.Err(err)
	}
	if res != nil {
		rec.Status = res.StatusCode
		if status != nil {
			if res.Header == nil {
				res.Header = make(http.Header)
			}
			status.Apply(res.Header)
		}
		evt = evt.Int("status", res.StatusCode)
	}
	if status != nil {
		evt = evt.Str("cacheStatus", status.String())
	}
	evt.Str("method", req.Method).Str("url", rec.URL).Str("key", key).Str("outcome", outcome).Dur("duration", rec.Duration).Msg("Handled request")
	if e.journal != nil {
		e.journal.Record(rec)
	}
}

// replayable returns a clone of req whose body can be read again via GetBody,
// together with the body bytes. req.Body is consumed and closed.
func replayable(req *http.Request) (*http.Request, []byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil, nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return req, nil, err
	}
	clone := req.Clone(req.Context())
	clone.ContentLength = int64(len(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	clone.Body, _ = clone.GetBody()
	return clone, body, nil
}

// withBody returns a shallow clone of req with its own reader over body.
func withBody(req *http.Request, body []byte) *http.Request {
	if body == nil {
		return withReader(req, http.NoBody)
	}
	return withReader(req, io.NopCloser(bytes.NewReader(body)))
}

func withReader(req *http.Request, body io.ReadCloser) *http.Request {
	clone := *req
	clone.Body = body
	return &clone
}

func unwrapRejected(err error) error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !errors.Is(e, cache.ErrRejected) {
				return e
			}
		}
	}
	return err
}
