package prefetch

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/always-cache/prefetch-worker/internal/journal"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// ControlPrefix is the path prefix of the worker's own endpoints.
// Requests below it are never forwarded.
const ControlPrefix = "/__prefetch"

// MessagePath receives handshake messages.
const MessagePath = ControlPrefix + "/message"

type WorkerConfig struct {
	// URL of the origin server.
	// Origins with paths are not supported.
	Origin url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport to the origin. A default transport is used if nil.
	Transport http.RoundTripper
	// Settings applied when no configuration arrives in time, and that
	// PREFETCH_INIT patches are merged over.
	Defaults Settings
	// Time to wait for configuration after Install. DefaultGrace if zero.
	Grace time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional journal of engine decisions, served on the control surface.
	Journal *journal.Journal
	// Clock for the engine. time.Now if nil.
	Now func() time.Time
}

// Worker is a caching proxy in front of an origin.
// Every request it receives is a fetch event: it is either forwarded
// untouched or answered by the cache engine.
type Worker struct {
	upstream *Upstream
	bridge   *Bridge
	engine   atomic.Pointer[Engine]
	active   atomic.Bool
	journal  *journal.Journal
	log      zerolog.Logger
	now      func() time.Time
	control  http.Handler
	defaults Settings
}

func NewWorker(config WorkerConfig) *Worker {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.Origin.String()).
		Logger()

	w := &Worker{
		upstream: NewUpstream(config.Origin, config.OriginHost, config.Transport),
		journal:  config.Journal,
		log:      logger,
		now:      config.Now,
		defaults: config.Defaults,
	}
	w.bridge = NewBridge(BridgeConfig{
		Defaults:     config.Defaults,
		Grace:        config.Grace,
		Logger:       &logger,
		OnConfigured: w.configure,
		OnUnregister: w.unregister,
	})
	w.control = w.controlRouter()
	return w
}

// Install starts the handshake. With autoSkipWaiting in the defaults the
// worker activates right away, otherwise it waits for Activate.
func (w *Worker) Install() {
	w.bridge.Install()
	if w.defaults.AutoSkipWaiting {
		w.Activate()
	}
}

// Activate lets the worker intercept requests.
func (w *Worker) Activate() {
	if w.bridge.State() == Unregistered {
		return
	}
	if !w.active.Swap(true) {
		w.log.Info().Msg("Activated")
	}
}

func (w *Worker) Active() bool {
	return w.active.Load()
}

func (w *Worker) State() State {
	return w.bridge.State()
}

// Engine returns the cache engine once the worker is configured.
func (w *Worker) Engine() *Engine {
	return w.engine.Load()
}

// Message is the message hook.
func (w *Worker) Message(msg Message) Message {
	return w.bridge.Handle(msg)
}

// Close stops the handshake timer.
func (w *Worker) Close() {
	w.bridge.Stop()
}

func (w *Worker) configure(settings *CompiledSettings) error {
	engine, err := NewEngine(EngineConfig{
		Settings:  settings,
		Transport: w.upstream,
		Logger:    &w.log,
		Now:       w.now,
		Journal:   w.recorder(),
	})
	if err != nil {
		return err
	}
	w.engine.Store(engine)
	if settings.Settings().AutoSkipWaiting {
		w.active.Store(true)
	}
	return nil
}

func (w *Worker) unregister(reason error) {
	w.active.Store(false)
	w.engine.Store(nil)
	w.log.Warn().Err(reason).Msg("Unregistered, passing all requests through")
}

func (w *Worker) recorder() Recorder {
	if w.journal == nil {
		return nil
	}
	return w.journal
}

// RoundTrip is the fetch hook for a request that is already addressed
// to the worker.
func (w *Worker) RoundTrip(r *http.Request) (*http.Response, error) {
	engine := w.engine.Load()
	if !w.active.Load() || engine == nil {
		return w.upstream.RoundTrip(r)
	}
	if Classify(r, engine.Settings()) == PassThrough {
		return w.upstream.RoundTrip(r)
	}
	return engine.Handle(r)
}

// ServeHTTP serves the control surface under ControlPrefix and runs the
// fetch hook for everything else.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path == ControlPrefix || strings.HasPrefix(r.URL.Path, ControlPrefix+"/") {
		w.control.ServeHTTP(rw, r)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	if u, err := url.Parse(requestURL(r)); err == nil {
		out.URL = u
	}
	res, err := w.RoundTrip(out)
	if err != nil {
		w.log.Error().Err(err).Str("url", out.URL.String()).Msg("Error connecting to origin")
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	send(rw, res, w.log)
}

func (w *Worker) controlRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(w.log))
	r.Use(hlog.RequestIDHandler("reqId", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Control request")
	}))

	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/message", w.handleMessage)
		r.Get("/status", w.handleStatus)
		r.Get("/journal", w.handleJournal)
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/health", func(rw http.ResponseWriter, r *http.Request) {
			writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
		})
	})
	return r
}

func (w *Worker) handleMessage(rw http.ResponseWriter, r *http.Request) {
	var msg Message
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err == nil {
		err = json.Unmarshal(b, &msg)
	}
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, Message{Type: MessageError, Error: "invalid message: " + err.Error()})
		return
	}
	reply := w.Message(msg)
	status := http.StatusOK
	switch reply.Type {
	case MessageInitError:
		status = http.StatusUnprocessableEntity
	case MessageError:
		status = http.StatusBadRequest
	}
	writeJSON(rw, status, reply)
}

type statusResponse struct {
	State     State     `json:"state"`
	Active    bool      `json:"active"`
	Settings  *Settings `json:"settings,omitempty"`
	CacheSize int       `json:"cacheSize"`
	Error     string    `json:"error,omitempty"`
}

func (w *Worker) handleStatus(rw http.ResponseWriter, r *http.Request) {
	status := statusResponse{
		State:  w.State(),
		Active: w.Active(),
	}
	if engine := w.Engine(); engine != nil {
		settings := engine.Settings().Settings()
		status.Settings = &settings
		status.CacheSize = engine.Len()
	}
	if err := w.bridge.Err(); err != nil {
		status.Error = err.Error()
	}
	writeJSON(rw, http.StatusOK, status)
}

func (w *Worker) handleJournal(rw http.ResponseWriter, r *http.Request) {
	if w.journal == nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "journal disabled"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := w.journal.Recent(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not read journal")
		writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, records)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
