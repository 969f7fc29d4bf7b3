package prefetch

import (
	"fmt"
	"sync"
	"time"

	"github.com/always-cache/prefetch-worker/internal/metrics"

	"github.com/rs/zerolog"
)

// State of the configuration handshake.
type State int

const (
	Uninitialized State = iota
	AwaitingConfig
	Configured
	// Terminal. The worker passes every request through.
	Unregistered
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case AwaitingConfig:
		return "awaiting-config"
	case Configured:
		return "configured"
	case Unregistered:
		return "unregistered"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{Uninitialized, AwaitingConfig, Configured, Unregistered} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

type MessageType string

const (
	MessageInit        MessageType = "PREFETCH_INIT"
	MessageInitSuccess MessageType = "PREFETCH_INIT_SUCCESS"
	MessageInitError   MessageType = "PREFETCH_INIT_ERROR"
	MessageProbe       MessageType = "prefetch:is-prefetch-worker"
	MessageProbeAck    MessageType = "prefetch:is-prefetch-worker-ack"
	MessageError       MessageType = "PREFETCH_ERROR"
)

// DefaultGrace is how long an installed worker waits for PREFETCH_INIT
// before it applies the default settings.
const DefaultGrace = time.Second

// Message is the envelope exchanged between a page and the worker.
type Message struct {
	Type       MessageType `json:"type"`
	CallbackID string      `json:"callbackId,omitempty"`
	// Settings sent with PREFETCH_INIT.
	Config *SettingsPatch `json:"config,omitempty"`
	// Settings in effect, sent with PREFETCH_INIT_SUCCESS.
	EffectiveConfig *Settings `json:"effectiveConfig,omitempty"`
	Message         string    `json:"message,omitempty"`
	Error           string    `json:"error,omitempty"`
	State           *State    `json:"state,omitempty"`
}

type BridgeConfig struct {
	// Settings that PREFETCH_INIT patches are merged over.
	Defaults Settings
	// Time to wait for configuration after Install. DefaultGrace if zero.
	Grace time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Called once with the settings that take effect, while the bridge
	// is locked. An error is handled like invalid settings.
	OnConfigured func(*CompiledSettings) error
	// Called once when the bridge gives up and unregisters.
	OnUnregister func(reason error)
}

// Bridge runs the configuration handshake.
// Settings are applied at most once; later PREFETCH_INIT messages only get
// the effective settings echoed back.
type Bridge struct {
	mutex        sync.Mutex
	state        State
	defaults     Settings
	grace        time.Duration
	timer        *time.Timer
	effective    *CompiledSettings
	reason       error
	log          zerolog.Logger
	onConfigured func(*CompiledSettings) error
	onUnregister func(error)
}

func NewBridge(config BridgeConfig) *Bridge {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.Grace <= 0 {
		config.Grace = DefaultGrace
	}
	return &Bridge{
		state:        Uninitialized,
		defaults:     config.Defaults,
		grace:        config.Grace,
		log:          logger.With().Str("component", "handshake").Logger(),
		onConfigured: config.OnConfigured,
		onUnregister: config.OnUnregister,
	}
}

// Install moves an uninitialized bridge to AwaitingConfig and arms the
// grace timer. It does nothing in any other state.
func (b *Bridge) Install() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.state != Uninitialized {
		return
	}
	b.state = AwaitingConfig
	b.timer = time.AfterFunc(b.grace, b.applyDefaults)
	b.log.Debug().Dur("grace", b.grace).Msg("Waiting for configuration")
}

// Stop disarms the grace timer.
func (b *Bridge) Stop() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.stopTimer()
}

func (b *Bridge) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// Settings returns the effective settings once configured.
func (b *Bridge) Settings() (*CompiledSettings, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.effective, b.effective != nil
}

// Err returns why the bridge unregistered, if it did.
func (b *Bridge) Err() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.reason
}

// Handle answers one message.
func (b *Bridge) Handle(msg Message) Message {
	switch msg.Type {
	case MessageInit:
		return b.init(msg)
	case MessageProbe:
		state := b.State()
		return Message{Type: MessageProbeAck, CallbackID: msg.CallbackID, State: &state}
	default:
		b.log.Warn().Str("type", string(msg.Type)).Msg("Unknown message")
		return Message{
			Type:       MessageError,
			CallbackID: msg.CallbackID,
			Error:      fmt.Sprintf("%v: %q", ErrUnknownMessage, msg.Type),
		}
	}
}

func (b *Bridge) init(msg Message) Message {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch b.state {
	case Configured:
		metrics.Handshakes.WithLabelValues("already").Inc()
		settings := b.effective.Settings()
		return Message{
			Type:            MessageInitSuccess,
			CallbackID:      msg.CallbackID,
			EffectiveConfig: &settings,
			Message:         "Already initialized",
		}
	case Unregistered:
		metrics.Handshakes.WithLabelValues("error").Inc()
		return Message{Type: MessageInitError, CallbackID: msg.CallbackID, Error: ErrUnregistered.Error()}
	}

	settings := b.defaults
	if msg.Config != nil {
		settings = settings.Merge(*msg.Config)
	}
	if err := b.configure(settings); err != nil {
		metrics.Handshakes.WithLabelValues("error").Inc()
		return Message{Type: MessageInitError, CallbackID: msg.CallbackID, Error: err.Error()}
	}
	metrics.Handshakes.WithLabelValues("success").Inc()
	effective := b.effective.Settings()
	return Message{
		Type:            MessageInitSuccess,
		CallbackID:      msg.CallbackID,
		EffectiveConfig: &effective,
		Message:         "Initialized successfully",
	}
}

func (b *Bridge) applyDefaults() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.state != AwaitingConfig {
		return
	}
	b.log.Info().Msg("No configuration received, applying defaults")
	if err := b.configure(b.defaults); err != nil {
		metrics.Handshakes.WithLabelValues("error").Inc()
		return
	}
	metrics.Handshakes.WithLabelValues("timeout").Inc()
}

// configure compiles and applies settings. It must be called with the lock held.
// On failure the bridge unregisters.
func (b *Bridge) configure(settings Settings) error {
	b.stopTimer()
	compiled, err := settings.Compile()
	if err == nil && b.onConfigured != nil {
		err = b.onConfigured(compiled)
	}
	if err != nil {
		b.log.Error().Err(err).Msg("Configuration failed, unregistering")
		b.state = Unregistered
		b.reason = err
		if b.onUnregister != nil {
			b.onUnregister(err)
		}
		return err
	}
	b.effective = compiled
	b.state = Configured
	b.log.Info().
		Str("apiMatcher", settings.ApiMatcher).
		Int64("defaultExpireTime", settings.DefaultExpireTime).
		Int("maxCacheSize", settings.MaxCacheSize).
		Msg("Configured")
	return nil
}

func (b *Bridge) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

