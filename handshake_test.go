package prefetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBridge(t *testing.T, grace time.Duration, onConfigured func(*CompiledSettings) error) (*Bridge, *atomic.Int32) {
	t.Helper()
	var unregistered atomic.Int32
	logger := zerolog.Nop()
	b := NewBridge(BridgeConfig{
		Defaults:     DefaultSettings(),
		Grace:        grace,
		Logger:       &logger,
		OnConfigured: onConfigured,
		OnUnregister: func(error) { unregistered.Add(1) },
	})
	t.Cleanup(b.Stop)
	return b, &unregistered
}

func TestBridge_InitBeforeGrace(t *testing.T) {
	var configured atomic.Int32
	b, _ := newTestBridge(t, time.Hour, func(*CompiledSettings) error {
		configured.Add(1)
		return nil
	})
	b.Install()
	assert.Equal(t, AwaitingConfig, b.State())

	reply := b.Handle(Message{
		Type:       MessageInit,
		CallbackID: "cb-1",
		Config: &SettingsPatch{
			ApiMatcher:        ptr("/v1/"),
			DefaultExpireTime: ptr[int64](500),
		},
	})
	assert.Equal(t, MessageInitSuccess, reply.Type)
	assert.Equal(t, "cb-1", reply.CallbackID)
	require.NotNil(t, reply.EffectiveConfig)
	assert.Equal(t, "/v1/", reply.EffectiveConfig.ApiMatcher)
	assert.EqualValues(t, 500, reply.EffectiveConfig.DefaultExpireTime)
	assert.Equal(t, 100, reply.EffectiveConfig.MaxCacheSize)
	assert.Equal(t, Configured, b.State())
	assert.EqualValues(t, 1, configured.Load())
}

func TestBridge_InitIsIdempotent(t *testing.T) {
	var configured atomic.Int32
	b, _ := newTestBridge(t, time.Hour, func(*CompiledSettings) error {
		configured.Add(1)
		return nil
	})
	b.Install()
	b.Handle(Message{Type: MessageInit, Config: &SettingsPatch{DefaultExpireTime: ptr[int64](500)}})

	reply := b.Handle(Message{Type: MessageInit, Config: &SettingsPatch{DefaultExpireTime: ptr[int64](9000)}})
	assert.Equal(t, MessageInitSuccess, reply.Type)
	assert.Equal(t, "Already initialized", reply.Message)
	require.NotNil(t, reply.EffectiveConfig)
	assert.EqualValues(t, 500, reply.EffectiveConfig.DefaultExpireTime)
	assert.EqualValues(t, 1, configured.Load())

	settings, ok := b.Settings()
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, settings.DefaultExpire())
}

func TestBridge_InitBeforeInstall(t *testing.T) {
	b, _ := newTestBridge(t, time.Hour, nil)
	reply := b.Handle(Message{Type: MessageInit})
	assert.Equal(t, MessageInitSuccess, reply.Type)
	assert.Equal(t, Configured, b.State())

	// install after configuration does not re-arm the timer
	b.Install()
	assert.Equal(t, Configured, b.State())
}

func TestBridge_GraceAppliesDefaults(t *testing.T) {
	var configured atomic.Int32
	b, _ := newTestBridge(t, 10*time.Millisecond, func(*CompiledSettings) error {
		configured.Add(1)
		return nil
	})
	b.Install()

	require.Eventually(t, func() bool { return b.State() == Configured }, time.Second, 5*time.Millisecond)
	settings, ok := b.Settings()
	require.True(t, ok)
	assert.Equal(t, DefaultSettings(), settings.Settings())

	reply := b.Handle(Message{Type: MessageInit, Config: &SettingsPatch{ApiMatcher: ptr("/late")}})
	assert.Equal(t, "Already initialized", reply.Message)
	assert.Equal(t, "/api", reply.EffectiveConfig.ApiMatcher)
	assert.EqualValues(t, 1, configured.Load())
}

func TestBridge_InvalidSettingsUnregister(t *testing.T) {
	b, unregistered := newTestBridge(t, time.Hour, nil)
	b.Install()

	reply := b.Handle(Message{Type: MessageInit, CallbackID: "cb", Config: &SettingsPatch{ApiMatcher: ptr("(")}})
	assert.Equal(t, MessageInitError, reply.Type)
	assert.Equal(t, "cb", reply.CallbackID)
	assert.Contains(t, reply.Error, "invalid settings")
	assert.Equal(t, Unregistered, b.State())
	assert.True(t, errors.Is(b.Err(), ErrInvalidSettings))
	assert.EqualValues(t, 1, unregistered.Load())

	reply = b.Handle(Message{Type: MessageInit})
	assert.Equal(t, MessageInitError, reply.Type)
	assert.Equal(t, ErrUnregistered.Error(), reply.Error)
	assert.EqualValues(t, 1, unregistered.Load())
}

func TestBridge_ConfigureErrorUnregisters(t *testing.T) {
	b, unregistered := newTestBridge(t, time.Hour, func(*CompiledSettings) error {
		return errors.New("engine failed")
	})
	reply := b.Handle(Message{Type: MessageInit})
	assert.Equal(t, MessageInitError, reply.Type)
	assert.Equal(t, "engine failed", reply.Error)
	assert.Equal(t, Unregistered, b.State())
	assert.EqualValues(t, 1, unregistered.Load())
}

func TestBridge_Probe(t *testing.T) {
	b, _ := newTestBridge(t, time.Hour, nil)
	b.Install()
	reply := b.Handle(Message{Type: MessageProbe, CallbackID: "probe-1"})
	assert.Equal(t, MessageProbeAck, reply.Type)
	assert.Equal(t, "probe-1", reply.CallbackID)
	require.NotNil(t, reply.State)
	assert.Equal(t, AwaitingConfig, *reply.State)
}

func TestBridge_UnknownMessage(t *testing.T) {
	b, _ := newTestBridge(t, time.Hour, nil)
	reply := b.Handle(Message{Type: "PREFETCH_RESET", CallbackID: "x"})
	assert.Equal(t, MessageError, reply.Type)
	assert.Equal(t, "x", reply.CallbackID)
	assert.Contains(t, reply.Error, ErrUnknownMessage.Error())
	assert.Equal(t, Uninitialized, b.State())
}

func TestMessage_JSON(t *testing.T) {
	state := Configured
	b, err := json.Marshal(Message{Type: MessageProbeAck, CallbackID: "1", State: &state})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"prefetch:is-prefetch-worker-ack","callbackId":"1","state":"configured"}`, string(b))

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"PREFETCH_INIT","config":{"apiMatcher":"/v2","maxCacheSize":5}}`), &msg))
	assert.Equal(t, MessageInit, msg.Type)
	require.NotNil(t, msg.Config)
	assert.Equal(t, "/v2", *msg.Config.ApiMatcher)
	assert.Equal(t, 5, *msg.Config.MaxCacheSize)
	assert.Nil(t, msg.Config.DefaultExpireTime)
}

func newHandshakeServer(t *testing.T) (*Worker, string) {
	t.Helper()
	logger := zerolog.Nop()
	origin, _ := url.Parse("http://origin.invalid")
	worker := NewWorker(WorkerConfig{
		Origin:   *origin,
		Defaults: DefaultSettings(),
		Grace:    time.Hour,
		Logger:   &logger,
	})
	t.Cleanup(worker.Close)
	worker.Install()
	server := httptest.NewServer(worker)
	t.Cleanup(server.Close)
	return worker, server.URL + MessagePath
}

func TestSendInit(t *testing.T) {
	worker, endpoint := newHandshakeServer(t)

	reply, err := SendInit(context.Background(), endpoint, SettingsPatch{DefaultExpireTime: ptr[int64](2000)})
	require.NoError(t, err)
	assert.Equal(t, MessageInitSuccess, reply.Type)
	assert.NotEmpty(t, reply.CallbackID)
	assert.EqualValues(t, 2000, reply.EffectiveConfig.DefaultExpireTime)
	assert.Equal(t, Configured, worker.State())

	state, err := Probe(context.Background(), endpoint)
	require.NoError(t, err)
	assert.Equal(t, Configured, state)
}

func TestSendInit_Error(t *testing.T) {
	worker, endpoint := newHandshakeServer(t)

	reply, err := SendInit(context.Background(), endpoint, SettingsPatch{MaxCacheSize: ptr(-1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInitFailed))
	assert.Equal(t, MessageInitError, reply.Type)
	assert.Equal(t, Unregistered, worker.State())
}

func TestSendInit_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := SendInit(ctx, server.URL, SettingsPatch{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
