package prefetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// InitTimeout bounds the init leg of the handshake.
const InitTimeout = 3 * time.Second

var ErrInitFailed = errors.New("worker initialization failed")

// SendInit sends PREFETCH_INIT with patch to the message endpoint of a
// worker and waits for the reply.
// A PREFETCH_INIT_ERROR reply is returned together with an error wrapping ErrInitFailed.
func SendInit(ctx context.Context, endpoint string, patch SettingsPatch) (Message, error) {
	if patch.ApiMatcher == nil {
		patch.ApiMatcher = ptrTo(DefaultSettings().ApiMatcher)
	}
	reply, err := SendMessage(ctx, http.DefaultClient, endpoint, Message{
		Type:   MessageInit,
		Config: &patch,
	})
	if err != nil {
		return reply, err
	}
	switch reply.Type {
	case MessageInitSuccess:
		return reply, nil
	case MessageInitError:
		return reply, fmt.Errorf("%w: %s", ErrInitFailed, reply.Error)
	default:
		return reply, fmt.Errorf("%w: unexpected reply %q", ErrInitFailed, reply.Type)
	}
}

// Probe asks whether endpoint belongs to a prefetch worker and returns its state.
func Probe(ctx context.Context, endpoint string) (State, error) {
	reply, err := SendMessage(ctx, http.DefaultClient, endpoint, Message{Type: MessageProbe})
	if err != nil {
		return Uninitialized, err
	}
	if reply.Type != MessageProbeAck || reply.State == nil {
		return Uninitialized, fmt.Errorf("not a prefetch worker: reply %q", reply.Type)
	}
	return *reply.State, nil
}

// SendMessage posts msg to endpoint and decodes the reply.
// A callback id is assigned if msg has none, and the reply must echo it.
// The exchange is bounded by InitTimeout.
func SendMessage(ctx context.Context, client *http.Client, endpoint string, msg Message) (Message, error) {
	var reply Message
	if msg.CallbackID == "" {
		msg.CallbackID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	body, err := json.Marshal(msg)
	if err != nil {
		return reply, fmt.Errorf("encoding message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return reply, fmt.Errorf("creating message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return reply, fmt.Errorf("sending %s: %w", msg.Type, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return reply, fmt.Errorf("reading reply: %w", err)
	}
	if err := json.Unmarshal(b, &reply); err != nil {
		return reply, fmt.Errorf("decoding reply (status %d): %w", res.StatusCode, err)
	}
	if reply.CallbackID != msg.CallbackID {
		return reply, fmt.Errorf("reply callback id %q does not match %q", reply.CallbackID, msg.CallbackID)
	}
	return reply, nil
}

func ptrTo[T any](v T) *T {
	return &v
}
