package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"

	"imbridge/pkg/config"
	"imbridge/pkg/logger"
)

// streamTransport is the slice of the DingTalk stream client the supervisor
// needs. The SDK never emits an explicit "registration confirmed" event, so
// the watchdog reads booleans instead of subscribing; a fake implementation
// drives the state-machine tests.
type streamTransport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Registered() bool
	Close() error
}

type streamFrameHandler func(ctx context.Context, data *chatbot.BotCallbackDataModel)

// sdkStreamTransport adapts the official stream SDK client. Connected flips
// on Start/Close; Registered flips on the first delivered callback frame,
// since inbound traffic is the only registration signal the SDK exposes.
type sdkStreamTransport struct {
	cli *client.StreamClient

	mu         sync.RWMutex
	connected  bool
	registered bool
}

func newSDKStreamTransport(cfg config.DingTalkConfig, onFrame streamFrameHandler, onAckFail func()) (streamTransport, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	clientSecret := strings.TrimSpace(cfg.ClientSecret)
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("dingtalk client_id/client_secret not configured")
	}

	t := &sdkStreamTransport{}

	cli := client.NewStreamClient(
		client.WithAppCredential(client.NewAppCredentialConfig(clientID, clientSecret)),
	)
	cli.RegisterChatBotCallbackRouter(func(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
		t.markRegistered()

		// The returned payload is the ACK. Frame handling must never turn
		// into a NACK: the platform would redeliver and the dedup cache
		// already guards the processing side.
		defer func() {
			if r := recover(); r != nil {
				onAckFail()
				logger.ErrorCF("dingtalk", "Frame handler panicked", map[string]interface{}{
					"panic": fmt.Sprintf("%v", r),
				})
			}
		}()
		onFrame(ctx, data)
		return []byte(""), nil
	})

	t.cli = cli
	return t, nil
}

func (t *sdkStreamTransport) Connect(ctx context.Context) error {
	if err := t.cli.Start(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *sdkStreamTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *sdkStreamTransport) Registered() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.registered
}

func (t *sdkStreamTransport) markRegistered() {
	t.mu.Lock()
	t.registered = true
	t.connected = true
	t.mu.Unlock()
}

func (t *sdkStreamTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.registered = false
	t.mu.Unlock()
	t.cli.Close()
	return nil
}
