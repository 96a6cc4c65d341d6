package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"imbridge/pkg/bus"
)

// HTTPRuntime forwards messages to an external processor over HTTP. The
// contract is one POST per message; the processor answers with the reply text.
type HTTPRuntime struct {
	client *resty.Client
	url    string
}

type runtimeRequest struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type runtimeResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
}

func NewHTTPRuntime(url string, timeout time.Duration) *HTTPRuntime {
	if timeout <= 0 {
		timeout = defaultProcessTimeout
	}
	return &HTTPRuntime{
		client: resty.New().SetTimeout(timeout),
		url:    url,
	}
}

func (r *HTTPRuntime) Process(ctx context.Context, msg bus.InboundMessage) (string, error) {
	var result runtimeResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(runtimeRequest{
			Channel:    msg.Channel,
			SenderID:   msg.SenderID,
			ChatID:     msg.ChatID,
			Content:    msg.Content,
			SessionKey: msg.SessionKey,
			Metadata:   msg.Metadata,
		}).
		SetResult(&result).
		Post(r.url)
	if err != nil {
		return "", fmt.Errorf("runtime request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("runtime returned status %d", resp.StatusCode())
	}
	if result.Error != "" {
		return "", fmt.Errorf("runtime error: %s", result.Error)
	}
	return result.Reply, nil
}
