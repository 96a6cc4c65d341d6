package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"imbridge/pkg/bus"
)

type streamingEcho struct{}

func (streamingEcho) Process(ctx context.Context, msg bus.InboundMessage) (string, error) {
	return "echo: " + msg.Content, nil
}

func (streamingEcho) ProcessStream(ctx context.Context, msg bus.InboundMessage, onChunk func(string)) error {
	onChunk("part-1")
	onChunk("part-2")
	return nil
}

func runDispatcher(t *testing.T, msgBus *bus.MessageBus, runtime Runtime) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(msgBus, runtime)
	go d.Run(ctx)
	return cancel
}

func consumeOutbound(t *testing.T, msgBus *bus.MessageBus) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := msgBus.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("no outbound message within deadline")
	}
	return msg
}

func TestDispatcher_PlainReply(t *testing.T) {
	msgBus := bus.NewMessageBus()
	cancel := runDispatcher(t, msgBus, RuntimeFunc(func(ctx context.Context, msg bus.InboundMessage) (string, error) {
		return "pong", nil
	}))
	defer cancel()

	msgBus.PublishInbound(bus.InboundMessage{
		Channel: "dingtalk",
		ChatID:  "cid-1",
		Content: "ping",
	})

	out := consumeOutbound(t, msgBus)
	if out.Channel != "dingtalk" || out.ChatID != "cid-1" || out.Content != "pong" {
		t.Fatalf("unexpected outbound: %+v", out)
	}
	if out.Metadata["final"] != "true" {
		t.Fatalf("final flag missing: %+v", out.Metadata)
	}
}

func TestDispatcher_ErrorBecomesReplyText(t *testing.T) {
	msgBus := bus.NewMessageBus()
	cancel := runDispatcher(t, msgBus, RuntimeFunc(func(ctx context.Context, msg bus.InboundMessage) (string, error) {
		return "", errors.New("model unavailable")
	}))
	defer cancel()

	msgBus.PublishInbound(bus.InboundMessage{Channel: "qq", ChatID: "c-1", Content: "hi"})

	out := consumeOutbound(t, msgBus)
	if !strings.Contains(out.Content, "model unavailable") {
		t.Fatalf("error not surfaced: %q", out.Content)
	}
}

func TestDispatcher_StreamErrorGoesToMetadata(t *testing.T) {
	msgBus := bus.NewMessageBus()
	cancel := runDispatcher(t, msgBus, streamingErr{})
	defer cancel()

	msgBus.PublishInbound(bus.InboundMessage{
		Channel:  "wecom",
		ChatID:   "u-1",
		Content:  "hi",
		Metadata: map[string]string{"stream_id": "s-1"},
	})

	out := consumeOutbound(t, msgBus)
	if out.Metadata["error"] == "" {
		t.Fatalf("stream error should ride metadata: %+v", out)
	}
	if out.Content != "" {
		t.Fatalf("stream error frame should carry no content: %q", out.Content)
	}
}

type streamingErr struct{}

func (streamingErr) Process(ctx context.Context, msg bus.InboundMessage) (string, error) {
	return "", errors.New("unused")
}

func (streamingErr) ProcessStream(ctx context.Context, msg bus.InboundMessage, onChunk func(string)) error {
	return errors.New("upstream timeout")
}

func TestDispatcher_StreamingChunksThenFinal(t *testing.T) {
	msgBus := bus.NewMessageBus()
	cancel := runDispatcher(t, msgBus, streamingEcho{})
	defer cancel()

	msgBus.PublishInbound(bus.InboundMessage{
		Channel:  "wecom",
		ChatID:   "u-1",
		Content:  "question",
		Metadata: map[string]string{"stream_id": "s-9"},
	})

	first := consumeOutbound(t, msgBus)
	second := consumeOutbound(t, msgBus)
	final := consumeOutbound(t, msgBus)

	if first.Content != "part-1" || second.Content != "part-2" {
		t.Fatalf("chunks out of order: %q, %q", first.Content, second.Content)
	}
	if first.Metadata["stream_id"] != "s-9" {
		t.Fatalf("stream id not carried through: %+v", first.Metadata)
	}
	if final.Metadata["final"] != "true" || final.Content != "" {
		t.Fatalf("unexpected final frame: %+v", final)
	}
}

func TestDispatcher_StreamIDWithoutCapabilityFallsBack(t *testing.T) {
	msgBus := bus.NewMessageBus()
	cancel := runDispatcher(t, msgBus, RuntimeFunc(func(ctx context.Context, msg bus.InboundMessage) (string, error) {
		return "whole answer", nil
	}))
	defer cancel()

	msgBus.PublishInbound(bus.InboundMessage{
		Channel:  "wecom",
		ChatID:   "u-1",
		Content:  "question",
		Metadata: map[string]string{"stream_id": "s-2"},
	})

	out := consumeOutbound(t, msgBus)
	if out.Content != "whole answer" || out.Metadata["final"] != "true" {
		t.Fatalf("fallback reply wrong: %+v", out)
	}
	if out.Metadata["stream_id"] != "s-2" {
		t.Fatal("stream id must survive the fallback path")
	}
}
