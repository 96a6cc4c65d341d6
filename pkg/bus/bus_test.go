package bus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := NewMessageBus()

	if !b.PublishInbound(InboundMessage{Channel: "dingtalk", ChatID: "c-1", Content: "hi"}) {
		t.Fatal("publish to empty bus should succeed")
	}
	if got := b.InboundDepth(); got != 1 {
		t.Fatalf("InboundDepth = %d, want 1", got)
	}

	msg, ok := b.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Channel != "dingtalk" || msg.Content != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestPublishInbound_FullQueueDoesNotBlock(t *testing.T) {
	b := NewMessageBus()

	dropped := 0
	for i := 0; i < 256+10; i++ {
		if !b.PublishInbound(InboundMessage{Channel: "qq", Content: fmt.Sprintf("m-%d", i)}) {
			dropped++
		}
	}
	if dropped != 10 {
		t.Fatalf("dropped = %d, want 10", dropped)
	}
}

func TestConsumeInbound_CancelledContext(t *testing.T) {
	b := NewMessageBus()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, ok := b.ConsumeInbound(ctx)
	if ok {
		t.Fatal("empty bus should not yield a message")
	}
	if time.Since(start) > time.Second {
		t.Fatal("consume did not honor context cancellation")
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	b := NewMessageBus()

	b.PublishOutbound(OutboundMessage{
		Channel:  "wecom",
		ChatID:   "u-1",
		Content:  "reply",
		Metadata: map[string]string{"stream_id": "s-1"},
	})

	msg, ok := b.SubscribeOutbound(context.Background())
	if !ok {
		t.Fatal("expected an outbound message")
	}
	if msg.Metadata["stream_id"] != "s-1" {
		t.Fatalf("metadata lost: %+v", msg)
	}
	if got := b.OutboundDepth(); got != 0 {
		t.Fatalf("OutboundDepth = %d, want 0", got)
	}
}
