package bus

import (
	"context"
	"time"
)

// InboundMessage is a normalized message arriving from a channel.
type InboundMessage struct {
	Channel    string
	SenderID   string
	ChatID     string
	Content    string
	SessionKey string
	Metadata   map[string]string
	ReceivedAt time.Time
}

// OutboundMessage is a reply routed back to a channel.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	Metadata map[string]string
}

type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, 256),
		outbound: make(chan OutboundMessage, 256),
	}
}

// PublishInbound enqueues a message for the dispatcher. It never blocks the
// caller's connection loop; when the queue is full the message is dropped and
// the caller is expected to have logged it already.
func (b *MessageBus) PublishInbound(msg InboundMessage) bool {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	select {
	case b.inbound <- msg:
		return true
	default:
		return false
	}
}

func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

func (b *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	select {
	case b.outbound <- msg:
		return true
	default:
		return false
	}
}

func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

func (b *MessageBus) InboundDepth() int  { return len(b.inbound) }
func (b *MessageBus) OutboundDepth() int { return len(b.outbound) }
