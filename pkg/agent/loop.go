// imbridge - IM platform connection gateway
// License: MIT
//
// Copyright (c) 2026 imbridge contributors

package agent

import (
	"context"
	"fmt"
	"time"

	"imbridge/pkg/bus"
	"imbridge/pkg/logger"
	"imbridge/pkg/utils"
)

const (
	defaultProcessTimeout = 120 * time.Second
	defaultMaxInFlight    = 8
)

// Runtime is the host-provided message processor. The gateway owns
// connections and message plumbing; what happens to a message is the host's
// business.
type Runtime interface {
	Process(ctx context.Context, msg bus.InboundMessage) (string, error)
}

// StreamingRuntime is an optional capability: hosts that can produce partial
// output implement it and chunks reach the channel as they appear. Detected
// by interface assertion, absence degrades to Process.
type StreamingRuntime interface {
	Runtime
	ProcessStream(ctx context.Context, msg bus.InboundMessage, onChunk func(chunk string)) error
}

// RuntimeFunc adapts a plain function to Runtime.
type RuntimeFunc func(ctx context.Context, msg bus.InboundMessage) (string, error)

func (f RuntimeFunc) Process(ctx context.Context, msg bus.InboundMessage) (string, error) {
	return f(ctx, msg)
}

// Dispatcher consumes the inbound bus and runs the runtime detached per
// message, so one slow conversation never stalls the others. Replies go back
// through the outbound bus keyed by the origin channel.
type Dispatcher struct {
	bus     *bus.MessageBus
	runtime Runtime

	timeout time.Duration
	sem     chan struct{}
}

func NewDispatcher(msgBus *bus.MessageBus, runtime Runtime) *Dispatcher {
	return &Dispatcher{
		bus:     msgBus,
		runtime: runtime,
		timeout: defaultProcessTimeout,
		sem:     make(chan struct{}, defaultMaxInFlight),
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	logger.InfoC("agent", "Dispatcher started")

	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				logger.InfoC("agent", "Dispatcher stopped")
				return nil
			}
			continue
		}

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		go func(msg bus.InboundMessage) {
			defer func() { <-d.sem }()
			d.dispatch(ctx, msg)
		}(msg)
	}
}

func (d *Dispatcher) dispatch(parent context.Context, msg bus.InboundMessage) {
	preview := utils.Truncate(msg.Content, 80)
	logger.InfoCF("agent", fmt.Sprintf("Processing message from %s:%s: %s", msg.Channel, msg.SenderID, preview),
		map[string]interface{}{
			"channel":     msg.Channel,
			"chat_id":     msg.ChatID,
			"session_key": msg.SessionKey,
		})

	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	if sr, ok := d.runtime.(StreamingRuntime); ok && msg.Metadata["stream_id"] != "" {
		d.dispatchStreaming(ctx, sr, msg)
		return
	}

	reply, err := d.runtime.Process(ctx, msg)
	if err != nil {
		logger.ErrorCF("agent", "Runtime error", map[string]interface{}{
			"channel":     msg.Channel,
			"session_key": msg.SessionKey,
			"error":       err.Error(),
		})
		d.publishError(msg, err)
		return
	}
	if reply == "" {
		return
	}

	d.publish(msg, reply, map[string]string{"final": "true"})
}

// dispatchStreaming forwards each chunk as its own outbound message and closes
// the stream with a final (or error) frame.
func (d *Dispatcher) dispatchStreaming(ctx context.Context, sr StreamingRuntime, msg bus.InboundMessage) {
	err := sr.ProcessStream(ctx, msg, func(chunk string) {
		if chunk != "" {
			d.publish(msg, chunk, nil)
		}
	})
	if err != nil {
		logger.ErrorCF("agent", "Streaming runtime error", map[string]interface{}{
			"channel":     msg.Channel,
			"session_key": msg.SessionKey,
			"error":       err.Error(),
		})
		d.publishError(msg, err)
		return
	}
	d.publish(msg, "", map[string]string{"final": "true"})
}

func (d *Dispatcher) publish(msg bus.InboundMessage, content string, extra map[string]string) {
	metadata := make(map[string]string, len(msg.Metadata)+len(extra))
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	for k, v := range extra {
		metadata[k] = v
	}

	if !d.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  content,
		Metadata: metadata,
	}) {
		logger.WarnCF("agent", "Outbound queue full, dropping reply", map[string]interface{}{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
		})
	}
}

// publishError surfaces a runtime failure to the user. Stream-capable origins
// get it as terminal stream content; everyone else gets plain reply text.
func (d *Dispatcher) publishError(msg bus.InboundMessage, err error) {
	if msg.Metadata["stream_id"] != "" {
		d.publish(msg, "", map[string]string{"error": err.Error()})
		return
	}
	d.publish(msg, fmt.Sprintf("Error processing message: %v", err), map[string]string{"final": "true"})
}
