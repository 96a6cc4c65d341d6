package channels

import (
	"strings"
	"sync"

	"imbridge/pkg/bus"
	"imbridge/pkg/logger"
)

// BaseChannel carries the pieces every channel shares: the bus handoff and
// the DM/group allow policy. Policy decisions are identical across channels;
// only the transports differ.
type BaseChannel struct {
	name        string
	bus         *bus.MessageBus
	allowFrom   []string
	allowGroups []string

	runningMu sync.RWMutex
	running   bool
}

func NewBaseChannel(name string, messageBus *bus.MessageBus, allowFrom []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       messageBus,
		allowFrom: allowFrom,
	}
}

func (b *BaseChannel) Name() string { return b.name }

func (b *BaseChannel) SetAllowGroups(groups []string) {
	b.allowGroups = groups
}

func (b *BaseChannel) setRunning(v bool) {
	b.runningMu.Lock()
	b.running = v
	b.runningMu.Unlock()
}

func (b *BaseChannel) IsRunning() bool {
	b.runningMu.RLock()
	defer b.runningMu.RUnlock()
	return b.running
}

// IsAllowed reports whether a direct-message sender passes the allow policy.
// An empty allow-list admits everyone.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	senderID = strings.TrimSpace(senderID)
	for _, allowed := range b.allowFrom {
		if strings.TrimSpace(allowed) == senderID {
			return true
		}
	}
	return false
}

// IsGroupAllowed reports whether a group passes the group allow policy.
// Entries may carry a "group:" prefix which is normalized away.
func (b *BaseChannel) IsGroupAllowed(groupID string) bool {
	if len(b.allowGroups) == 0 {
		return true
	}
	for _, allowed := range b.allowGroups {
		normalized := strings.TrimSpace(strings.TrimPrefix(allowed, "group:"))
		if normalized == groupID {
			return true
		}
	}
	return false
}

// HandleMessage publishes a normalized inbound message to the bus. It never
// blocks: a full queue drops the message with a log line so a slow dispatcher
// cannot stall a connection loop.
func (b *BaseChannel) HandleMessage(senderID, chatID, content string, metadata map[string]string) {
	msg := bus.InboundMessage{
		Channel:    b.name,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		SessionKey: b.name + ":" + chatID,
		Metadata:   metadata,
	}

	if !b.bus.PublishInbound(msg) {
		logger.WarnCF(b.name, "Inbound queue full, dropping message", map[string]interface{}{
			"chat_id": chatID,
			"sender":  senderID,
		})
	}
}
