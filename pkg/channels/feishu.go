package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"imbridge/pkg/bus"
	"imbridge/pkg/config"
	"imbridge/pkg/dedup"
	"imbridge/pkg/logger"
)

const (
	feishuDedupTTL  = 60 * time.Second
	feishuDedupSize = 2048
)

// FeishuChannel rides the SDK's long connection; the SDK owns reconnection,
// so unlike the other channels there is no supervisor loop here.
type FeishuChannel struct {
	*BaseChannel
	config config.FeishuConfig
	dedup  *dedup.Cache
	client *lark.Client

	cancel context.CancelFunc
}

func NewFeishuChannel(cfg config.FeishuConfig, messageBus *bus.MessageBus) (*FeishuChannel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("Feishu app_id/app_secret not configured")
	}

	return &FeishuChannel{
		BaseChannel: NewBaseChannel("feishu", messageBus, cfg.AllowFrom),
		config:      cfg,
		dedup:       dedup.New(feishuDedupTTL, feishuDedupSize),
		client:      lark.NewClient(cfg.AppID, cfg.AppSecret),
	}, nil
}

func (c *FeishuChannel) Start(ctx context.Context) error {
	logger.InfoCF("feishu", "Starting Feishu channel", map[string]interface{}{
		"app_id": c.config.AppID,
	})

	handler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			c.onMessage(event)
			return nil
		})

	wsClient := larkws.NewClient(c.config.AppID, c.config.AppSecret,
		larkws.WithEventHandler(handler),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go func() {
		if err := wsClient.Start(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("feishu", "Long connection terminated", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	c.setRunning(true)
	return nil
}

func (c *FeishuChannel) Stop(ctx context.Context) error {
	logger.InfoC("feishu", "Stopping Feishu channel")
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *FeishuChannel) onMessage(event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return
	}
	msg := event.Event.Message

	msgID := strVal(msg.MessageId)
	if c.dedup.Seen(msgID) {
		return
	}
	if strVal(msg.MessageType) != "text" {
		return
	}

	var senderID string
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		senderID = strVal(event.Event.Sender.SenderId.OpenId)
	}
	if senderID == "" || !c.IsAllowed(senderID) {
		return
	}

	chatType := strVal(msg.ChatType)
	if chatType == "group" && len(msg.Mentions) == 0 {
		return
	}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(strVal(msg.Content)), &body); err != nil {
		logger.DebugCF("feishu", "Undecodable message content", map[string]interface{}{
			"msg_id": msgID,
		})
		return
	}
	content := stripFeishuMentions(body.Text)
	if content == "" {
		return
	}

	metadata := map[string]string{
		"message_id": msgID,
		"chat_type":  chatType,
	}

	logger.InfoCF("feishu", "Received message", map[string]interface{}{
		"sender":    senderID,
		"chat_type": chatType,
	})

	c.HandleMessage(senderID, strVal(msg.ChatId), content, metadata)
}

// stripFeishuMentions removes the @_user_N placeholders the platform
// substitutes for mentions inside text content.
func stripFeishuMentions(text string) string {
	words := strings.Fields(text)
	kept := words[:0]
	for _, w := range words {
		if strings.HasPrefix(w, "@_user_") {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

func (c *FeishuChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	content, err := json.Marshal(map[string]string{"text": msg.Content})
	if err != nil {
		return err
	}

	resp, err := c.client.Im.Message.Create(ctx, larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(msg.ChatID).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build())
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("send message failed: %d %s", resp.Code, resp.Msg)
	}
	return nil
}

func (c *FeishuChannel) Status() map[string]interface{} {
	return map[string]interface{}{
		"active":     c.IsRunning(),
		"dedup_hits": c.dedup.Hits(),
	}
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
