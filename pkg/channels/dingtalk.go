package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"

	"imbridge/pkg/backoff"
	"imbridge/pkg/bus"
	"imbridge/pkg/config"
	"imbridge/pkg/dedup"
	"imbridge/pkg/logger"
)

const (
	dingTalkConnectTimeout    = 30 * time.Second
	dingTalkWatchdogInterval  = 5 * time.Second
	dingTalkRegisterSoftLimit = 30 * time.Second
	dingTalkDisconnectGrace   = 15 * time.Second
	dingTalkDedupTTL          = 60 * time.Second
	dingTalkDedupSize         = 2048
)

type sessionOutcome int

const (
	outcomeStopped sessionOutcome = iota
	outcomeReconnect
)

// streamMonitor is the handle for one active monitor invocation. A second
// StartMonitor call for the same account joins this handle instead of
// spawning a competing supervisor.
type streamMonitor struct {
	accountID string
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	metrics   *sessionMetrics
}

// DingTalkChannel supervises one persistent stream connection per account.
// The outer loop rebuilds the transport after every failed session with
// exponential backoff; the watchdog inside a session detects silent death by
// polling the transport's connected/registered booleans.
type DingTalkChannel struct {
	*BaseChannel
	config config.DingTalkConfig
	dedup  *dedup.Cache
	policy backoff.Exponential

	newTransport func(onFrame streamFrameHandler, onAckFail func()) (streamTransport, error)
	randFloat    func() float64
	nowFunc      func() time.Time
	httpClient   *http.Client

	connectTimeout    time.Duration
	watchdogInterval  time.Duration
	registerSoftLimit time.Duration
	disconnectGrace   time.Duration

	monitorMu sync.Mutex
	monitor   *streamMonitor

	webhookMu sync.Mutex
	webhooks  map[string]sessionWebhook // conversationId -> reply webhook
}

type sessionWebhook struct {
	url       string
	expiresAt time.Time
}

func NewDingTalkChannel(cfg config.DingTalkConfig, messageBus *bus.MessageBus) (*DingTalkChannel, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("DingTalk client_id/client_secret not configured")
	}

	c := &DingTalkChannel{
		BaseChannel: NewBaseChannel("dingtalk", messageBus, cfg.AllowFrom),
		config:      cfg,
		dedup:       dedup.New(dingTalkDedupTTL, dingTalkDedupSize),
		policy:      backoff.DefaultExponential(),
		randFloat:   rand.Float64,
		nowFunc:     time.Now,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		webhooks:    make(map[string]sessionWebhook),

		connectTimeout:    dingTalkConnectTimeout,
		watchdogInterval:  dingTalkWatchdogInterval,
		registerSoftLimit: dingTalkRegisterSoftLimit,
		disconnectGrace:   dingTalkDisconnectGrace,
	}
	c.newTransport = func(onFrame streamFrameHandler, onAckFail func()) (streamTransport, error) {
		return newSDKStreamTransport(cfg, onFrame, onAckFail)
	}
	return c, nil
}

func (c *DingTalkChannel) Start(ctx context.Context) error {
	logger.InfoCF("dingtalk", "Starting DingTalk channel", map[string]interface{}{
		"client_id": c.config.ClientID,
	})

	go func() {
		if err := c.StartMonitor(ctx, c.config.ClientID); err != nil {
			logger.ErrorCF("dingtalk", "Monitor terminated with error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	c.setRunning(true)
	return nil
}

func (c *DingTalkChannel) Stop(ctx context.Context) error {
	logger.InfoC("dingtalk", "Stopping DingTalk channel")
	c.setRunning(false)
	c.StopMonitor()
	return nil
}

// StartMonitor runs the connection supervisor for accountID until the context
// is cancelled or StopMonitor is called. A concurrent call for the same
// account joins the in-flight supervisor and returns its result; a different
// account is an error. Only transport construction failures are fatal.
func (c *DingTalkChannel) StartMonitor(ctx context.Context, accountID string) error {
	c.monitorMu.Lock()
	if m := c.monitor; m != nil {
		c.monitorMu.Unlock()
		if m.accountID != accountID {
			return fmt.Errorf("monitor already active for account %s", m.accountID)
		}
		<-m.done
		return m.err
	}

	mctx, cancel := context.WithCancel(ctx)
	m := &streamMonitor{
		accountID: accountID,
		cancel:    cancel,
		done:      make(chan struct{}),
		metrics:   newSessionMetrics(),
	}
	c.monitor = m
	c.monitorMu.Unlock()

	m.err = c.runMonitor(mctx, m)
	m.metrics.setState(StateStopped)
	cancel()

	c.monitorMu.Lock()
	c.monitor = nil
	c.monitorMu.Unlock()
	close(m.done)

	return m.err
}

// StopMonitor requests graceful shutdown of the active monitor. Idempotent.
func (c *DingTalkChannel) StopMonitor() {
	c.monitorMu.Lock()
	m := c.monitor
	c.monitorMu.Unlock()
	if m != nil {
		m.cancel()
	}
}

func (c *DingTalkChannel) IsMonitorActive() bool {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	return c.monitor != nil
}

func (c *DingTalkChannel) MonitorAccountID() string {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	if c.monitor == nil {
		return ""
	}
	return c.monitor.accountID
}

// runMonitor is the outer reconnect loop. The attempt counter is never reset
// within one monitor lifetime: under prolonged instability the total
// reconnect rate stays bounded instead of bursting after each recovery.
func (c *DingTalkChannel) runMonitor(ctx context.Context, m *streamMonitor) error {
	attempt := 0

	for {
		m.metrics.setState(StateConnecting)

		transport, err := c.newTransport(
			func(frameCtx context.Context, data *chatbot.BotCallbackDataModel) {
				c.onStreamFrame(m, data)
			},
			m.metrics.noteAckFail,
		)
		if err != nil {
			// bad credentials shape, nothing to retry
			return fmt.Errorf("construct stream client: %w", err)
		}

		outcome, reason := c.runSession(ctx, m, transport)

		if closeErr := transport.Close(); closeErr != nil {
			logger.DebugCF("dingtalk", "Transport close error", map[string]interface{}{
				"error": closeErr.Error(),
			})
		}

		if outcome == outcomeStopped {
			logger.InfoCF("dingtalk", "Monitor stopped", map[string]interface{}{
				"account": m.accountID,
			})
			return nil
		}

		attempt++
		m.metrics.noteReconnect(reason, c.nowFunc())
		m.metrics.setState(StateReconnecting)

		delay := c.policy.Delay(attempt, c.randFloat())
		logger.WarnCF("dingtalk", "Reconnecting", map[string]interface{}{
			"account": m.accountID,
			"reason":  reason,
			"attempt": attempt,
			"delay":   delay.String(),
		})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runSession drives one transport connection to completion and reports why it
// ended. Connection liveness is judged by the watchdog, not by socket-close
// events: the transport exposes connected/registered booleans only.
func (c *DingTalkChannel) runSession(ctx context.Context, m *streamMonitor, t streamTransport) (sessionOutcome, string) {
	sessionStart := c.nowFunc()

	connectCtx, cancelConnect := context.WithTimeout(ctx, c.connectTimeout)
	defer cancelConnect()

	connectErr := make(chan error, 1)
	go func() { connectErr <- t.Connect(connectCtx) }()

	select {
	case <-ctx.Done():
		return outcomeStopped, ""
	case err := <-connectErr:
		if err != nil {
			if ctx.Err() != nil {
				return outcomeStopped, ""
			}
			if connectCtx.Err() != nil {
				return outcomeReconnect, "connect_timeout"
			}
			logger.WarnCF("dingtalk", "Connect failed", map[string]interface{}{
				"error": err.Error(),
			})
			return outcomeReconnect, "connect_error"
		}
	}

	m.metrics.setState(StateConnected)
	m.metrics.noteConnected(c.nowFunc())
	logger.InfoCF("dingtalk", "Stream connected", map[string]interface{}{
		"account": m.accountID,
	})

	ticker := time.NewTicker(c.watchdogInterval)
	defer ticker.Stop()

	var (
		lostSince   time.Time
		warnedNoReg bool
	)

	for {
		select {
		case <-ctx.Done():
			return outcomeStopped, ""
		case <-ticker.C:
		}

		now := c.nowFunc()
		connected := t.Connected()
		registered := t.Registered()
		sawTraffic := m.metrics.lastMessage().After(sessionStart)

		switch {
		case connected && registered:
			// inbound traffic flipped the registered boolean; full liveness
			if m.metrics.getState() != StateRunning {
				m.metrics.setState(StateRegistered)
				m.metrics.setState(StateRunning)
			}
		case connected && sawTraffic:
			// registration confirmation never fired but traffic flows;
			// treat messages as the liveness signal
			m.metrics.setState(StateRunning)
		case connected:
			if !warnedNoReg && now.Sub(sessionStart) > c.registerSoftLimit {
				warnedNoReg = true
				logger.WarnCF("dingtalk", "Connected but registration unconfirmed, continuing", map[string]interface{}{
					"account": m.accountID,
					"elapsed": now.Sub(sessionStart).String(),
				})
			}
		}

		if !connected {
			if lostSince.IsZero() {
				lostSince = now
				logger.WarnCF("dingtalk", "Connection lost, starting grace timer", map[string]interface{}{
					"account": m.accountID,
					"grace":   c.disconnectGrace.String(),
				})
				continue
			}
			if now.Sub(lostSince) >= c.disconnectGrace {
				return outcomeReconnect, "connection_lost"
			}
			continue
		}

		if !lostSince.IsZero() {
			logger.InfoC("dingtalk", "Connection recovered within grace period")
			lostSince = time.Time{}
		}
	}
}

// onStreamFrame handles one ACKed inbound frame: dedup, normalize, policy,
// then a non-blocking handoff to the bus. It runs on the SDK callback
// goroutine and must never block on dispatch.
func (c *DingTalkChannel) onStreamFrame(m *streamMonitor, data *chatbot.BotCallbackDataModel) {
	m.metrics.noteMessage(c.nowFunc())

	if data == nil {
		m.metrics.noteParseError()
		return
	}

	if c.dedup.Seen(data.MsgId) {
		logger.DebugCF("dingtalk", "Duplicate message, skipping", map[string]interface{}{
			"msg_id": data.MsgId,
		})
		return
	}

	msg, ok := c.normalizeFrame(data)
	if !ok {
		m.metrics.noteParseError()
		return
	}

	c.rememberWebhook(data)

	if msg.chatType == "group" && !msg.mentionedBot {
		logger.DebugCF("dingtalk", "Group message without bot mention, ignoring", map[string]interface{}{
			"conversation": msg.conversationID,
		})
		return
	}
	if !c.IsAllowed(msg.senderID) {
		logger.DebugCF("dingtalk", "Message ignored (sender not allowed)", map[string]interface{}{
			"sender": msg.senderID,
			"msg_id": msg.messageID,
		})
		return
	}

	metadata := map[string]string{
		"message_id": msg.messageID,
		"chat_type":  msg.chatType,
	}
	if msg.senderNick != "" {
		metadata["nickname"] = msg.senderNick
	}
	if msg.mentionedBot {
		metadata["mentioned_bot"] = "true"
	}

	logger.InfoCF("dingtalk", "Received message", map[string]interface{}{
		"sender":    msg.senderID,
		"chat_type": msg.chatType,
		"msg_id":    msg.messageID,
		"length":    len(msg.content),
	})

	c.HandleMessage(msg.senderID, msg.conversationID, msg.content, metadata)
}

type dingTalkMessage struct {
	conversationID string
	messageID      string
	senderID       string
	senderNick     string
	chatType       string
	content        string
	mentionedBot   bool
}

func (c *DingTalkChannel) normalizeFrame(data *chatbot.BotCallbackDataModel) (dingTalkMessage, bool) {
	content := strings.TrimSpace(data.Text.Content)
	if content == "" {
		return dingTalkMessage{}, false
	}

	chatType := "direct"
	mentioned := true
	if data.ConversationType == "2" {
		chatType = "group"
		mentioned = data.IsInAtList
	}

	senderID := data.SenderStaffId
	if senderID == "" {
		senderID = data.SenderId
	}

	return dingTalkMessage{
		conversationID: data.ConversationId,
		messageID:      data.MsgId,
		senderID:       senderID,
		senderNick:     data.SenderNick,
		chatType:       chatType,
		content:        content,
		mentionedBot:   mentioned,
	}, true
}

func (c *DingTalkChannel) rememberWebhook(data *chatbot.BotCallbackDataModel) {
	if data.SessionWebhook == "" {
		return
	}

	expires := c.nowFunc().Add(90 * time.Minute)
	if data.SessionWebhookExpiredTime > 0 {
		expires = time.UnixMilli(data.SessionWebhookExpiredTime)
	}

	c.webhookMu.Lock()
	c.webhooks[data.ConversationId] = sessionWebhook{
		url:       data.SessionWebhook,
		expiresAt: expires,
	}
	c.webhookMu.Unlock()
}

// Send posts a text reply through the conversation's session webhook. The
// webhook is captured from the most recent inbound frame of that
// conversation; DingTalk invalidates it after a platform-defined window.
func (c *DingTalkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.webhookMu.Lock()
	hook, ok := c.webhooks[msg.ChatID]
	c.webhookMu.Unlock()

	if !ok {
		return fmt.Errorf("no session webhook for conversation %s", msg.ChatID)
	}
	if c.nowFunc().After(hook.expiresAt) {
		return fmt.Errorf("session webhook expired for conversation %s", msg.ChatID)
	}

	body, err := json.Marshal(map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": msg.Content},
	})
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post session webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("session webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *DingTalkChannel) Status() map[string]interface{} {
	c.monitorMu.Lock()
	m := c.monitor
	c.monitorMu.Unlock()

	status := map[string]interface{}{
		"active":     m != nil,
		"dedup_hits": c.dedup.Hits(),
	}
	if m != nil {
		status["account"] = m.accountID
		for k, v := range m.metrics.snapshot() {
			status[k] = v
		}
	}
	return status
}
