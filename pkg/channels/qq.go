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

	"github.com/gorilla/websocket"
	"github.com/tencent-connect/botgo/dto"

	"imbridge/pkg/backoff"
	"imbridge/pkg/bus"
	"imbridge/pkg/config"
	"imbridge/pkg/dedup"
	"imbridge/pkg/logger"
)

const (
	qqAPIBase        = "https://api.sgroup.qq.com"
	qqSandboxAPIBase = "https://sandbox.api.sgroup.qq.com"

	qqDedupTTL  = 60 * time.Second
	qqDedupSize = 2048
)

// intent bits: public guild at-messages, guild direct messages, group/C2C
const qqGatewayIntents = 1<<30 | 1<<12 | 1<<25

// gatewayFrame is the inbound websocket envelope. The payload stays raw so
// each event type unmarshals only what it needs.
type gatewayFrame struct {
	OPCode dto.OPCode      `json:"op"`
	Seq    uint32          `json:"s"`
	Type   string          `json:"t"`
	Data   json.RawMessage `json:"d"`
}

// gatewayConn is the slice of the websocket the session loop needs; a scripted
// fake stands in for it in tests.
type gatewayConn interface {
	Read() (*gatewayFrame, error)
	Write(p *dto.WSPayload) error
	Close() error
}

type wsGatewayConn struct {
	conn          *websocket.Conn
	writeMu       sync.Mutex
	onDecodeError func()
}

// Read returns the next decodable frame. A frame with malformed JSON is logged
// and dropped without disturbing the connection; only socket errors propagate.
func (c *wsGatewayConn) Read() (*gatewayFrame, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var frame gatewayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if c.onDecodeError != nil {
				c.onDecodeError()
			}
			logger.WarnCF("qq", "Malformed gateway frame, dropping", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		return &frame, nil
	}
}

func (c *wsGatewayConn) Write(p *dto.WSPayload) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(p)
}

func (c *wsGatewayConn) Close() error {
	return c.conn.Close()
}

// QQChannel supervises the bot gateway websocket: hello/identify handshake,
// heartbeats at the server-assigned interval, sequence tracking, and
// resume-or-identify reconnects on a fixed backoff ladder.
type QQChannel struct {
	*BaseChannel
	config config.QQConfig
	dedup  *dedup.Cache
	ladder backoff.Ladder
	tokens *qqTokenSource

	dial       func(ctx context.Context, url string) (gatewayConn, error)
	httpClient *http.Client
	nowFunc    func() time.Time
	apiBase    string

	metrics *sessionMetrics

	sessionMu sync.Mutex
	sessionID string
	lastSeq   uint32

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewQQChannel(cfg config.QQConfig, messageBus *bus.MessageBus) (*QQChannel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("QQ app_id/app_secret not configured")
	}

	apiBase := qqAPIBase
	if cfg.Sandbox {
		apiBase = qqSandboxAPIBase
	}

	c := &QQChannel{
		BaseChannel: NewBaseChannel("qq", messageBus, cfg.AllowFrom),
		config:      cfg,
		dedup:       dedup.New(qqDedupTTL, qqDedupSize),
		ladder:      backoff.DefaultLadder(),
		tokens:      newQQTokenSource(cfg.AppID, cfg.AppSecret),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		nowFunc:     time.Now,
		apiBase:     apiBase,
		metrics:     newSessionMetrics(),
	}
	c.SetAllowGroups(cfg.AllowGroups)
	c.dial = func(ctx context.Context, url string) (gatewayConn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return &wsGatewayConn{conn: conn, onDecodeError: c.metrics.noteParseError}, nil
	}
	return c, nil
}

func (c *QQChannel) Start(ctx context.Context) error {
	logger.InfoCF("qq", "Starting QQ channel", map[string]interface{}{
		"app_id":  c.config.AppID,
		"sandbox": c.config.Sandbox,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.stopMu.Lock()
	c.cancel = cancel
	c.done = done
	c.stopMu.Unlock()

	go func() {
		defer close(done)
		c.runLoop(runCtx)
	}()

	c.setRunning(true)
	return nil
}

func (c *QQChannel) Stop(ctx context.Context) error {
	logger.InfoC("qq", "Stopping QQ channel")
	c.setRunning(false)

	c.stopMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.stopMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// runLoop owns reconnection. The ladder position advances on every failed or
// broken session and resets once a session reaches READY or RESUMED.
func (c *QQChannel) runLoop(ctx context.Context) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			c.metrics.setState(StateStopped)
			return
		}

		c.metrics.setState(StateConnecting)

		ready, reason := c.runGatewaySession(ctx)
		if ctx.Err() != nil {
			c.metrics.setState(StateStopped)
			return
		}

		if ready {
			attempt = 0
		}
		attempt++
		c.metrics.noteReconnect(reason, c.nowFunc())
		c.metrics.setState(StateReconnecting)

		delay := c.ladder.Delay(attempt)
		logger.WarnCF("qq", "Gateway session ended, reconnecting", map[string]interface{}{
			"reason":  reason,
			"attempt": attempt,
			"delay":   delay.String(),
		})

		select {
		case <-ctx.Done():
			c.metrics.setState(StateStopped)
			return
		case <-time.After(delay):
		}
	}
}

// runGatewaySession drives one websocket connection: resolve the gateway URL,
// complete the hello/identify (or resume) handshake, then pump frames until
// the connection dies or the server orders a reconnect. ready reports whether
// the session got past the handshake.
func (c *QQChannel) runGatewaySession(ctx context.Context) (ready bool, reason string) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		logger.WarnCF("qq", "Access token unavailable", map[string]interface{}{
			"error": err.Error(),
		})
		return false, "token_error"
	}

	gatewayURL, err := c.resolveGatewayURL(ctx, token)
	if err != nil {
		logger.WarnCF("qq", "Gateway URL resolve failed", map[string]interface{}{
			"error": err.Error(),
		})
		return false, "gateway_resolve_error"
	}

	conn, err := c.dial(ctx, gatewayURL)
	if err != nil {
		return false, "dial_error"
	}
	defer conn.Close()

	hello, err := conn.Read()
	if err != nil {
		return false, "hello_read_error"
	}
	if hello.OPCode != dto.WSHello {
		return false, "unexpected_first_frame"
	}

	var helloData dto.WSHelloData
	if err := json.Unmarshal(hello.Data, &helloData); err != nil || helloData.HeartbeatInterval <= 0 {
		return false, "bad_hello"
	}
	heartbeatEvery := time.Duration(helloData.HeartbeatInterval) * time.Millisecond

	if err := c.sendHandshake(conn, token); err != nil {
		return false, "handshake_write_error"
	}
	c.metrics.setState(StateConnected)

	// heartbeat writer; a write error tears the socket down and the read
	// loop surfaces it
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(hbCtx, conn, heartbeatEvery)

	for {
		if ctx.Err() != nil {
			return ready, "stopped"
		}

		frame, err := conn.Read()
		if err != nil {
			if ctx.Err() != nil {
				return ready, "stopped"
			}
			return ready, "read_error"
		}

		if frame.Seq > 0 {
			c.sessionMu.Lock()
			c.lastSeq = frame.Seq
			c.sessionMu.Unlock()
		}

		switch frame.OPCode {
		case dto.WSDispatchEvent:
			c.metrics.noteMessage(c.nowFunc())
			switch frame.Type {
			case "READY":
				var readyData dto.WSReadyData
				if err := json.Unmarshal(frame.Data, &readyData); err == nil {
					c.sessionMu.Lock()
					c.sessionID = readyData.SessionID
					c.sessionMu.Unlock()
				}
				ready = true
				c.metrics.setState(StateRunning)
				c.metrics.noteConnected(c.nowFunc())
				logger.InfoC("qq", "Gateway session ready")
			case "RESUMED":
				ready = true
				c.metrics.setState(StateRunning)
				c.metrics.noteConnected(c.nowFunc())
				logger.InfoC("qq", "Gateway session resumed")
			default:
				c.handleGatewayEvent(frame.Type, frame.Data)
			}
		case dto.WSHeartbeatAck:
			// liveness confirmed, nothing to do
		case dto.WSReconnect:
			// session survives a server-ordered reconnect; next attempt resumes
			return ready, "server_reconnect"
		case dto.WSInvalidSession:
			// the token may be the reason the session was rejected, so the
			// next identify starts from a fresh one
			c.clearSession()
			c.tokens.Invalidate()
			return ready, "invalid_session"
		}
	}
}

// sendHandshake resumes when a previous session left an id and sequence
// behind, otherwise identifies fresh.
func (c *QQChannel) sendHandshake(conn gatewayConn, token string) error {
	botToken := "QQBot " + token

	c.sessionMu.Lock()
	sessionID, lastSeq := c.sessionID, c.lastSeq
	c.sessionMu.Unlock()

	if sessionID != "" && lastSeq > 0 {
		logger.InfoCF("qq", "Resuming gateway session", map[string]interface{}{
			"session_id": sessionID,
			"last_seq":   lastSeq,
		})
		return conn.Write(&dto.WSPayload{
			WSPayloadBase: dto.WSPayloadBase{OPCode: dto.WSResume},
			Data: &dto.WSResumeData{
				Token:     botToken,
				SessionID: sessionID,
				Seq:       lastSeq,
			},
		})
	}

	return conn.Write(&dto.WSPayload{
		WSPayloadBase: dto.WSPayloadBase{OPCode: dto.WSIdentity},
		Data: &dto.WSIdentityData{
			Token:   botToken,
			Intents: dto.Intent(qqGatewayIntents),
			Shard:   []uint32{0, 1},
		},
	})
}

func (c *QQChannel) heartbeatLoop(ctx context.Context, conn gatewayConn, interval time.Duration) {
	// first beat lands somewhere inside the interval, per gateway contract
	first := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(first):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.sessionMu.Lock()
		seq := c.lastSeq
		c.sessionMu.Unlock()

		var data interface{}
		if seq > 0 {
			data = seq
		}
		if err := conn.Write(&dto.WSPayload{
			WSPayloadBase: dto.WSPayloadBase{OPCode: dto.WSHeartbeat},
			Data:          data,
		}); err != nil {
			conn.Close()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *QQChannel) clearSession() {
	c.sessionMu.Lock()
	c.sessionID = ""
	c.lastSeq = 0
	c.sessionMu.Unlock()
}

// qqGatewayEvent covers the message-bearing dispatch payloads. The guild and
// open-platform families name their sender ids differently.
type qqGatewayEvent struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	ChannelID   string `json:"channel_id"`
	GuildID     string `json:"guild_id"`
	GroupOpenID string `json:"group_openid"`
	Author      struct {
		ID           string `json:"id"`
		Username     string `json:"username"`
		Bot          bool   `json:"bot"`
		MemberOpenID string `json:"member_openid"`
		UserOpenID   string `json:"user_openid"`
	} `json:"author"`
}

func (c *QQChannel) handleGatewayEvent(eventType string, raw json.RawMessage) {
	var event qqGatewayEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		c.metrics.noteParseError()
		return
	}
	if event.Author.Bot {
		return
	}
	if c.dedup.Seen(event.ID) {
		logger.DebugCF("qq", "Duplicate event, skipping", map[string]interface{}{
			"event_id": event.ID,
		})
		return
	}

	content := stripMentions(event.Content)
	if content == "" {
		return
	}

	var senderID, chatID, chatType string
	switch eventType {
	case "GROUP_AT_MESSAGE_CREATE":
		senderID, chatID, chatType = event.Author.MemberOpenID, event.GroupOpenID, "group"
		if !c.IsGroupAllowed(chatID) {
			logger.DebugCF("qq", "Group not allowed, ignoring", map[string]interface{}{
				"group": chatID,
			})
			return
		}
	case "C2C_MESSAGE_CREATE":
		senderID, chatID, chatType = event.Author.UserOpenID, event.Author.UserOpenID, "direct"
	case "AT_MESSAGE_CREATE", "MESSAGE_CREATE":
		senderID, chatID, chatType = event.Author.ID, event.ChannelID, "channel"
	case "DIRECT_MESSAGE_CREATE":
		senderID, chatID, chatType = event.Author.ID, event.GuildID, "dm"
	default:
		return
	}

	if senderID == "" || chatID == "" {
		c.metrics.noteParseError()
		return
	}
	if chatType != "group" && !c.IsAllowed(senderID) {
		logger.DebugCF("qq", "Message ignored (sender not allowed)", map[string]interface{}{
			"sender": senderID,
		})
		return
	}

	metadata := map[string]string{
		"message_id": event.ID,
		"chat_type":  chatType,
		"event_type": eventType,
	}
	if event.GuildID != "" {
		metadata["guild_id"] = event.GuildID
	}
	if event.Author.Username != "" {
		metadata["nickname"] = event.Author.Username
	}

	logger.InfoCF("qq", "Received message", map[string]interface{}{
		"sender":    senderID,
		"chat_type": chatType,
		"event":     eventType,
	})

	c.HandleMessage(senderID, chatID, content, metadata)
}

// stripMentions removes <@!id> / <@id> mention tags the guild events embed.
func stripMentions(content string) string {
	for {
		start := strings.Index(content, "<@")
		if start < 0 {
			break
		}
		end := strings.Index(content[start:], ">")
		if end < 0 {
			break
		}
		content = content[:start] + content[start+end+1:]
	}
	return strings.TrimSpace(content)
}

// Send routes a reply by the chat type recorded at receive time. message_id
// in the metadata makes it a passive reply, which the platform rate-limits
// far more generously.
func (c *QQChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	var path string
	body := map[string]interface{}{
		"content": msg.Content,
	}

	switch msg.Metadata["chat_type"] {
	case "group":
		path = "/v2/groups/" + msg.ChatID + "/messages"
		body["msg_type"] = 0
	case "direct":
		path = "/v2/users/" + msg.ChatID + "/messages"
		body["msg_type"] = 0
	case "dm":
		path = "/dms/" + msg.ChatID + "/messages"
	default:
		path = "/channels/" + msg.ChatID + "/messages"
	}
	if msgID := msg.Metadata["message_id"]; msgID != "" {
		body["msg_id"] = msgID
	}

	status, err := c.postJSON(ctx, path, body)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		// stale token; refresh once and replay
		c.tokens.Invalidate()
		status, err = c.postJSON(ctx, path, body)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("send returned status %d", status)
	}
	return nil
}

func (c *QQChannel) postJSON(ctx context.Context, path string, body map[string]interface{}) (int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *QQChannel) resolveGatewayURL(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/gateway", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
		return "", fmt.Errorf("gateway endpoint rejected token")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway endpoint returned status %d", resp.StatusCode)
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("gateway endpoint returned empty url")
	}
	return result.URL, nil
}

func (c *QQChannel) Status() map[string]interface{} {
	c.sessionMu.Lock()
	sessionID, lastSeq := c.sessionID, c.lastSeq
	c.sessionMu.Unlock()

	status := map[string]interface{}{
		"active":      c.IsRunning(),
		"dedup_hits":  c.dedup.Hits(),
		"has_session": sessionID != "",
		"last_seq":    lastSeq,
	}
	for k, v := range c.metrics.snapshot() {
		status[k] = v
	}
	return status
}
