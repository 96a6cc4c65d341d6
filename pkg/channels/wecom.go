package channels

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"imbridge/pkg/bus"
	"imbridge/pkg/config"
	"imbridge/pkg/dedup"
	"imbridge/pkg/logger"
	"imbridge/pkg/utils"
)

const (
	wecomMaxBodyBytes  = 1 << 20
	wecomDedupTTL      = 60 * time.Second
	wecomDedupSize     = 2048
	wecomChunkMaxBytes = 2048

	wecomCorpAPIBase = "https://qyapi.weixin.qq.com"
)

// wecomAccount is an immutable resolved bot registration. Credentials come
// from the config file with environment fallback at resolution time, so a
// half-filled accounts entry still works in container deployments.
type wecomAccount struct {
	name        string
	crypto      *wecomCrypto
	receiveID   string
	agentID     string
	corpID      string
	corpSecret  string
	welcomeText string
	allowFrom   []string
}

func (a *wecomAccount) isAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}
	senderID = strings.TrimSpace(senderID)
	for _, allowed := range a.allowFrom {
		if strings.TrimSpace(allowed) == senderID {
			return true
		}
	}
	return false
}

func resolveWeComAccounts(cfg config.WeComConfig) ([]*wecomAccount, error) {
	raw := cfg.Accounts
	if len(raw) == 0 {
		// single-account deployments configure purely through env
		raw = []config.WeComAccountConfig{{Name: "default"}}
	}

	var accounts []*wecomAccount
	for i, ac := range raw {
		token := fallbackEnv(ac.Token, "IMBRIDGE_CHANNELS_WECOM_TOKEN")
		aesKey := fallbackEnv(ac.EncodingAESKey, "IMBRIDGE_CHANNELS_WECOM_ENCODING_AES_KEY")
		if token == "" || aesKey == "" {
			if len(cfg.Accounts) == 0 {
				continue
			}
			return nil, fmt.Errorf("wecom account %d: token/encoding_aes_key not configured", i)
		}

		receiveID := fallbackEnv(ac.ReceiveID, "IMBRIDGE_CHANNELS_WECOM_RECEIVE_ID")
		crypto, err := newWecomCrypto(token, aesKey, receiveID)
		if err != nil {
			return nil, fmt.Errorf("wecom account %d: %w", i, err)
		}

		name := ac.Name
		if name == "" {
			name = fmt.Sprintf("account-%d", i)
		}

		accounts = append(accounts, &wecomAccount{
			name:        name,
			crypto:      crypto,
			receiveID:   receiveID,
			agentID:     fallbackEnv(ac.AgentID, "IMBRIDGE_CHANNELS_WECOM_AGENT_ID"),
			corpID:      fallbackEnv(ac.CorpID, "IMBRIDGE_CHANNELS_WECOM_CORP_ID"),
			corpSecret:  fallbackEnv(ac.CorpSecret, "IMBRIDGE_CHANNELS_WECOM_CORP_SECRET"),
			welcomeText: ac.WelcomeText,
			allowFrom:   ac.AllowFrom,
		})
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no usable wecom account configured")
	}
	return accounts, nil
}

func fallbackEnv(value, envKey string) string {
	if value != "" {
		return value
	}
	return os.Getenv(envKey)
}

// WeComChannel serves the encrypted callback endpoint for one or more bot
// registrations and bridges replies back through the stream-refresh protocol.
type WeComChannel struct {
	*BaseChannel
	config   config.WeComConfig
	accounts []*wecomAccount
	dedup    *dedup.Cache
	streams  *streamStore

	server      *http.Server
	httpClient  *http.Client
	nowFunc     func() time.Time
	corpAPIBase string

	tokenMu    sync.Mutex
	corpTokens map[string]corpToken
	tokenGroup singleflight.Group
}

type corpToken struct {
	value     string
	expiresAt time.Time
}

func NewWeComChannel(cfg config.WeComConfig, messageBus *bus.MessageBus) (*WeComChannel, error) {
	accounts, err := resolveWeComAccounts(cfg)
	if err != nil {
		return nil, err
	}

	return &WeComChannel{
		BaseChannel: NewBaseChannel("wecom", messageBus, nil),
		config:      cfg,
		accounts:    accounts,
		dedup:       dedup.New(wecomDedupTTL, wecomDedupSize),
		streams:     newStreamStore(streamTTL),
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		nowFunc:     time.Now,
		corpAPIBase: wecomCorpAPIBase,
		corpTokens:  make(map[string]corpToken),
	}, nil
}

func (c *WeComChannel) Start(ctx context.Context) error {
	path := c.config.Path
	if path == "" {
		path = "/webhook/wecom"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, c.handleWebhook)

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	c.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.InfoCF("wecom", "Starting WeCom webhook server", map[string]interface{}{
		"addr":     addr,
		"path":     path,
		"accounts": len(c.accounts),
	})

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("wecom", "Webhook server terminated", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	c.setRunning(true)
	return nil
}

func (c *WeComChannel) Stop(ctx context.Context) error {
	logger.InfoC("wecom", "Stopping WeCom channel")
	c.setRunning(false)
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

func (c *WeComChannel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		c.handleVerify(w, r)
	case http.MethodPost:
		c.handleCallback(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the URL ownership handshake. Each registered account
// gets a chance: signature check first, then decrypt of the echo string.
func (c *WeComChannel) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	signature := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	echostr := q.Get("echostr")

	if signature == "" || timestamp == "" || nonce == "" || echostr == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}

	for _, account := range c.accounts {
		plain, err := account.crypto.VerifyURL(signature, timestamp, nonce, echostr)
		if err != nil {
			continue
		}
		logger.InfoCF("wecom", "URL verification succeeded", map[string]interface{}{
			"account": account.name,
		})
		w.Write(plain)
		return
	}

	logger.WarnC("wecom", "URL verification failed for all accounts")
	http.Error(w, "verification failed", http.StatusUnauthorized)
}

type wecomInbound struct {
	MsgType  string `json:"msgtype"`
	MsgID    string `json:"msgid"`
	AIBotID  string `json:"aibotid"`
	ChatID   string `json:"chatid"`
	ChatType string `json:"chattype"`
	From     struct {
		UserID string `json:"userid"`
	} `json:"from"`
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
	Stream struct {
		ID string `json:"id"`
	} `json:"stream"`
	Event struct {
		EventType string `json:"eventtype"`
	} `json:"event"`
}

type wecomEncryptedXML struct {
	XMLName xml.Name `xml:"xml"`
	Encrypt string   `xml:"Encrypt"`
}

func (c *WeComChannel) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	signature := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	if signature == "" || timestamp == "" || nonce == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, wecomMaxBodyBytes))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	encrypted, err := extractEncrypted(body)
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	account, plain := c.matchAccount(signature, timestamp, nonce, encrypted)
	if account == nil {
		logger.WarnC("wecom", "Callback did not match any account")
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	var msg wecomInbound
	if err := json.Unmarshal(plain, &msg); err != nil {
		logger.WarnCF("wecom", "Undecodable callback payload", map[string]interface{}{
			"account": account.name,
		})
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	reply, err := c.dispatchInbound(r.Context(), account, &msg)
	if err != nil {
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	c.writeEncrypted(w, account, reply)
}

// extractEncrypted pulls the Encrypt field out of an XML or JSON body. The
// platform sends XML for classic app callbacks and JSON for the smart-robot
// interface; a trimmed body wrapped in angle brackets means XML.
func extractEncrypted(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", fmt.Errorf("empty body")
	}

	if strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">") {
		var envelope wecomEncryptedXML
		if err := xml.Unmarshal(body, &envelope); err != nil {
			return "", fmt.Errorf("decode xml envelope: %w", err)
		}
		if envelope.Encrypt == "" {
			return "", fmt.Errorf("xml envelope missing Encrypt")
		}
		return envelope.Encrypt, nil
	}

	var envelope struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("decode json envelope: %w", err)
	}
	if envelope.Encrypt == "" {
		return "", fmt.Errorf("json envelope missing encrypt")
	}
	return envelope.Encrypt, nil
}

// matchAccount finds the account whose token verifies the signature and whose
// key opens the blob. When several keys succeed the embedded receive id
// breaks the tie.
func (c *WeComChannel) matchAccount(signature, timestamp, nonce, encrypted string) (*wecomAccount, []byte) {
	type candidate struct {
		account   *wecomAccount
		plain     []byte
		receiveID string
	}

	var candidates []candidate
	for _, account := range c.accounts {
		if !account.crypto.VerifySignature(signature, timestamp, nonce, encrypted) {
			continue
		}
		plain, receiveID, err := account.crypto.Decrypt(encrypted)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{account, plain, receiveID})
	}

	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return candidates[0].account, candidates[0].plain
	}
	for _, cand := range candidates {
		if cand.receiveID != "" && cand.receiveID == cand.account.receiveID {
			return cand.account, cand.plain
		}
	}
	return candidates[0].account, candidates[0].plain
}

// dispatchInbound produces the plaintext reply for one decrypted callback.
func (c *WeComChannel) dispatchInbound(ctx context.Context, account *wecomAccount, msg *wecomInbound) ([]byte, error) {
	switch msg.MsgType {
	case "event":
		c.handleEvent(account, msg)
		return []byte("{}"), nil

	case "stream":
		return c.streamReply(msg.Stream.ID)

	case "text":
		return c.handleText(account, msg)

	default:
		logger.DebugCF("wecom", "Unsupported msgtype, acking", map[string]interface{}{
			"msgtype": msg.MsgType,
		})
		return []byte("{}"), nil
	}
}

func (c *WeComChannel) handleEvent(account *wecomAccount, msg *wecomInbound) {
	eventType := msg.Event.EventType
	logger.InfoCF("wecom", "Received event", map[string]interface{}{
		"account": account.name,
		"event":   eventType,
	})

	if account.welcomeText == "" || account.corpID == "" || account.corpSecret == "" {
		return
	}
	switch eventType {
	case "enter_chat", "subscribe":
		userID := msg.From.UserID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.activeSend(ctx, account, userID, account.welcomeText); err != nil {
				logger.WarnCF("wecom", "Welcome send failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}
}

func (c *WeComChannel) handleText(account *wecomAccount, msg *wecomInbound) ([]byte, error) {
	// a redelivered msgid returns the stream it already created
	if existing, ok := c.streams.getByMsgID(msg.MsgID); ok {
		return streamReplyJSON(existing)
	}
	if c.dedup.Seen(msg.MsgID) {
		return []byte("{}"), nil
	}

	content := strings.TrimSpace(msg.Text.Content)
	if content == "" {
		return []byte("{}"), nil
	}
	if !account.isAllowed(msg.From.UserID) {
		logger.DebugCF("wecom", "Message ignored (sender not allowed)", map[string]interface{}{
			"sender": msg.From.UserID,
		})
		return []byte("{}"), nil
	}

	chatType := "direct"
	chatID := msg.From.UserID
	if msg.ChatType == "group" && msg.ChatID != "" {
		chatType = "group"
		chatID = msg.ChatID
	}

	stream := c.streams.create(msg.MsgID)

	metadata := map[string]string{
		"message_id": msg.MsgID,
		"chat_type":  chatType,
		"account":    account.name,
		"stream_id":  stream.id,
	}
	if msg.AIBotID != "" {
		metadata["aibot_id"] = msg.AIBotID
	}

	logger.InfoCF("wecom", "Received message", map[string]interface{}{
		"account":   account.name,
		"sender":    msg.From.UserID,
		"chat_type": chatType,
		"stream_id": stream.id,
	})

	c.HandleMessage(msg.From.UserID, chatID, content, metadata)
	return streamReplyJSON(stream)
}

// streamReply answers a client refresh for a stream id. An unknown id (expired
// or never created) terminates the client's polling with an empty final frame.
func (c *WeComChannel) streamReply(id string) ([]byte, error) {
	stream, ok := c.streams.get(id)
	if !ok {
		return json.Marshal(map[string]interface{}{
			"msgtype": "stream",
			"stream":  map[string]interface{}{"id": id, "finish": true, "content": ""},
		})
	}
	return streamReplyJSON(stream)
}

func streamReplyJSON(s *streamState) ([]byte, error) {
	content, finished := s.snapshot()
	return json.Marshal(map[string]interface{}{
		"msgtype": "stream",
		"stream": map[string]interface{}{
			"id":      s.id,
			"finish":  finished,
			"content": content,
		},
	})
}

// writeEncrypted seals a plaintext reply into the response envelope the
// platform expects: encrypt, msgsignature, timestamp, nonce.
func (c *WeComChannel) writeEncrypted(w http.ResponseWriter, account *wecomAccount, plaintext []byte) {
	encrypted, err := account.crypto.Encrypt(plaintext)
	if err != nil {
		logger.ErrorCF("wecom", "Reply encryption failed", map[string]interface{}{
			"error": err.Error(),
		})
		http.Error(w, "encryption failed", http.StatusInternalServerError)
		return
	}

	timestamp := fmt.Sprintf("%d", c.nowFunc().Unix())
	nonce := randomNonce()
	out, err := json.Marshal(map[string]string{
		"encrypt":      encrypted,
		"msgsignature": account.crypto.Signature(timestamp, nonce, encrypted),
		"timestamp":    timestamp,
		"nonce":        nonce,
	})
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func randomNonce() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Send feeds dispatcher output back into the channel. Messages carrying a
// stream id append to (or finish) that stream for the next client refresh;
// anything else goes out through the corp message API.
func (c *WeComChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if streamID := msg.Metadata["stream_id"]; streamID != "" {
		stream, ok := c.streams.get(streamID)
		if !ok {
			return fmt.Errorf("stream %s expired", streamID)
		}
		now := c.nowFunc()
		switch {
		case msg.Metadata["error"] != "":
			stream.finish(msg.Metadata["error"], now)
		case msg.Metadata["final"] == "true":
			if msg.Content != "" {
				stream.append(msg.Content, now)
			}
			stream.finish("", now)
		default:
			stream.append(msg.Content, now)
		}
		return nil
	}

	account := c.accountByName(msg.Metadata["account"])
	if account == nil {
		account = c.accounts[0]
	}
	return c.activeSend(ctx, account, msg.ChatID, msg.Content)
}

func (c *WeComChannel) accountByName(name string) *wecomAccount {
	for _, account := range c.accounts {
		if account.name == name {
			return account
		}
	}
	return nil
}

// activeSend pushes text through the corp message API, chunked so no single
// request exceeds the platform's content limit.
func (c *WeComChannel) activeSend(ctx context.Context, account *wecomAccount, userID, content string) error {
	if account.corpID == "" || account.corpSecret == "" || account.agentID == "" {
		return fmt.Errorf("account %s has no corp credentials for active send", account.name)
	}

	token, err := c.corpAccessToken(ctx, account)
	if err != nil {
		return err
	}

	for _, chunk := range utils.SplitByBytes(content, wecomChunkMaxBytes) {
		payload, err := json.Marshal(map[string]interface{}{
			"touser":  userID,
			"msgtype": "text",
			"agentid": account.agentID,
			"text":    map[string]string{"content": chunk},
		})
		if err != nil {
			return err
		}

		url := fmt.Sprintf("%s/cgi-bin/message/send?access_token=%s", c.corpAPIBase, token)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("message send: %w", err)
		}
		var result struct {
			ErrCode int    `json:"errcode"`
			ErrMsg  string `json:"errmsg"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("decode send response: %w", decodeErr)
		}
		if result.ErrCode != 0 {
			return fmt.Errorf("message send failed: %d %s", result.ErrCode, result.ErrMsg)
		}
	}
	return nil
}

// corpAccessToken caches the corp API token per account with singleflight
// collapse, honoring expires_in minus a safety margin.
func (c *WeComChannel) corpAccessToken(ctx context.Context, account *wecomAccount) (string, error) {
	key := account.corpID + "/" + account.agentID

	c.tokenMu.Lock()
	if tok, ok := c.corpTokens[key]; ok && c.nowFunc().Before(tok.expiresAt) {
		c.tokenMu.Unlock()
		return tok.value, nil
	}
	c.tokenMu.Unlock()

	v, err, _ := c.tokenGroup.Do(key, func() (interface{}, error) {
		url := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
			c.corpAPIBase, account.corpID, account.corpSecret)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gettoken: %w", err)
		}
		defer resp.Body.Close()

		var result struct {
			ErrCode     int    `json:"errcode"`
			ErrMsg      string `json:"errmsg"`
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decode gettoken response: %w", err)
		}
		if result.ErrCode != 0 || result.AccessToken == "" {
			return nil, fmt.Errorf("gettoken failed: %d %s", result.ErrCode, result.ErrMsg)
		}

		// refresh early, but never cache past the platform's own lifetime
		ttl := time.Duration(result.ExpiresIn) * time.Second
		if ttl > 5*time.Minute {
			ttl -= 5 * time.Minute
		}

		c.tokenMu.Lock()
		c.corpTokens[key] = corpToken{
			value:     result.AccessToken,
			expiresAt: c.nowFunc().Add(ttl),
		}
		c.tokenMu.Unlock()
		return result.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *WeComChannel) Status() map[string]interface{} {
	names := make([]string, 0, len(c.accounts))
	for _, account := range c.accounts {
		names = append(names, account.name)
	}
	return map[string]interface{}{
		"active":       c.IsRunning(),
		"accounts":     names,
		"live_streams": c.streams.len(),
		"dedup_hits":   c.dedup.Hits(),
	}
}
