package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tencent-connect/botgo/dto"

	"imbridge/pkg/bus"
	"imbridge/pkg/config"
)

type fakeGatewayConn struct {
	in     chan *gatewayFrame
	wrote  chan *dto.WSPayload
	closed chan struct{}
	once   sync.Once
}

func newFakeGatewayConn() *fakeGatewayConn {
	return &fakeGatewayConn{
		in:     make(chan *gatewayFrame, 16),
		wrote:  make(chan *dto.WSPayload, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeGatewayConn) Read() (*gatewayFrame, error) {
	select {
	case frame := <-f.in:
		return frame, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	}
}

func (f *fakeGatewayConn) Write(p *dto.WSPayload) error {
	select {
	case f.wrote <- p:
	case <-f.closed:
		return errors.New("connection closed")
	}
	return nil
}

func (f *fakeGatewayConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeGatewayConn) feed(t *testing.T, op dto.OPCode, seq uint32, eventType, data string) {
	t.Helper()
	frame := &gatewayFrame{OPCode: op, Seq: seq, Type: eventType}
	if data != "" {
		frame.Data = json.RawMessage(data)
	}
	select {
	case f.in <- frame:
	case <-time.After(time.Second):
		t.Fatal("feed timed out")
	}
}

func (f *fakeGatewayConn) nextWrite(t *testing.T) *dto.WSPayload {
	t.Helper()
	select {
	case p := <-f.wrote:
		return p
	case <-time.After(time.Second):
		t.Fatal("no payload written within deadline")
		return nil
	}
}

// newTestQQChannel wires the channel to an httptest server serving the token
// and gateway endpoints and to a scripted fake websocket.
func newTestQQChannel(t *testing.T) (*QQChannel, *bus.MessageBus, *fakeGatewayConn) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			json.NewEncoder(w).Encode(map[string]string{
				"access_token": "tok-1",
				"expires_in":   "7200",
			})
		case "/gateway":
			json.NewEncoder(w).Encode(map[string]string{"url": "wss://gateway.test"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	msgBus := bus.NewMessageBus()
	c, err := NewQQChannel(config.QQConfig{
		AppID:     "app-1",
		AppSecret: "secret-1",
	}, msgBus)
	if err != nil {
		t.Fatalf("NewQQChannel: %v", err)
	}
	c.apiBase = server.URL
	c.tokens.endpoint = server.URL + "/token"

	conn := newFakeGatewayConn()
	c.dial = func(ctx context.Context, url string) (gatewayConn, error) {
		return conn, nil
	}
	return c, msgBus, conn
}

func TestGatewaySession_IdentifyReadyDispatch(t *testing.T) {
	c, msgBus, conn := newTestQQChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		ready  bool
		reason string
	}
	done := make(chan result, 1)
	go func() {
		ready, reason := c.runGatewaySession(ctx)
		done <- result{ready, reason}
	}()

	conn.feed(t, dto.WSHello, 0, "", `{"heartbeat_interval":60000}`)

	identify := conn.nextWrite(t)
	if identify.OPCode != dto.WSIdentity {
		t.Fatalf("first write opcode = %v, want identify", identify.OPCode)
	}

	conn.feed(t, dto.WSDispatchEvent, 1, "READY", `{"version":1,"session_id":"sess-1"}`)
	conn.feed(t, dto.WSDispatchEvent, 2, "C2C_MESSAGE_CREATE",
		`{"id":"m-1","content":"你好","author":{"user_openid":"open-user-1"}}`)

	waitFor(t, func() bool { return msgBus.InboundDepth() == 1 })

	conn.Close()
	res := <-done
	if !res.ready {
		t.Fatal("session should have been ready after READY")
	}
	if res.reason != "read_error" {
		t.Fatalf("reason = %q, want read_error", res.reason)
	}

	msg, _ := msgBus.ConsumeInbound(context.Background())
	if msg.SenderID != "open-user-1" || msg.ChatID != "open-user-1" {
		t.Fatalf("unexpected normalized message: %+v", msg)
	}
	if msg.Metadata["chat_type"] != "direct" {
		t.Fatalf("chat_type = %q, want direct", msg.Metadata["chat_type"])
	}

	c.sessionMu.Lock()
	sessionID, lastSeq := c.sessionID, c.lastSeq
	c.sessionMu.Unlock()
	if sessionID != "sess-1" {
		t.Fatalf("sessionID = %q, want sess-1", sessionID)
	}
	if lastSeq != 2 {
		t.Fatalf("lastSeq = %d, want 2", lastSeq)
	}
}

func TestGatewaySession_ResumesWithStoredSession(t *testing.T) {
	c, _, conn := newTestQQChannel(t)

	c.sessionMu.Lock()
	c.sessionID = "sess-old"
	c.lastSeq = 42
	c.sessionMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.runGatewaySession(ctx)

	conn.feed(t, dto.WSHello, 0, "", `{"heartbeat_interval":60000}`)

	resume := conn.nextWrite(t)
	if resume.OPCode != dto.WSResume {
		t.Fatalf("first write opcode = %v, want resume", resume.OPCode)
	}
	data, ok := resume.Data.(*dto.WSResumeData)
	if !ok {
		t.Fatalf("resume data type = %T", resume.Data)
	}
	if data.SessionID != "sess-old" || data.Seq != 42 {
		t.Fatalf("resume data = %+v, want sess-old/42", data)
	}

	conn.Close()
}

func TestGatewaySession_InvalidSessionClearsState(t *testing.T) {
	c, _, conn := newTestQQChannel(t)

	c.sessionMu.Lock()
	c.sessionID = "sess-old"
	c.lastSeq = 42
	c.sessionMu.Unlock()

	c.tokens.mu.Lock()
	c.tokens.token = "tok-cached"
	c.tokens.expiresAt = time.Now().Add(time.Hour)
	c.tokens.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan string, 1)
	go func() {
		_, reason := c.runGatewaySession(ctx)
		done <- reason
	}()

	conn.feed(t, dto.WSHello, 0, "", `{"heartbeat_interval":60000}`)
	conn.nextWrite(t) // resume attempt
	conn.feed(t, dto.WSInvalidSession, 0, "", `false`)

	if reason := <-done; reason != "invalid_session" {
		t.Fatalf("reason = %q, want invalid_session", reason)
	}

	c.sessionMu.Lock()
	sessionID, lastSeq := c.sessionID, c.lastSeq
	c.sessionMu.Unlock()
	if sessionID != "" || lastSeq != 0 {
		t.Fatalf("session not cleared: %q/%d", sessionID, lastSeq)
	}

	// the next identify must not replay the possibly-rejected token
	c.tokens.mu.Lock()
	cached := c.tokens.token
	c.tokens.mu.Unlock()
	if cached != "" {
		t.Fatalf("token cache = %q, want empty after invalid session", cached)
	}
}

func TestGatewaySession_MalformedFrameIsDropped(t *testing.T) {
	upgrader := websocket.Upgrader{}
	hold := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte(`{"op":10,"d":{"heartbeat_interval":60000}}`))
		ws.ReadMessage() // identify
		ws.WriteMessage(websocket.TextMessage, []byte(`{"op":0,"s":1,"t":"READY","d":{"session_id":"sess-ws"}}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"op":0,"s":2,"t":"C2C_MESSAGE_CREATE","d":{"id":"m-ws","content":"你好","author":{"user_openid":"u-ws"}}}`))
		<-hold
	}))
	defer server.Close()
	defer close(hold)

	c, msgBus, _ := newTestQQChannel(t)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	c.dial = func(ctx context.Context, _ string) (gatewayConn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			return nil, err
		}
		return &wsGatewayConn{conn: conn, onDecodeError: c.metrics.noteParseError}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan string, 1)
	go func() {
		_, reason := c.runGatewaySession(ctx)
		done <- reason
	}()

	// the dispatch after the garbage frame must still arrive on the same socket
	waitFor(t, func() bool { return msgBus.InboundDepth() == 1 })

	select {
	case reason := <-done:
		t.Fatalf("session ended early with reason %q", reason)
	default:
	}

	msg, _ := msgBus.ConsumeInbound(context.Background())
	if msg.SenderID != "u-ws" || msg.Content != "你好" {
		t.Fatalf("unexpected message after dropped frame: %+v", msg)
	}
}

func TestGatewaySession_ServerReconnectKeepsSession(t *testing.T) {
	c, _, conn := newTestQQChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan string, 1)
	go func() {
		_, reason := c.runGatewaySession(ctx)
		done <- reason
	}()

	conn.feed(t, dto.WSHello, 0, "", `{"heartbeat_interval":60000}`)
	conn.nextWrite(t)
	conn.feed(t, dto.WSDispatchEvent, 7, "READY", `{"session_id":"sess-2"}`)
	conn.feed(t, dto.WSReconnect, 0, "", "")

	if reason := <-done; reason != "server_reconnect" {
		t.Fatalf("reason = %q, want server_reconnect", reason)
	}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.sessionID != "sess-2" || c.lastSeq != 7 {
		t.Fatalf("session lost across server reconnect: %q/%d", c.sessionID, c.lastSeq)
	}
}

func TestHandleGatewayEvent_DedupAndGroupPolicy(t *testing.T) {
	c, msgBus, _ := newTestQQChannel(t)
	c.SetAllowGroups([]string{"group:g-allowed"})

	event := `{"id":"m-1","content":"hi","group_openid":"g-allowed","author":{"member_openid":"u-1"}}`
	c.handleGatewayEvent("GROUP_AT_MESSAGE_CREATE", json.RawMessage(event))
	c.handleGatewayEvent("GROUP_AT_MESSAGE_CREATE", json.RawMessage(event)) // duplicate id

	if got := msgBus.InboundDepth(); got != 1 {
		t.Fatalf("inbound depth = %d, want 1", got)
	}

	blocked := `{"id":"m-2","content":"hi","group_openid":"g-other","author":{"member_openid":"u-1"}}`
	c.handleGatewayEvent("GROUP_AT_MESSAGE_CREATE", json.RawMessage(blocked))

	if got := msgBus.InboundDepth(); got != 1 {
		t.Fatalf("inbound depth = %d after blocked group, want 1", got)
	}
}

func TestQQTokenSource_CachesAndInvalidates(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok",
			"expires_in":   "7200",
		})
	}))
	defer server.Close()

	s := newQQTokenSource("app", "secret")
	s.endpoint = server.URL

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Token(ctx); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	mu.Lock()
	if hits != 1 {
		t.Fatalf("endpoint hit %d times, want 1 (cached)", hits)
	}
	mu.Unlock()

	s.Invalidate()
	if _, err := s.Token(ctx); err != nil {
		t.Fatalf("Token after invalidate: %v", err)
	}
	mu.Lock()
	if hits != 2 {
		t.Fatalf("endpoint hit %d times after invalidate, want 2", hits)
	}
	mu.Unlock()
}

func TestStripMentions(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"<@!12345> 你好", "你好"},
		{"<@12345> hello <@!6789> world", "hello  world"},
		{"no mention", "no mention"},
		{"<@!12345>", ""},
	}
	for _, tc := range cases {
		if got := stripMentions(tc.in); got != tc.want {
			t.Errorf("stripMentions(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
