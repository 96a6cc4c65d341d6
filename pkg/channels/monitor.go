package channels

import (
	"sync"
	"time"
)

// ConnectionState tracks where a supervised connection is in its lifecycle.
// Transitions are monotonic within one session except running/reconnecting
// flapping; stopped is terminal for the session instance.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateRegistered
	StateRunning
	StateReconnecting
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// sessionMetrics is created fresh per monitor invocation. The supervisor
// goroutine owns the counters; the transport callback goroutine touches only
// lastMessageAt, so everything sits behind one mutex.
type sessionMetrics struct {
	mu sync.Mutex

	state            ConnectionState
	reconnectTotal   int
	reconnectReasons map[string]int
	ackFailCount     int
	parseErrorCount  int
	connectedSince   time.Time
	lastMessageAt    time.Time
	lastReconnectAt  time.Time
}

func newSessionMetrics() *sessionMetrics {
	return &sessionMetrics{
		state:            StateIdle,
		reconnectReasons: make(map[string]int),
	}
}

func (m *sessionMetrics) setState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *sessionMetrics) getState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *sessionMetrics) noteConnected(now time.Time) {
	m.mu.Lock()
	m.connectedSince = now
	m.mu.Unlock()
}

func (m *sessionMetrics) noteMessage(now time.Time) {
	m.mu.Lock()
	m.lastMessageAt = now
	m.mu.Unlock()
}

func (m *sessionMetrics) lastMessage() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMessageAt
}

func (m *sessionMetrics) noteReconnect(reason string, now time.Time) {
	m.mu.Lock()
	m.reconnectTotal++
	m.reconnectReasons[reason]++
	m.lastReconnectAt = now
	m.mu.Unlock()
}

func (m *sessionMetrics) noteAckFail() {
	m.mu.Lock()
	m.ackFailCount++
	m.mu.Unlock()
}

func (m *sessionMetrics) noteParseError() {
	m.mu.Lock()
	m.parseErrorCount++
	m.mu.Unlock()
}

func (m *sessionMetrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	reasons := make(map[string]int, len(m.reconnectReasons))
	for k, v := range m.reconnectReasons {
		reasons[k] = v
	}

	snap := map[string]interface{}{
		"state":             m.state.String(),
		"reconnect_total":   m.reconnectTotal,
		"reconnect_reasons": reasons,
		"ack_fail_count":    m.ackFailCount,
		"parse_error_count": m.parseErrorCount,
	}
	if !m.connectedSince.IsZero() {
		snap["connected_since"] = m.connectedSince.Format(time.RFC3339)
	}
	if !m.lastMessageAt.IsZero() {
		snap["last_message_at"] = m.lastMessageAt.Format(time.RFC3339)
	}
	if !m.lastReconnectAt.IsZero() {
		snap["last_reconnect_at"] = m.lastReconnectAt.Format(time.RFC3339)
	}
	return snap
}
