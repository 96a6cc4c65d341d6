package channels

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"imbridge/pkg/utils"
)

const (
	streamTTL             = 10 * time.Minute
	streamContentMaxBytes = 512000

	// shown while the stream has produced no output yet, so the client
	// renders something instead of an empty bubble
	streamPendingText = "正在思考中..."
)

// streamState accumulates the reply for one inbound message. The webhook
// handler snapshots it on every client refresh; the dispatcher appends to it
// from another goroutine.
type streamState struct {
	id    string
	msgID string

	mu        sync.Mutex
	chunks    []string
	finished  bool
	failed    bool
	createdAt time.Time
	updatedAt time.Time
}

func (s *streamState) append(chunk string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.chunks = append(s.chunks, chunk)
	s.updatedAt = now
}

// finish marks the stream terminal. A non-empty errText becomes visible
// content rather than a silent cutoff.
func (s *streamState) finish(errText string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if errText != "" {
		s.failed = true
		s.chunks = append(s.chunks, "⚠️ 处理中断: "+errText)
	}
	s.finished = true
	s.updatedAt = now
}

// snapshot returns the accumulated content, suffix-truncated so the most
// recent output survives, and whether the stream is terminal. Before the
// first chunk arrives the filler text stands in for the content.
func (s *streamState) snapshot() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content := strings.Join(s.chunks, "\n\n")
	if content == "" && !s.finished {
		return streamPendingText, false
	}
	return utils.TailByBytes(content, streamContentMaxBytes), s.finished
}

// streamStore indexes live streams by stream id and by the msgid that
// created them. Expired entries are pruned lazily on access.
type streamStore struct {
	mu      sync.Mutex
	byID    map[string]*streamState
	byMsgID map[string]string
	ttl     time.Duration
	nowFunc func() time.Time
}

func newStreamStore(ttl time.Duration) *streamStore {
	return &streamStore{
		byID:    make(map[string]*streamState),
		byMsgID: make(map[string]string),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

func (st *streamStore) create(msgID string) *streamState {
	now := st.nowFunc()
	s := &streamState{
		id:        uuid.NewString(),
		msgID:     msgID,
		createdAt: now,
		updatedAt: now,
	}

	st.mu.Lock()
	st.prune(now)
	st.byID[s.id] = s
	if msgID != "" {
		st.byMsgID[msgID] = s.id
	}
	st.mu.Unlock()
	return s
}

func (st *streamStore) get(id string) (*streamState, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prune(st.nowFunc())
	s, ok := st.byID[id]
	return s, ok
}

func (st *streamStore) getByMsgID(msgID string) (*streamState, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prune(st.nowFunc())
	id, ok := st.byMsgID[msgID]
	if !ok {
		return nil, false
	}
	s, ok := st.byID[id]
	return s, ok
}

func (st *streamStore) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.byID)
}

// prune drops streams past the TTL, finished or not. Caller holds st.mu.
func (st *streamStore) prune(now time.Time) {
	for id, s := range st.byID {
		if now.Sub(s.createdAt) > st.ttl {
			delete(st.byID, id)
			if s.msgID != "" {
				delete(st.byMsgID, s.msgID)
			}
		}
	}
}
