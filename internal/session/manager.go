// Package session coordinates per-conversation state on top of the shared
// connection: frame routing, offline queue replay, delta resync, and the
// lifecycle of open conversations.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/morada-app/chatsync/internal/bus"
	"github.com/morada-app/chatsync/internal/config"
	"github.com/morada-app/chatsync/internal/conn"
	"github.com/morada-app/chatsync/internal/history"
	"github.com/morada-app/chatsync/internal/presence"
	"github.com/morada-app/chatsync/internal/protocol"
	"github.com/morada-app/chatsync/internal/queue"
	"github.com/morada-app/chatsync/internal/store"
	"github.com/morada-app/chatsync/internal/syncer"
	"go.uber.org/zap"
)

// resumeTimeout bounds the whole rejoin + drain + delta-sync sequence that
// runs after each reconnect.
const resumeTimeout = time.Minute

// maxDeltaPages caps how many history pages one delta sync pulls per
// conversation; anything older is reachable through backward pagination.
const maxDeltaPages = 20

// Manager owns all open conversation sessions for one profile. It is the
// single consumer of inbound frames and the single driver of the offline
// queue; sessions submit work through it rather than touching the transport.
type Manager struct {
	conn    *conn.Manager
	queue   *queue.Queue
	store   *store.DB
	history *history.Client
	tracker *presence.Tracker
	bus     *bus.Bus
	cfg     config.SyncConfig
	selfID  string
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates the session manager and hooks it into the connection's
// frame and resume callbacks. Call before conn.Connect so no frames are lost.
func NewManager(cm *conn.Manager, q *queue.Queue, db *store.DB, hc *history.Client, tracker *presence.Tracker, b *bus.Bus, cfg config.SyncConfig, selfID string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		conn:     cm,
		queue:    q,
		store:    db,
		history:  hc,
		tracker:  tracker,
		bus:      b,
		cfg:      cfg,
		selfID:   selfID,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
	cm.OnFrame(m.routeFrame)
	cm.OnResume(m.onResume)
	return m
}

// Open attaches to a conversation: seeds the timeline from the local cache,
// joins the conversation channel, and fetches the newest history page. A
// failed fetch is reported on the bus and the cached view stands.
func (m *Manager) Open(ctx context.Context, conversationID string) *Session {
	m.mu.Lock()
	if s, ok := m.sessions[conversationID]; ok {
		m.mu.Unlock()
		return s
	}
	s := newSession(m, conversationID)
	m.sessions[conversationID] = s
	m.mu.Unlock()

	m.ensureConversation(conversationID)
	s.seedFromCache()

	if err := m.conn.Send(ctx, protocol.JoinConversation(conversationID)); err != nil && !errors.Is(err, conn.ErrNotConnected) {
		m.logger.Warn("join failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	s.fetchInitial(ctx)
	return s
}

// Session returns the open session for a conversation, or nil.
func (m *Manager) Session(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[conversationID]
}

// Conversations lists cached conversations, most recently active first.
func (m *Manager) Conversations(limit, offset int) ([]store.Conversation, error) {
	return m.store.ListConversations(limit, offset)
}

// Conversation returns cached metadata for one conversation, or nil when
// it has never been seen.
func (m *Manager) Conversation(conversationID string) (*store.Conversation, error) {
	return m.store.GetConversation(conversationID)
}

// ensureConversation creates the cache row for a conversation opened before
// any message exists, so it shows up in listings right away.
func (m *Manager) ensureConversation(conversationID string) {
	c, err := m.store.GetConversation(conversationID)
	if err != nil {
		m.logger.Warn("conversation lookup failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if c != nil {
		return
	}
	if err := m.store.UpsertConversation(&store.Conversation{ID: conversationID}); err != nil {
		m.logger.Warn("conversation create failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Close detaches from a conversation. Queued message sends for it are kept
// (they still belong to the user); queued typing and read receipts are
// dropped along with any remote typing state.
func (m *Manager) Close(ctx context.Context, conversationID string) {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	delete(m.sessions, conversationID)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.close()

	m.queue.Cancel(func(op queue.Operation) bool {
		return op.ConversationID == conversationID && op.Kind != queue.KindSendMessage
	})
	m.tracker.ClearConversation(conversationID)

	if err := m.conn.Send(ctx, protocol.LeaveConversation(conversationID)); err != nil && !errors.Is(err, conn.ErrNotConnected) {
		m.logger.Warn("leave failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// CloseAll detaches every open session. Used on daemon shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(ctx, id)
	}
}

func (m *Manager) openSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// routeFrame dispatches one validated inbound frame. Runs on the connection
// read loop goroutine.
func (m *Manager) routeFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeNewMessage:
		if s := m.Session(f.Message.ConversationID); s != nil {
			s.syncer.Ingest(*f.Message)
		}
		m.mirror(*f.Message)

	case protocol.TypeMessageSent:
		if s := m.Session(f.Message.ConversationID); s != nil {
			if f.Message.TempID != "" {
				s.syncer.Confirm(f.Message.TempID, *f.Message)
			} else {
				s.syncer.Ingest(*f.Message)
			}
		}
		m.mirror(*f.Message)
		if err := m.store.SetLastSyncedAt(f.Message.ConversationID, f.Message.CreatedAt); err != nil {
			m.logger.Warn("checkpoint update failed", zap.Error(err))
		}

	case protocol.TypeMessagesRead:
		if s := m.Session(f.ConversationID); s != nil {
			s.syncer.MarkRead(f.MessageIDs, f.UserID)
		}
		for _, id := range f.MessageIDs {
			if err := m.store.SetMessageStatus(f.ConversationID, id, string(syncer.StatusRead)); err != nil {
				m.logger.Warn("read status mirror failed", zap.String("msg_id", id), zap.Error(err))
			}
		}

	case protocol.TypeTypingIndicator:
		m.tracker.OnTypingFrame(f.ConversationID, f.UserID, f.IsTyping)

	case protocol.TypeError:
		m.logger.Warn("server error frame",
			zap.String("conversation_id", f.ConversationID),
			zap.String("temp_id", f.TempID),
			zap.String("error", f.ErrorMessage))
		if f.TempID != "" {
			m.failPending(f.ConversationID, f.TempID, f.ErrorMessage)
		}
	}
}

// failPending marks an optimistic message FAILED by its temp id. The
// conversation id on error frames is optional; without it every open
// session is tried, which is safe since temp ids are unique and Fail on an
// unknown temp id is a no-op.
func (m *Manager) failPending(conversationID, tempID, errMsg string) {
	if conversationID != "" {
		if s := m.Session(conversationID); s != nil {
			s.syncer.Fail(tempID, errMsg)
		}
		return
	}
	for _, s := range m.openSessions() {
		s.syncer.Fail(tempID, errMsg)
	}
}

// onResume runs on the connection goroutine once per entry into Connected:
// rejoin every open conversation, replay the offline queue in order, then
// delta-sync each conversation from its watermark.
func (m *Manager) onResume() {
	ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
	defer cancel()

	sessions := m.openSessions()
	for _, s := range sessions {
		if err := m.conn.Send(ctx, protocol.JoinConversation(s.conversationID)); err != nil {
			m.logger.Warn("rejoin failed", zap.String("conversation_id", s.conversationID), zap.Error(err))
		}
	}

	m.queue.Drain(ctx, m.sendOp, m.onSendFailed)

	for _, s := range sessions {
		m.deltaSync(ctx, s)
	}
}

// sendOp puts one queued operation on the wire. Message sends move their
// optimistic entry to SENDING just before the write.
func (m *Manager) sendOp(ctx context.Context, op queue.Operation) error {
	switch op.Kind {
	case queue.KindSendMessage:
		if s := m.Session(op.ConversationID); s != nil {
			s.syncer.MarkSending(op.TempID)
		}
		return m.conn.Send(ctx, protocol.SendMessage(op.ConversationID, op.TempID, op.Content))
	case queue.KindSetTyping:
		return m.conn.Send(ctx, protocol.TypingIndicator(op.ConversationID, op.IsTyping))
	case queue.KindMarkRead:
		return m.conn.Send(ctx, protocol.MarkAsRead(op.ConversationID, op.MessageIDs))
	}
	return nil
}

func (m *Manager) onSendFailed(op queue.Operation, err error) {
	if s := m.Session(op.ConversationID); s != nil {
		s.syncer.Fail(op.TempID, err.Error())
	}
}

// deltaSync pulls everything newer than the conversation's watermark through
// the REST endpoint and merges it via the shared dedup path.
func (m *Manager) deltaSync(ctx context.Context, s *Session) {
	after := s.syncer.LatestServerTimestamp()
	if stored, err := m.store.LastSyncedAt(s.conversationID); err == nil && stored > after {
		after = stored
	}

	for range maxDeltaPages {
		page, err := m.history.After(ctx, s.conversationID, after, m.pageSize())
		if err != nil {
			m.logger.Warn("delta sync failed", zap.String("conversation_id", s.conversationID), zap.Error(err))
			m.publishFetchFailed(s.conversationID, err)
			return
		}
		advanced := false
		for _, pm := range page.Messages {
			s.syncer.Ingest(pm)
			if pm.CreatedAt > after {
				after = pm.CreatedAt
				advanced = true
			}
		}
		m.mirrorAll(page.Messages)
		if !page.HasMore {
			break
		}
		if !advanced {
			// A has_more page that moves the cursor nowhere would loop
			// forever; stop and let the next resume try again.
			m.logger.Warn("delta sync made no progress, stopping",
				zap.String("conversation_id", s.conversationID),
				zap.Int64("after", after))
			break
		}
	}

	if err := m.store.SetLastSyncedAt(s.conversationID, after); err != nil {
		m.logger.Warn("checkpoint update failed", zap.Error(err))
	}
	m.logger.Debug("delta sync complete",
		zap.String("conversation_id", s.conversationID),
		zap.Int64("watermark", after))
}

// mirror writes one server message into the local cache, updating the
// conversation rollup alongside.
func (m *Manager) mirror(pm protocol.Message) {
	m.mirrorAll([]protocol.Message{pm})
}

func (m *Manager) mirrorAll(pms []protocol.Message) {
	if len(pms) == 0 {
		return
	}
	msgs := make([]*store.Message, 0, len(pms))
	for _, pm := range pms {
		if pm.ID == "" {
			continue
		}
		status := syncer.StatusDelivered
		if pm.SenderID == m.selfID {
			status = syncer.StatusSent
		}
		msgs = append(msgs, &store.Message{
			ConversationID: pm.ConversationID,
			MsgID:          pm.ID,
			SenderID:       pm.SenderID,
			Content:        pm.Content,
			Status:         string(status),
			Timestamp:      pm.CreatedAt,
		})
	}
	if len(msgs) == 0 {
		return
	}
	if err := m.store.UpsertBatch(msgs); err != nil {
		m.logger.Warn("cache mirror failed", zap.Int("messages", len(msgs)), zap.Error(err))
	}
}

func (m *Manager) publishFetchFailed(conversationID string, err error) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      "history.fetch_failed",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
			"error":           err.Error(),
		},
	})
}

func (m *Manager) pageSize() int {
	if m.cfg.HistoryPageSize > 0 {
		return m.cfg.HistoryPageSize
	}
	return 50
}
