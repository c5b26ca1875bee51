package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/morada-app/chatsync/internal/conn"
	"github.com/morada-app/chatsync/internal/presence"
	"github.com/morada-app/chatsync/internal/protocol"
	"github.com/morada-app/chatsync/internal/queue"
	"github.com/morada-app/chatsync/internal/syncer"
	"github.com/morada-app/chatsync/internal/viewport"
	"go.uber.org/zap"
)

// Session is one open conversation: its reconciled timeline, the local
// typing debouncer, and the viewport window over the message sequence.
// All wire traffic goes through the owning Manager.
type Session struct {
	conversationID string
	mgr            *Manager
	syncer         *syncer.Syncer
	emitter        *presence.Emitter
	window         *viewport.Window

	mu     sync.Mutex
	closed bool
}

func newSession(m *Manager, conversationID string) *Session {
	s := &Session{conversationID: conversationID, mgr: m}
	s.syncer = syncer.New(conversationID, m.selfID, m.bus, m.logger)

	idle := time.Duration(m.cfg.TypingIdleMs) * time.Millisecond
	s.emitter = presence.NewEmitter(idle, s.emitTyping)

	s.window = viewport.New(viewport.Config{
		RowHeight: m.cfg.ViewportRowHeight,
		Overscan:  m.cfg.ViewportOverscan,
	}, func() {
		go s.loadOlder(context.Background())
	})
	return s
}

// ConversationID returns the conversation this session is attached to.
func (s *Session) ConversationID() string { return s.conversationID }

// Messages returns the ordered, deduplicated timeline.
func (s *Session) Messages() []syncer.Message { return s.syncer.Snapshot() }

// ConnState returns the shared connection state.
func (s *Session) ConnState() conn.State { return s.mgr.conn.State() }

// TypingUsers returns the remote users currently typing, sorted.
func (s *Session) TypingUsers() []string {
	return s.mgr.tracker.TypingUsers(s.conversationID)
}

// Window exposes the viewport for scroll and resize events.
func (s *Session) Window() *viewport.Window { return s.window }

// Snapshot is a point-in-time view of the session for rendering.
type Snapshot struct {
	Messages    []syncer.Message
	ConnState   conn.State
	TypingUsers []string
}

// Snapshot returns the current timeline, connection state, and typing set
// in one consistent read.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Messages:    s.syncer.Snapshot(),
		ConnState:   s.mgr.conn.State(),
		TypingUsers: s.TypingUsers(),
	}
}

// SendMessage submits a message. The optimistic entry is always inserted
// and returned; when the connection is down the send is queued instead,
// and a full queue fails the message immediately.
func (s *Session) SendMessage(ctx context.Context, content string) (syncer.Message, error) {
	tempID := uuid.NewString()
	now := time.Now().UnixMilli()

	// Sending clears the local typing state right away.
	s.emitter.Stop()

	offline := s.mgr.conn.State() != conn.Connected
	msg := s.syncer.IngestOptimistic(tempID, content, now, offline)
	if offline {
		return msg, s.enqueueSend(tempID, content)
	}
	return msg, s.dispatchSend(ctx, tempID, content)
}

// Retry re-submits a failed message under its original temp id. Returns an
// error if the temp id is unknown or the message is not in FAILED.
func (s *Session) Retry(ctx context.Context, tempID string) error {
	msg, ok := s.syncer.Retry(tempID)
	if !ok {
		return fmt.Errorf("no failed message with temp id %s", tempID)
	}
	if s.mgr.conn.State() != conn.Connected {
		s.syncer.MarkQueued(tempID)
		return s.enqueueSend(tempID, msg.Content)
	}
	return s.dispatchSend(ctx, tempID, msg.Content)
}

// dispatchSend writes the frame on the open transport, falling back to the
// queue if the connection dropped in between.
func (s *Session) dispatchSend(ctx context.Context, tempID, content string) error {
	err := s.mgr.conn.Send(ctx, protocol.SendMessage(s.conversationID, tempID, content))
	if err == nil {
		return nil
	}
	if errors.Is(err, conn.ErrNotConnected) {
		s.syncer.MarkQueued(tempID)
		return s.enqueueSend(tempID, content)
	}
	s.syncer.Fail(tempID, err.Error())
	return err
}

func (s *Session) enqueueSend(tempID, content string) error {
	err := s.mgr.queue.Enqueue(queue.Operation{
		Kind:           queue.KindSendMessage,
		ConversationID: s.conversationID,
		TempID:         tempID,
		Content:        content,
	})
	if err != nil {
		s.syncer.Fail(tempID, err.Error())
	}
	return err
}

// MarkRead sends a read receipt for the given permanent message ids and
// advances the persisted read watermark. Queued when offline.
func (s *Session) MarkRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := s.mgr.store.SetReadWatermark(s.conversationID, time.Now().UnixMilli()); err != nil {
		s.mgr.logger.Warn("read watermark update failed", zap.Error(err))
	}

	err := s.mgr.conn.Send(ctx, protocol.MarkAsRead(s.conversationID, messageIDs))
	if errors.Is(err, conn.ErrNotConnected) {
		return s.mgr.queue.Enqueue(queue.Operation{
			Kind:           queue.KindMarkRead,
			ConversationID: s.conversationID,
			MessageIDs:     messageIDs,
		})
	}
	return err
}

// Typing records a keystroke in the composer. The debounced emitter decides
// when a typing start or stop actually goes out.
func (s *Session) Typing() { s.emitter.Input() }

// StopTyping emits an immediate typing stop (composer cleared).
func (s *Session) StopTyping() { s.emitter.Stop() }

// emitTyping puts the debounced typing state on the wire. Offline, only the
// latest state is worth keeping, so any stale queued indicator is replaced.
func (s *Session) emitTyping(isTyping bool) {
	err := s.mgr.conn.Send(context.Background(), protocol.TypingIndicator(s.conversationID, isTyping))
	if err == nil {
		return
	}
	if !errors.Is(err, conn.ErrNotConnected) {
		s.mgr.logger.Debug("typing send failed", zap.Error(err))
		return
	}
	s.mgr.queue.Cancel(func(op queue.Operation) bool {
		return op.Kind == queue.KindSetTyping && op.ConversationID == s.conversationID
	})
	if qErr := s.mgr.queue.Enqueue(queue.Operation{
		Kind:           queue.KindSetTyping,
		ConversationID: s.conversationID,
		IsTyping:       isTyping,
	}); qErr != nil {
		s.mgr.logger.Debug("typing enqueue failed", zap.Error(qErr))
	}
}

// seedFromCache loads the newest cached page into the timeline so the
// conversation renders before any network round trip.
func (s *Session) seedFromCache() {
	cached, err := s.mgr.store.ListMessages(s.conversationID, 0, s.mgr.pageSize())
	if err != nil {
		s.mgr.logger.Warn("cache load failed", zap.String("conversation_id", s.conversationID), zap.Error(err))
		return
	}
	for _, cm := range cached {
		s.syncer.Ingest(protocol.Message{
			ID:             cm.MsgID,
			ConversationID: cm.ConversationID,
			SenderID:       cm.SenderID,
			Content:        cm.Content,
			CreatedAt:      cm.Timestamp,
		})
	}
}

// fetchInitial pulls the newest server page. On failure the cached view
// stands and the error is surfaced once on the bus.
func (s *Session) fetchInitial(ctx context.Context) {
	page, err := s.mgr.history.Before(ctx, s.conversationID, 0, s.mgr.pageSize())
	if err != nil {
		s.mgr.publishFetchFailed(s.conversationID, err)
		return
	}
	for _, pm := range page.Messages {
		s.syncer.Ingest(pm)
	}
	s.mgr.mirrorAll(page.Messages)
	s.window.SetHasMore(page.HasMore)

	if ts := s.syncer.LatestServerTimestamp(); ts > 0 {
		if err := s.mgr.store.SetLastSyncedAt(s.conversationID, ts); err != nil {
			s.mgr.logger.Warn("checkpoint update failed", zap.Error(err))
		}
	}
}

// loadOlder fetches the page before the oldest known message. Invoked by
// the viewport when scroll arms backward pagination; at most one request is
// in flight at a time.
func (s *Session) loadOlder(ctx context.Context) {
	defer s.window.PaginationDone()

	before, ok := s.syncer.OldestTimestamp()
	if !ok {
		before = 0
	}
	page, err := s.mgr.history.Before(ctx, s.conversationID, before, s.mgr.pageSize())
	if s.isClosed() {
		// Session closed while the request was in flight; discard.
		return
	}
	if err != nil {
		s.mgr.publishFetchFailed(s.conversationID, err)
		return
	}
	for _, pm := range page.Messages {
		s.syncer.Ingest(pm)
	}
	s.mgr.mirrorAll(page.Messages)
	s.window.SetHasMore(page.HasMore)
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.emitter.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
