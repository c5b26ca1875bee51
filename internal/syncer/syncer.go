// Package syncer reconciles locally-originated optimistic messages with
// server-confirmed ones for a single conversation: dedup, ordering, and
// per-message lifecycle status.
package syncer

import (
	"slices"
	"sync"
	"time"

	"github.com/morada-app/chatsync/internal/bus"
	"github.com/morada-app/chatsync/internal/protocol"
	"go.uber.org/zap"
)

// Status is the client-observed lifecycle of a message.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Message is one entry in the conversation timeline. Before confirmation it
// is identified solely by TempID; once the server echo arrives it carries
// the permanent ID as well.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      int64 // unix ms; client-assigned until confirmed
	Status         Status
	SendError      string
}

// Key returns the message's current identity: permanent id once confirmed,
// temp id before that.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// record is an arena slot. The slot index is stable for the session's
// lifetime; rekeying a message on confirmation only updates the lookup
// table, never moves data.
type record struct {
	msg Message
	seq uint64 // insertion sequence, tie-breaker for equal timestamps
}

// Syncer holds the reconciled message set of one conversation.
type Syncer struct {
	mu             sync.RWMutex
	conversationID string
	selfID         string

	records    []*record
	byKey      map[string]int    // temp id AND permanent id -> arena index
	tempToPerm map[string]string // retained for the whole session
	nextSeq    uint64
	latest     int64 // latest known server-assigned timestamp

	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a syncer for one conversation. selfID is the local user;
// it decides which side of the timeline a message belongs to and whether a
// read receipt targets our own messages.
func New(conversationID, selfID string, b *bus.Bus, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		conversationID: conversationID,
		selfID:         selfID,
		byKey:          make(map[string]int),
		tempToPerm:     make(map[string]string),
		bus:            b,
		logger:         logger,
	}
}

// IngestOptimistic inserts a locally-originated message keyed by its temp
// id, before any server confirmation. queued selects QUEUED over SENDING
// when the connection is down at submission time.
func (s *Syncer) IngestOptimistic(tempID, content string, createdAt int64, queued bool) Message {
	status := StatusSending
	if queued {
		status = StatusQueued
	}
	msg := Message{
		TempID:         tempID,
		ConversationID: s.conversationID,
		SenderID:       s.selfID,
		Content:        content,
		CreatedAt:      createdAt,
		Status:         status,
	}

	s.mu.Lock()
	s.insert(msg)
	s.mu.Unlock()

	s.publishUpserted(tempID)
	return msg
}

// Ingest merges a server message: live frame, delta resync, and history
// pages all pass through here, sharing one dedup path. Returns false when
// the message was already known (duplicate suppression).
func (s *Syncer) Ingest(pm protocol.Message) bool {
	// Cache rows and history pages reach here unvalidated; an entry with
	// no permanent id would poison the byKey table under "".
	if pm.ID == "" {
		s.logger.Warn("dropping server message without id",
			zap.String("conversation_id", pm.ConversationID))
		return false
	}
	// Resolve the temp id first; only treat the frame as a foreign echo
	// when no matching optimistic entry exists locally.
	if pm.TempID != "" {
		if s.has(pm.TempID) {
			s.Confirm(pm.TempID, pm)
			return false
		}
	}

	s.mu.Lock()
	if _, dup := s.byKey[pm.ID]; dup {
		s.mu.Unlock()
		return false
	}

	status := StatusDelivered
	if pm.SenderID == s.selfID {
		// Echo of our own message from another session.
		status = StatusSent
	}
	s.insert(Message{
		ID:             pm.ID,
		TempID:         pm.TempID,
		ConversationID: pm.ConversationID,
		SenderID:       pm.SenderID,
		Content:        pm.Content,
		CreatedAt:      pm.CreatedAt,
		Status:         status,
	})
	s.observeServerTS(pm.CreatedAt)
	s.mu.Unlock()

	s.publishUpserted(pm.ID)
	return true
}

// Confirm resolves a pending optimistic entry to its permanent identity.
// The stored entry is rekeyed (arena slot unchanged), content and timestamp
// take the authoritative server values, and the temp id mapping is retained
// so later re-deliveries of the same permanent id are no-ops.
func (s *Syncer) Confirm(tempID string, pm protocol.Message) {
	s.mu.Lock()
	idx, ok := s.byKey[tempID]
	if !ok {
		s.mu.Unlock()
		// No local counterpart: a message sent from another session.
		s.Ingest(pm)
		return
	}

	rec := s.records[idx]
	if rec.msg.ID == pm.ID {
		// Duplicate confirmation.
		s.mu.Unlock()
		return
	}
	rec.msg.ID = pm.ID
	rec.msg.Content = pm.Content
	rec.msg.CreatedAt = pm.CreatedAt
	switch rec.msg.Status {
	case StatusQueued, StatusSending, StatusFailed:
		rec.msg.Status = StatusSent
		rec.msg.SendError = ""
	}
	s.byKey[pm.ID] = idx
	s.tempToPerm[tempID] = pm.ID
	s.observeServerTS(pm.CreatedAt)
	s.mu.Unlock()

	s.publishUpserted(pm.ID)
}

// Fail marks a pending optimistic entry as failed. The entry stays visible
// so the user can retry or discard it explicitly.
func (s *Syncer) Fail(tempID, sendErr string) {
	s.mu.Lock()
	idx, ok := s.byKey[tempID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec := s.records[idx]
	if rec.msg.ID != "" {
		// Late failure for an already-confirmed message; the ack won.
		s.mu.Unlock()
		return
	}
	rec.msg.Status = StatusFailed
	rec.msg.SendError = sendErr
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      "message.send_failed",
			Timestamp: time.Now(),
			Payload:   map[string]string{"temp_id": tempID, "error": sendErr},
		})
	}
}

// Retry transitions a failed entry back to SENDING under its original temp
// id and returns it for re-emission. Returns false if the temp id is
// unknown or not in FAILED.
func (s *Syncer) Retry(tempID string) (Message, bool) {
	s.mu.Lock()
	idx, ok := s.byKey[tempID]
	if !ok {
		s.mu.Unlock()
		return Message{}, false
	}
	rec := s.records[idx]
	if rec.msg.Status != StatusFailed {
		s.mu.Unlock()
		return Message{}, false
	}
	rec.msg.Status = StatusSending
	rec.msg.SendError = ""
	msg := rec.msg
	s.mu.Unlock()

	s.publishUpserted(tempID)
	return msg, true
}

// MarkQueued moves a pending entry to QUEUED (submission while offline).
func (s *Syncer) MarkQueued(tempID string) {
	s.setPendingStatus(tempID, StatusQueued)
}

// MarkSending moves a pending entry to SENDING (drain picked it up).
func (s *Syncer) MarkSending(tempID string) {
	s.setPendingStatus(tempID, StatusSending)
}

func (s *Syncer) setPendingStatus(tempID string, status Status) {
	s.mu.Lock()
	idx, ok := s.byKey[tempID]
	if ok && s.records[idx].msg.ID == "" {
		s.records[idx].msg.Status = status
	}
	s.mu.Unlock()
	if ok {
		s.publishUpserted(tempID)
	}
}

// MarkDelivered moves our own confirmed messages from SENT to DELIVERED, for
// backends that report receipt separately from reads.
func (s *Syncer) MarkDelivered(ids []string) {
	s.mu.Lock()
	var changed []string
	for _, id := range ids {
		idx, ok := s.byKey[id]
		if !ok {
			continue
		}
		rec := s.records[idx]
		if rec.msg.SenderID == s.selfID && rec.msg.Status == StatusSent {
			rec.msg.Status = StatusDelivered
			changed = append(changed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range changed {
		s.publishUpserted(id)
	}
}

// MarkRead applies a read receipt from readerID to the given permanent ids.
// Only our own confirmed messages move to READ.
func (s *Syncer) MarkRead(ids []string, readerID string) {
	if readerID == s.selfID {
		return
	}
	changed := false
	s.mu.Lock()
	for _, id := range ids {
		idx, ok := s.byKey[id]
		if !ok {
			continue
		}
		rec := s.records[idx]
		if rec.msg.SenderID != s.selfID {
			continue
		}
		switch rec.msg.Status {
		case StatusSent, StatusDelivered:
			rec.msg.Status = StatusRead
			changed = true
		}
	}
	s.mu.Unlock()

	if changed && s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      "message.read",
			Timestamp: time.Now(),
			Payload: map[string]string{
				"conversation_id": s.conversationID,
				"reader_id":       readerID,
			},
		})
	}
}

// Snapshot returns the ordered, deduplicated timeline: ascending by
// creation timestamp, ties broken by insertion sequence.
func (s *Syncer) Snapshot() []Message {
	s.mu.RLock()
	recs := make([]*record, len(s.records))
	copy(recs, s.records)
	s.mu.RUnlock()

	slices.SortStableFunc(recs, func(a, b *record) int {
		if a.msg.CreatedAt != b.msg.CreatedAt {
			if a.msg.CreatedAt < b.msg.CreatedAt {
				return -1
			}
			return 1
		}
		if a.seq < b.seq {
			return -1
		}
		if a.seq > b.seq {
			return 1
		}
		return 0
	})

	out := make([]Message, len(recs))
	for i, r := range recs {
		out[i] = r.msg
	}
	return out
}

// LatestServerTimestamp returns the newest server-assigned timestamp seen,
// the delta-sync watermark after a reconnect.
func (s *Syncer) LatestServerTimestamp() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// OldestTimestamp returns the oldest known timestamp, the cursor for
// backward pagination. ok is false when the timeline is empty.
func (s *Syncer) OldestTimestamp() (ts int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if !ok || r.msg.CreatedAt < ts {
			ts = r.msg.CreatedAt
			ok = true
		}
	}
	return ts, ok
}

// Len returns the number of live entries.
func (s *Syncer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Syncer) has(key string) bool {
	s.mu.RLock()
	_, ok := s.byKey[key]
	s.mu.RUnlock()
	return ok
}

// insert allocates an arena slot. Caller holds the lock.
func (s *Syncer) insert(msg Message) {
	idx := len(s.records)
	s.records = append(s.records, &record{msg: msg, seq: s.nextSeq})
	s.nextSeq++
	if msg.TempID != "" {
		s.byKey[msg.TempID] = idx
	}
	if msg.ID != "" {
		s.byKey[msg.ID] = idx
		if msg.TempID != "" {
			s.tempToPerm[msg.TempID] = msg.ID
		}
	}
}

// observeServerTS advances the delta watermark. Caller holds the lock.
func (s *Syncer) observeServerTS(ts int64) {
	if ts > s.latest {
		s.latest = ts
	}
}

func (s *Syncer) publishUpserted(key string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": s.conversationID,
			"msg_id":          key,
		},
	})
}
