// Package presence aggregates typing indicators per conversation and
// debounces local typing emission.
package presence

import (
	"slices"
	"sync"
	"time"

	"github.com/morada-app/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Tracker holds the set of remote users currently typing, per conversation.
// Each entry auto-expires if no refresh or explicit stop frame arrives, to
// tolerate lost stop-events.
type Tracker struct {
	mu     sync.Mutex
	expiry time.Duration
	typing map[string]map[string]*time.Timer // conversation -> user -> expiry timer
	bus    *bus.Bus
	logger *zap.Logger
}

// TypingChange is the bus payload for typing.changed events.
type TypingChange struct {
	ConversationID string
	Users          []string
}

// NewTracker creates a tracker with the given auto-expiry interval.
func NewTracker(expiry time.Duration, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if expiry <= 0 {
		expiry = 3 * time.Second
	}
	return &Tracker{
		expiry: expiry,
		typing: make(map[string]map[string]*time.Timer),
		bus:    b,
		logger: logger,
	}
}

// OnTypingFrame applies an inbound typing indicator. A start refreshes the
// expiry timer; a stop clears the user immediately.
func (t *Tracker) OnTypingFrame(conversationID, userID string, isTyping bool) {
	t.mu.Lock()
	users := t.typing[conversationID]

	if !isTyping {
		if timer, ok := users[userID]; ok {
			timer.Stop()
			delete(users, userID)
			t.mu.Unlock()
			t.publish(conversationID)
			return
		}
		t.mu.Unlock()
		return
	}

	if users == nil {
		users = make(map[string]*time.Timer)
		t.typing[conversationID] = users
	}
	if timer, ok := users[userID]; ok {
		timer.Reset(t.expiry)
		t.mu.Unlock()
		return
	}
	users[userID] = time.AfterFunc(t.expiry, func() {
		t.expire(conversationID, userID)
	})
	t.mu.Unlock()
	t.publish(conversationID)
}

func (t *Tracker) expire(conversationID, userID string) {
	t.mu.Lock()
	users := t.typing[conversationID]
	if _, ok := users[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(users, userID)
	t.mu.Unlock()

	t.logger.Debug("typing indicator expired",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID))
	t.publish(conversationID)
}

// TypingUsers returns the users currently typing in a conversation, sorted.
func (t *Tracker) TypingUsers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.typing[conversationID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// ClearConversation cancels all typing timers for a conversation. Called on
// session teardown.
func (t *Tracker) ClearConversation(conversationID string) {
	t.mu.Lock()
	for _, timer := range t.typing[conversationID] {
		timer.Stop()
	}
	delete(t.typing, conversationID)
	t.mu.Unlock()
}

// Stop cancels every timer. No events fire afterwards.
func (t *Tracker) Stop() {
	t.mu.Lock()
	for _, users := range t.typing {
		for _, timer := range users {
			timer.Stop()
		}
	}
	t.typing = make(map[string]map[string]*time.Timer)
	t.mu.Unlock()
}

func (t *Tracker) publish(conversationID string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:      "typing.changed",
		Timestamp: time.Now(),
		Payload: TypingChange{
			ConversationID: conversationID,
			Users:          t.TypingUsers(conversationID),
		},
	})
}
