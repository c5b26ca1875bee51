package presence

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/morada-app/chatsync/internal/bus"
)

func TestTypingStartAndStop(t *testing.T) {
	tr := NewTracker(time.Second, nil, nil)
	defer tr.Stop()

	tr.OnTypingFrame("c1", "u2", true)
	tr.OnTypingFrame("c1", "u3", true)

	got := tr.TypingUsers("c1")
	if !slices.Equal(got, []string{"u2", "u3"}) {
		t.Errorf("TypingUsers = %v, want [u2 u3]", got)
	}

	tr.OnTypingFrame("c1", "u2", false)
	got = tr.TypingUsers("c1")
	if !slices.Equal(got, []string{"u3"}) {
		t.Errorf("TypingUsers = %v, want [u3]", got)
	}
}

func TestTypingAutoExpiry(t *testing.T) {
	tr := NewTracker(30*time.Millisecond, nil, nil)
	defer tr.Stop()

	// Start with no follow-up: the lost stop-event case.
	tr.OnTypingFrame("c1", "u2", true)
	if len(tr.TypingUsers("c1")) != 1 {
		t.Fatal("user should be typing")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tr.TypingUsers("c1")) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("typing state did not expire")
}

func TestTypingRefreshExtendsExpiry(t *testing.T) {
	tr := NewTracker(50*time.Millisecond, nil, nil)
	defer tr.Stop()

	tr.OnTypingFrame("c1", "u2", true)
	for range 4 {
		time.Sleep(20 * time.Millisecond)
		tr.OnTypingFrame("c1", "u2", true)
	}
	// 80ms elapsed, well past the expiry, but refreshed throughout.
	if len(tr.TypingUsers("c1")) != 1 {
		t.Error("refreshed typing state should not expire")
	}
}

func TestTypingChangePublished(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("typing.", 10)
	defer unsub()

	tr := NewTracker(time.Second, b, nil)
	defer tr.Stop()

	tr.OnTypingFrame("c1", "u2", true)

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(TypingChange)
		if !ok {
			t.Fatalf("payload type = %T, want TypingChange", evt.Payload)
		}
		if change.ConversationID != "c1" || !slices.Equal(change.Users, []string{"u2"}) {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for typing.changed event")
	}
}

func TestClearConversation(t *testing.T) {
	tr := NewTracker(time.Second, nil, nil)
	defer tr.Stop()

	tr.OnTypingFrame("c1", "u2", true)
	tr.OnTypingFrame("c2", "u4", true)
	tr.ClearConversation("c1")

	if len(tr.TypingUsers("c1")) != 0 {
		t.Error("c1 should be cleared")
	}
	if len(tr.TypingUsers("c2")) != 1 {
		t.Error("c2 should be untouched")
	}
}

func TestEmitterDebounce(t *testing.T) {
	var mu sync.Mutex
	var emitted []bool
	e := NewEmitter(40*time.Millisecond, func(isTyping bool) {
		mu.Lock()
		emitted = append(emitted, isTyping)
		mu.Unlock()
	})
	defer e.Close()

	// A burst of keystrokes emits one start.
	e.Input()
	e.Input()
	e.Input()

	mu.Lock()
	if len(emitted) != 1 || emitted[0] != true {
		t.Fatalf("emitted = %v, want single start", emitted)
	}
	mu.Unlock()

	// Idle past the debounce interval emits the stop.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(emitted)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 2 || emitted[1] != false {
		t.Fatalf("emitted = %v, want [true false]", emitted)
	}
}

func TestEmitterExplicitStop(t *testing.T) {
	var mu sync.Mutex
	var emitted []bool
	e := NewEmitter(time.Hour, func(isTyping bool) {
		mu.Lock()
		emitted = append(emitted, isTyping)
		mu.Unlock()
	})
	defer e.Close()

	e.Input()
	e.Stop() // message sent

	mu.Lock()
	if len(emitted) != 2 || emitted[0] != true || emitted[1] != false {
		t.Errorf("emitted = %v, want [true false]", emitted)
	}
	mu.Unlock()

	// Stop while idle is a no-op.
	e.Stop()
	mu.Lock()
	if len(emitted) != 2 {
		t.Errorf("redundant Stop() emitted extra events: %v", emitted)
	}
	mu.Unlock()
}

func TestEmitterCloseSilences(t *testing.T) {
	var mu sync.Mutex
	count := 0
	e := NewEmitter(20*time.Millisecond, func(bool) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	e.Input()
	e.Close()

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("emit count = %d after Close, want 1 (the start only)", count)
	}
}
