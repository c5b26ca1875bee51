package presence

import (
	"sync"
	"time"
)

// Emitter debounces local typing emission for one conversation: a start
// fires on the first keystroke after idle, a stop fires after the idle
// interval with no further input, and an explicit stop fires immediately
// when the input is cleared or a message is sent.
type Emitter struct {
	mu     sync.Mutex
	idle   time.Duration
	active bool
	timer  *time.Timer
	emit   func(isTyping bool)
	closed bool
}

// NewEmitter creates an emitter. emit is invoked with the typing state to
// put on the wire (or into the offline queue).
func NewEmitter(idle time.Duration, emit func(isTyping bool)) *Emitter {
	if idle <= 0 {
		idle = 2 * time.Second
	}
	return &Emitter{idle: idle, emit: emit}
}

// Input records a keystroke. The first one after idle emits a typing start;
// each one pushes the idle stop timer out.
func (e *Emitter) Input() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	wasActive := e.active
	e.active = true
	if e.timer == nil {
		e.timer = time.AfterFunc(e.idle, e.idleStop)
	} else {
		e.timer.Reset(e.idle)
	}
	e.mu.Unlock()

	if !wasActive {
		e.emit(true)
	}
}

func (e *Emitter) idleStop() {
	e.mu.Lock()
	if !e.active || e.closed {
		e.mu.Unlock()
		return
	}
	e.active = false
	e.mu.Unlock()
	e.emit(false)
}

// Stop emits an immediate typing stop, used when the composer is cleared or
// a message is sent.
func (e *Emitter) Stop() {
	e.mu.Lock()
	if e.closed || !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
	e.emit(false)
}

// Close cancels the idle timer without emitting. Used on session teardown;
// the session clears typing through the queue cancellation path instead.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.active = false
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
}
