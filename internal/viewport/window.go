// Package viewport windows an unbounded ordered message sequence into the
// slice worth materializing, and gates backward pagination. It is pure
// geometry: no rendering framework, no message types, just row indexes.
package viewport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes the windowing geometry. All pixel values are estimates; the
// window only needs them to be consistent with the scroll offsets fed in.
type Config struct {
	RowHeight       int           // estimated height of one row
	Overscan        int           // rows padded on each side against pop-in
	TopThreshold    int           // px from the top that arms backward pagination
	BottomTolerance int           // px from the bottom still counting as "at bottom"
	FrameInterval   time.Duration // minimum interval between scroll recomputes
}

// Range is a half-open row interval [Start, End).
type Range struct {
	Start int
	End   int
}

// Window computes visible ranges and enforces the at-most-one-in-flight
// pagination invariant.
type Window struct {
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	rng      Range
	hasMore  bool
	inFlight bool

	onPaginate func()
}

// New creates a window. onPaginate is invoked (synchronously) whenever
// scroll reaches the top threshold while more history is available and no
// request is in flight.
func New(cfg Config, onPaginate func()) *Window {
	if cfg.RowHeight <= 0 {
		cfg.RowHeight = 48
	}
	if cfg.Overscan <= 0 {
		cfg.Overscan = 8
	}
	if cfg.TopThreshold <= 0 {
		cfg.TopThreshold = 2 * cfg.RowHeight
	}
	if cfg.BottomTolerance <= 0 {
		cfg.BottomTolerance = cfg.RowHeight
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 16 * time.Millisecond
	}
	return &Window{
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Every(cfg.FrameInterval), 1),
		onPaginate: onPaginate,
	}
}

// Recompute recalculates the range unconditionally: used on resize and on
// sequence-length change.
func (w *Window) Recompute(total, viewportHeight, scrollOffset int) Range {
	rng := w.compute(total, viewportHeight, scrollOffset)
	w.mu.Lock()
	w.rng = rng
	w.mu.Unlock()
	return rng
}

// HandleScroll recalculates on a scroll event, rate-limited to one
// recompute per frame interval. Returns the current range and whether it
// was recomputed. Pagination arming is checked on every call, limited or
// not, so a fast fling cannot skip past the threshold unnoticed.
func (w *Window) HandleScroll(total, viewportHeight, scrollOffset int) (Range, bool) {
	w.maybePaginate(scrollOffset)

	if !w.limiter.Allow() {
		w.mu.Lock()
		rng := w.rng
		w.mu.Unlock()
		return rng, false
	}
	return w.Recompute(total, viewportHeight, scrollOffset), true
}

// compute derives the padded visible interval.
func (w *Window) compute(total, viewportHeight, scrollOffset int) Range {
	if total <= 0 || viewportHeight <= 0 {
		return Range{}
	}
	if scrollOffset < 0 {
		scrollOffset = 0
	}
	first := scrollOffset / w.cfg.RowHeight
	visible := (viewportHeight + w.cfg.RowHeight - 1) / w.cfg.RowHeight

	start := first - w.cfg.Overscan
	if start < 0 {
		start = 0
	}
	end := first + visible + w.cfg.Overscan
	if end > total {
		end = total
	}
	if start > end {
		start = end
	}
	return Range{Start: start, End: end}
}

// maybePaginate arms a backward pagination request when scroll is within
// the top threshold, history remains, and nothing is already in flight.
func (w *Window) maybePaginate(scrollOffset int) {
	w.mu.Lock()
	fire := scrollOffset <= w.cfg.TopThreshold && w.hasMore && !w.inFlight
	if fire {
		w.inFlight = true
	}
	w.mu.Unlock()

	if fire && w.onPaginate != nil {
		w.onPaginate()
	}
}

// SetHasMore records whether older history remains on the server.
func (w *Window) SetHasMore(hasMore bool) {
	w.mu.Lock()
	w.hasMore = hasMore
	w.mu.Unlock()
}

// PaginationDone clears the in-flight flag once a history page has been
// merged (or the request failed).
func (w *Window) PaginationDone() {
	w.mu.Lock()
	w.inFlight = false
	w.mu.Unlock()
}

// PaginationInFlight reports whether a backward request is outstanding.
func (w *Window) PaginationInFlight() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// Current returns the last computed range.
func (w *Window) Current() Range {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng
}

// ShouldFollow reports whether a new-message arrival should auto-scroll:
// only when the viewport already sat at (or within tolerance of) the
// bottom, so a user reading history is not interrupted.
func (w *Window) ShouldFollow(total, viewportHeight, scrollOffset int) bool {
	contentHeight := total * w.cfg.RowHeight
	if contentHeight <= viewportHeight {
		return true
	}
	return scrollOffset+viewportHeight >= contentHeight-w.cfg.BottomTolerance
}
