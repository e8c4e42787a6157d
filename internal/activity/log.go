// Package activity holds the append-only activity log of a generation run and
// the projector that folds it into per-slide display state.
package activity

import (
	"sync"
	"time"

	"github.com/yangwenmai/deckforge/internal/model"
)

// Log is an ordered, append-only, in-memory buffer of ActivityEvents scoped
// to one run. It has no mutation or deletion API. Appends from many slides
// may race; each append is atomic and assigns the next sequence number.
type Log struct {
	mu     sync.Mutex
	events []model.ActivityEvent
	seq    int64
	now    func() time.Time

	watchers map[int]chan struct{}
	nextID   int
	closed   bool
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithClock overrides the wall clock used to stamp events.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// NewLog creates an empty activity log.
func NewLog(opts ...LogOption) *Log {
	l := &Log{
		now:      time.Now,
		watchers: make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restore builds a log from archived events, preserving their Seq and At.
func Restore(events []model.ActivityEvent) *Log {
	l := NewLog()
	l.events = append(l.events, events...)
	for _, e := range events {
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}
	return l
}

// Append stamps e with the next sequence number and the current time, adds it
// to the end of the log and wakes watchers. The stamped event is returned.
func (l *Log) Append(e model.ActivityEvent) model.ActivityEvent {
	l.mu.Lock()
	l.seq++
	e.Seq = l.seq
	e.At = l.now().UTC()
	if e.Attempt < 1 {
		e.Attempt = 1
	}
	l.events = append(l.events, e)
	l.signalLocked()
	l.mu.Unlock()
	return e
}

// Snapshot returns a copy of the events appended so far. Later appends never
// change a returned snapshot.
func (l *Log) Snapshot() []model.ActivityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.ActivityEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of events appended so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Subscribe returns a channel that receives a value whenever the log changes
// (or Notify is called). Signals coalesce: a slow reader sees at least one
// signal after the latest change. The channel is closed by Close or by the
// returned cancel func.
func (l *Log) Subscribe() (<-chan struct{}, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan struct{}, 1)
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	id := l.nextID
	l.nextID++
	l.watchers[id] = ch
	ch <- struct{}{} // initial state

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if w, ok := l.watchers[id]; ok {
			delete(l.watchers, id)
			close(w)
		}
	}
}

// Notify wakes watchers without appending, e.g. when an image arrives.
func (l *Log) Notify() {
	l.mu.Lock()
	l.signalLocked()
	l.mu.Unlock()
}

// Close ends all subscriptions. Appends are still accepted afterwards so that
// in-flight calls can record their terminal event.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.watchers {
		delete(l.watchers, id)
		close(ch)
	}
}

func (l *Log) signalLocked() {
	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
