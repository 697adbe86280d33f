package conversation

import (
	"strings"
	"sync"
	"time"
)

// DefaultFlushInterval bounds visual updates to roughly one per display frame.
const DefaultFlushInterval = 16 * time.Millisecond

// Scheduler accumulates streamed text and releases the accumulated value to a sink at a fixed cadence,
// so a burst of fragments costs one update per tick rather than one per fragment.
type Scheduler struct {
	sink func(string)

	mu     sync.Mutex
	buf    strings.Builder
	dirty  bool
	closed bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewScheduler starts a scheduler that flushes to sink every interval. The sink always receives the
// whole accumulated value, never a delta. Close must be called to stop the ticker.
func NewScheduler(interval time.Duration, sink func(string)) *Scheduler {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	s := &Scheduler{
		sink: sink,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run(interval)
	return s
}

func (s *Scheduler) run(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Append adds a fragment to the accumulated value. Fragments appended after Close are dropped.
func (s *Scheduler) Append(fragment string) {
	if fragment == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf.WriteString(fragment)
	s.dirty = true
}

// Value returns the accumulated value, flushed or not.
func (s *Scheduler) Value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Flush releases the accumulated value to the sink if it changed since the last flush.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Scheduler) flushLocked() {
	if !s.dirty {
		return
	}
	s.dirty = false
	s.sink(s.buf.String())
}

// Close cancels the pending tick and synchronously flushes whatever was appended, including fragments
// that arrived in the same tick. It is safe to call more than once; only the first call flushes.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done

		s.mu.Lock()
		defer s.mu.Unlock()
		s.flushLocked()
		s.closed = true
	})
}
