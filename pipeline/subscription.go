package pipeline

import (
	"sync"

	"github.com/evidentia-io/evidentia/log"
	"github.com/evidentia-io/evidentia/types"
)

// subscriberBuffer is the per-subscriber event queue depth. Events beyond
// it are dropped rather than blocking the pipeline.
const subscriberBuffer = 64

// ProgressEvent is delivered to progress subscribers on every phase
// transition and sub-step.
type ProgressEvent struct {
	// EvidenceID identifies the capture.
	EvidenceID string
	// Phase is the phase the event belongs to.
	Phase types.Phase
	// Percent is 0..100, monotonically non-decreasing within a phase.
	Percent int
	// Message is a short human-readable step description.
	Message string
}

// ProgressFunc receives progress events.
type ProgressFunc func(ProgressEvent)

// ErrorFunc receives surfaced pipeline errors.
type ErrorFunc func(*types.PipelineError)

// subscribers fans events out to registered callbacks.
//
// Each subscriber gets its own buffered queue and dispatch goroutine, so
// a slow or panicking callback never blocks the pipeline and events stay
// ordered per subscriber. Full queues drop events.
type subscribers struct {
	mu       sync.Mutex
	logger   *log.Logger
	nextID   int
	progress map[int]chan ProgressEvent
	errors   map[int]chan *types.PipelineError
	closed   bool
}

func newSubscribers(logger *log.Logger) *subscribers {
	return &subscribers{
		logger:   logger,
		progress: make(map[int]chan ProgressEvent),
		errors:   make(map[int]chan *types.PipelineError),
	}
}

// OnProgress registers a progress callback. The returned handle
// unregisters it; calling the handle twice is safe.
func (s *subscribers) OnProgress(fn ProgressFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}

	id := s.nextID
	s.nextID++
	ch := make(chan ProgressEvent, subscriberBuffer)
	s.progress[id] = ch

	go func() {
		for ev := range ch {
			s.safeCall(func() { fn(ev) })
		}
	}()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.progress[id]; ok {
			delete(s.progress, id)
			close(ch)
		}
	}
}

// OnError registers an error callback. The returned handle unregisters it.
func (s *subscribers) OnError(fn ErrorFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}

	id := s.nextID
	s.nextID++
	ch := make(chan *types.PipelineError, subscriberBuffer)
	s.errors[id] = ch

	go func() {
		for err := range ch {
			s.safeCall(func() { fn(err) })
		}
	}()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.errors[id]; ok {
			delete(s.errors, id)
			close(ch)
		}
	}
}

// emitProgress delivers the event to all progress subscribers without
// blocking. Events to full queues are dropped.
func (s *subscribers) emitProgress(ev ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.progress {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("progress subscriber queue full, event dropped", map[string]any{
				"phase":   string(ev.Phase),
				"percent": ev.Percent,
			})
		}
	}
}

// emitError delivers the error to all error subscribers without blocking.
func (s *subscribers) emitError(err *types.PipelineError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.errors {
		select {
		case ch <- err:
		default:
			s.logger.Warn("error subscriber queue full, event dropped", map[string]any{
				"code": string(err.Code),
			})
		}
	}
}

// clear unregisters every subscriber and stops accepting new ones.
// Called on pipeline teardown; no events are delivered afterwards.
func (s *subscribers) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.progress {
		delete(s.progress, id)
		close(ch)
	}
	for id, ch := range s.errors {
		delete(s.errors, id)
		close(ch)
	}
}

// safeCall invokes fn, converting a panic into a log entry.
// Subscriber panics must not propagate into the pipeline.
func (s *subscribers) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber callback panicked", map[string]any{
				"panic": r,
			})
		}
	}()
	fn()
}
