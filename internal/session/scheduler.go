package session

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/NissanOhana/dev-agent-day2day/internal/event"
)

var ErrSessionQueueFull = errors.New("session queue full")

type EventHandler func(context.Context, event.Event)

// Scheduler gives each session one worker goroutine and a bounded queue,
// so events for the same session apply in a single total order while
// different sessions proceed fully in parallel. The enqueue order is the
// only ordering source; nothing is reordered, deduped, or batched.
type Scheduler struct {
	logger    *log.Logger
	handler   EventHandler
	queueSize int

	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	ch chan event.Event
}

func NewScheduler(logger *log.Logger, queueSize int, handler EventHandler) *Scheduler {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Scheduler{
		logger:    logger,
		handler:   handler,
		queueSize: queueSize,
		workers:   make(map[string]*worker),
	}
}

// Enqueue hands an event to its session's worker. The send happens under
// the scheduler lock so Remove can never close a channel mid-send.
func (s *Scheduler) Enqueue(_ context.Context, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[e.SessionID]
	if !ok {
		w = &worker{ch: make(chan event.Event, s.queueSize)}
		s.workers[e.SessionID] = w
		go func() {
			for queued := range w.ch {
				s.handler(context.Background(), queued)
			}
		}()
	}

	select {
	case w.ch <- e:
		return nil
	default:
		s.logger.Printf("session queue full session_id=%s", e.SessionID)
		return ErrSessionQueueFull
	}
}

// WorkerCount reports the number of live per-session workers.
func (s *Scheduler) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Remove tears down a session's worker. Queued events drain through the
// handler before the goroutine exits; events enqueued afterwards get a
// fresh worker, and the handler is responsible for dropping anything
// addressed to a session that no longer exists.
func (s *Scheduler) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[sessionID]
	if !ok {
		return
	}
	delete(s.workers, sessionID)
	close(w.ch)
}
