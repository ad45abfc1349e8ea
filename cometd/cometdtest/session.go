package cometdtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kleeedolinux/cometd.go/protocol"
)

// session is the server side of one handshaken client. Messages for it
// queue until its next /meta/connect collects them.
type session struct {
	id string

	mu         sync.Mutex
	queue      []*protocol.Message
	lastSeen   time.Time
	connecting bool
	ack        bool
	ackBatch   int64

	// left is set when the client disconnected, as opposed to the session
	// being dropped by the server.
	left bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func generateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newSession() *session {
	return &session{
		id:       generateID(),
		lastSeen: time.Now(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *session) deliver(m *protocol.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) drain() []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.queue
	s.queue = nil
	return msgs
}

func (s *session) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// hold parks a /meta/connect until messages are queued, the session closes,
// ctx ends or timeout elapses.
func (s *session) hold(ctx context.Context, timeout time.Duration) {
	s.mu.Lock()
	s.connecting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.lastSeen = time.Now()
		s.mu.Unlock()
	}()

	if timeout <= 0 || s.pending() {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.wake:
	case <-s.done:
	case <-ctx.Done():
	case <-timer.C:
	}
}

// nextAck returns the id to stamp on a connect reply when the client
// negotiated acknowledgements.
func (s *session) nextAck() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ack {
		return 0, false
	}
	s.ackBatch++
	return s.ackBatch, true
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *session) expired(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.connecting && now.Sub(s.lastSeen) > timeout
}

func (s *session) close(left bool) {
	s.mu.Lock()
	s.left = left
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *session) disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left
}
