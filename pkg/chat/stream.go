package chat

import (
	"context"
	"sync"
)

// FragmentStatus is the terminal (or per-fragment) status carried on the wire.
type FragmentStatus string

const (
	StatusOK        FragmentStatus = "ok"
	StatusError     FragmentStatus = "error"
	StatusCancelled FragmentStatus = "cancelled"
)

// Fragment is one incremental piece of model output for a turn. Seq is
// monotonic per turn starting at 0; exactly the last fragment delivered for
// a turn has Final set. Non-terminal fragments always carry StatusOK.
type Fragment struct {
	TurnID  string
	Seq     int
	Payload string
	Final   bool
	Status  FragmentStatus
}

// FragmentStream is the forward-only, non-restartable fragment sequence a
// submission returns. The producer pushes fragments in order and closes the
// stream after the terminal one; consumers range over Fragments().
type FragmentStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	fragments chan Fragment
	closed    bool
}

// NewFragmentStream builds a stream bound to ctx with the given buffer.
func NewFragmentStream(ctx context.Context, buffer int) *FragmentStream {
	if buffer <= 0 {
		buffer = 16
	}
	c, cancel := context.WithCancel(ctx)
	return &FragmentStream{
		ctx:       c,
		cancel:    cancel,
		fragments: make(chan Fragment, buffer),
	}
}

// Push appends a fragment. Pushes after Close, or once the consumer is
// gone, are dropped.
func (s *FragmentStream) Push(f Fragment) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.fragments <- f:
	case <-s.ctx.Done():
	}
}

// Close ends the stream. Idempotent.
func (s *FragmentStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.fragments)
	s.cancel()
}

// Fragments returns the read side of the stream. The channel closes after
// the terminal fragment.
func (s *FragmentStream) Fragments() <-chan Fragment {
	return s.fragments
}
