package inference

import (
	"context"
	"sync"
)

// Chunk is one raw piece of endpoint output. Exactly one of the three
// shapes terminates a stream: Done for normal completion, Err for a
// transport failure. Delta chunks carry incremental text.
type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// ChunkStream is the reified lazy chunk sequence produced by an adapter.
// A single producer goroutine pushes chunks in arrival order; the stream
// always ends with a Done or Err chunk unless the consumer went away first.
type ChunkStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	chunks chan Chunk
	closed bool
}

// NewChunkStream builds a stream bound to ctx.
func NewChunkStream(ctx context.Context, buffer int) *ChunkStream {
	if buffer <= 0 {
		buffer = 16
	}
	c, cancel := context.WithCancel(ctx)
	return &ChunkStream{
		ctx:    c,
		cancel: cancel,
		chunks: make(chan Chunk, buffer),
	}
}

// Push appends a chunk, dropping it if the stream is closed or the consumer
// is gone.
func (s *ChunkStream) Push(c Chunk) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.chunks <- c:
	case <-s.ctx.Done():
	}
}

// Finish marks normal end of stream and closes it.
func (s *ChunkStream) Finish() {
	s.Push(Chunk{Done: true})
	s.Close()
}

// Fail terminates the stream with err.
func (s *ChunkStream) Fail(err error) {
	s.Push(Chunk{Err: err})
	s.Close()
}

// Close tears the stream down. Idempotent. Only the producer may call it;
// consumers abandon a stream by cancelling the context it was built on.
func (s *ChunkStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.chunks)
	s.cancel()
}

// Chunks returns the read side. The channel closes after the terminal chunk.
func (s *ChunkStream) Chunks() <-chan Chunk {
	return s.chunks
}
