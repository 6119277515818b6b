package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/inference"
	"github.com/go-go-golems/marionette/pkg/retrieval"
)

// Streamer produces model output for one request as a stream of chunks.
// *inference.ChatStreamer is the production implementation.
type Streamer interface {
	Name() string
	Model() string
	Stream(ctx context.Context, req chat.ModelRequest) (*inference.ChunkStream, error)
}

// Captioner describes an image so it can join a text retrieval query.
type Captioner interface {
	Caption(ctx context.Context, mime string, data []byte) (string, error)
}

// Augmenter looks up passages related to the query. Implementations decide
// whether lookup failures are fatal; a nil error with no passages means the
// turn proceeds unaugmented.
type Augmenter interface {
	Augment(ctx context.Context, query string) ([]retrieval.Passage, error)
}

// Options configures sessions created by a Manager.
type Options struct {
	// Resolve maps the model name requested by a turn to a streamer.
	// An empty name selects the default.
	Resolve func(model string) (Streamer, error)

	// Augmenter and Captioner are optional. Without an Augmenter turns run
	// unaugmented; without a Captioner image turns use only their text parts
	// for retrieval.
	Augmenter Augmenter
	Captioner Captioner

	// SystemPrompt, when set, leads every model request.
	SystemPrompt string

	// IdleTimeout bounds the silence between adapter chunks.
	IdleTimeout time.Duration

	// HistoryBudget is the token budget for prior turns included in a
	// request. Zero disables trimming.
	HistoryBudget int

	// FragmentBuffer is the fragment channel capacity per turn.
	FragmentBuffer int
}

func (o *Options) setDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.FragmentBuffer <= 0 {
		o.FragmentBuffer = 64
	}
}

// Session serializes the turns of one client connection. At most one turn
// streams at a time; a second submission is rejected, never queued.
type Session struct {
	ID string

	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu         sync.Mutex
	history    []chat.Message
	active     *chat.Turn
	cancelTurn context.CancelFunc
	closed     bool
}

func newSession(opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Session{
		ID:     id,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With().Str("component", "session").Str("session_id", id).Logger(),
	}
}

// Submit starts a new turn from the given parts. It returns the stream of
// fragments for the turn and the turn itself. While a turn is active further
// submissions fail with *chat.ConflictError; after Close they fail with
// *chat.InvalidStateError. model selects the endpoint, empty for the default.
//
// The turn runs on the session's lifetime context, not on ctx: it outlives
// the submission and ends at a fragment boundary via Cancel, Close, idle
// timeout, or adapter completion. ctx instead bounds delivery: when the
// caller stops consuming and cancels it, pending fragments are dropped
// rather than blocking the turn.
func (s *Session) Submit(ctx context.Context, parts []chat.ContentPart, model string) (*chat.FragmentStream, *chat.Turn, error) {
	if err := chat.ValidateParts(parts); err != nil {
		return nil, nil, err
	}
	for _, p := range parts {
		if p.Kind == chat.PartImage && len(p.Data) == 0 {
			return nil, nil, errors.Errorf("image part %q has no data; resolve references before submitting", p.Ref)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, &chat.InvalidStateError{SessionID: s.ID, Op: "submit"}
	}
	if s.active != nil {
		err := &chat.ConflictError{SessionID: s.ID, ActiveTurnID: s.active.ID}
		s.mu.Unlock()
		return nil, nil, err
	}
	streamer, err := s.opts.Resolve(model)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	turn := chat.NewTurn(parts)
	turnCtx, cancelTurn := context.WithCancel(s.ctx)
	s.active = turn
	s.cancelTurn = cancelTurn
	s.mu.Unlock()

	// The stream is bound to the caller's context, not the turn's, so that
	// cancelling a turn never drops its terminal fragment.
	stream := chat.NewFragmentStream(ctx, s.opts.FragmentBuffer)

	s.logger.Debug().Str("turn_id", turn.ID).Str("endpoint", streamer.Name()).
		Int("parts", len(parts)).Msg("turn accepted")

	go s.run(turnCtx, cancelTurn, turn, streamer, stream)

	return stream, turn, nil
}

// Cancel stops the active turn at the next fragment boundary. It is a no-op
// when no turn is active or the session is closed.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close cancels any active turn and makes every later operation fail with
// *chat.InvalidStateError. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.logger.Debug().Msg("session closed")
}

// History returns a copy of the transcript recorded so far. Only turns that
// ended with status ok contribute messages.
func (s *Session) History() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Active reports whether a turn is currently streaming.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
