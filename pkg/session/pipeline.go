package session

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/retrieval"
)

// run drives one turn to its terminal fragment: augment the query, assemble
// the model request, then forward adapter chunks as fragments with a fresh
// seq counter. Exactly one fragment with Final set is pushed no matter how
// the turn ends.
//
// cancel is the turn's own cancel func. The deferred call is how the adapter
// pump gets stopped on every exit path; the consumer side never closes the
// chunk stream directly.
func (s *Session) run(ctx context.Context, cancel context.CancelFunc, turn *chat.Turn, streamer Streamer, stream *chat.FragmentStream) {
	defer cancel()

	logger := s.logger.With().Str("turn_id", turn.ID).Logger()
	started := time.Now()

	seq := 0
	var assistant strings.Builder

	finish := func(status chat.FragmentStatus, payload string) {
		stream.Push(chat.Fragment{
			TurnID:  turn.ID,
			Seq:     seq,
			Payload: payload,
			Final:   true,
			Status:  status,
		})
		s.mu.Lock()
		if status == chat.StatusOK {
			s.history = append(s.history,
				chat.Message{Role: chat.RoleUser, Content: turn.Text(), Parts: turn.Parts},
				chat.Message{Role: chat.RoleAssistant, Content: assistant.String()},
			)
		}
		s.active = nil
		s.cancelTurn = nil
		s.mu.Unlock()
		stream.Close()
		logger.Info().Str("status", string(status)).Int("fragments", seq+1).
			Dur("elapsed", time.Since(started)).Msg("turn finished")
	}

	passages, err := s.augment(ctx, turn)
	if err != nil {
		if ctx.Err() != nil {
			finish(chat.StatusCancelled, "")
			return
		}
		finish(chat.StatusError, err.Error())
		return
	}

	req := s.buildRequest(turn, passages, streamer)

	chunks, err := streamer.Stream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			finish(chat.StatusCancelled, "")
			return
		}
		logger.Warn().Err(err).Str("endpoint", streamer.Name()).Msg("adapter refused request")
		finish(chat.StatusError, err.Error())
		return
	}

	idle := time.NewTimer(s.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			finish(chat.StatusCancelled, "")
			return

		case <-idle.C:
			terr := &chat.AdapterTimeoutError{Endpoint: streamer.Name(), Idle: s.opts.IdleTimeout}
			logger.Warn().Dur("idle", s.opts.IdleTimeout).Str("endpoint", streamer.Name()).
				Msg("adapter went silent")
			finish(chat.StatusError, terr.Error())
			return

		case c, ok := <-chunks.Chunks():
			if !ok {
				// Producer went away without a done marker. Distinguish
				// cancellation from an adapter that simply stopped.
				if ctx.Err() != nil {
					finish(chat.StatusCancelled, "")
				} else {
					finish(chat.StatusOK, "")
				}
				return
			}
			if c.Err != nil {
				finish(chat.StatusError, c.Err.Error())
				return
			}
			if c.Done {
				finish(chat.StatusOK, "")
				return
			}
			stream.Push(chat.Fragment{
				TurnID:  turn.ID,
				Seq:     seq,
				Payload: c.Delta,
				Status:  chat.StatusOK,
			})
			seq++
			assistant.WriteString(c.Delta)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.opts.IdleTimeout)
		}
	}
}

// augment runs the single retrieval pass for a turn. Image parts are
// captioned into the query when a captioner is available; captioning
// failures fall back to the text parts alone.
func (s *Session) augment(ctx context.Context, turn *chat.Turn) ([]retrieval.Passage, error) {
	if s.opts.Augmenter == nil {
		return nil, nil
	}
	query := turn.Text()
	if s.opts.Captioner != nil {
		for _, img := range turn.Images() {
			caption, err := s.opts.Captioner.Caption(ctx, img.MIME, img.Data)
			if err != nil {
				s.logger.Warn().Err(err).Str("turn_id", turn.ID).
					Msg("captioning failed, querying with text parts only")
				continue
			}
			if query != "" {
				query += "\n"
			}
			query += caption
		}
	}
	return s.opts.Augmenter.Augment(ctx, query)
}

// buildRequest assembles the message list for the adapter: system prompt,
// retrieved context, token-windowed history, then the user's turn. Modality
// flags span the whole list, so an image replayed from history counts even
// when the new turn is text only.
func (s *Session) buildRequest(turn *chat.Turn, passages []retrieval.Passage, streamer Streamer) chat.ModelRequest {
	s.mu.Lock()
	history := make([]chat.Message, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	history = windowHistory(history, s.opts.HistoryBudget, streamer.Model())

	msgs := make([]chat.Message, 0, len(history)+3)
	if s.opts.SystemPrompt != "" {
		msgs = append(msgs, chat.Message{Role: chat.RoleSystem, Content: s.opts.SystemPrompt})
	}
	if block := retrieval.ContextBlock(passages); block != "" {
		msgs = append(msgs, chat.Message{Role: chat.RoleSystem, Content: block})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, chat.Message{Role: chat.RoleUser, Content: turn.Text(), Parts: turn.Parts})

	return chat.ModelRequest{
		EndpointName: streamer.Name(),
		Messages:     msgs,
		Modalities:   chat.MessageModalities(msgs),
	}
}
