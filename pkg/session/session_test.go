package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/config"
	"github.com/go-go-golems/marionette/pkg/inference"
	"github.com/go-go-golems/marionette/pkg/retrieval"
)

// fakeStreamer scripts adapter behavior: deltas to emit, an optional pause
// before each one, an optional gate to hold the stream open, and scripted
// refusals or mid-stream failures.
type fakeStreamer struct {
	name  string
	model string

	chunks    []string
	delay     time.Duration
	hold      chan struct{}
	refuse    error
	failAfter error

	mu   sync.Mutex
	reqs []chat.ModelRequest
}

func (f *fakeStreamer) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeStreamer) Model() string {
	if f.model == "" {
		return "gpt-4o-mini"
	}
	return f.model
}

func (f *fakeStreamer) Stream(ctx context.Context, req chat.ModelRequest) (*inference.ChunkStream, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.refuse != nil {
		return nil, f.refuse
	}
	cs := inference.NewChunkStream(ctx, 4)
	go func() {
		for _, delta := range f.chunks {
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-ctx.Done():
					cs.Close()
					return
				}
			}
			cs.Push(inference.Chunk{Delta: delta})
		}
		if f.hold != nil {
			select {
			case <-f.hold:
			case <-ctx.Done():
				cs.Close()
				return
			}
		}
		if f.failAfter != nil {
			cs.Fail(f.failAfter)
			return
		}
		cs.Finish()
	}()
	return cs, nil
}

func (f *fakeStreamer) requests() []chat.ModelRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.ModelRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type capturingAugmenter struct {
	passages []retrieval.Passage
	err      error

	mu      sync.Mutex
	queries []string
}

func (a *capturingAugmenter) Augment(_ context.Context, query string) ([]retrieval.Passage, error) {
	a.mu.Lock()
	a.queries = append(a.queries, query)
	a.mu.Unlock()
	return a.passages, a.err
}

func (a *capturingAugmenter) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.queries))
	copy(out, a.queries)
	return out
}

type fakeCaptioner struct {
	caption string
	err     error
	calls   atomic.Int32
}

func (c *fakeCaptioner) Caption(context.Context, string, []byte) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return c.caption, nil
}

type failingStore struct{}

func (failingStore) Search(context.Context, string, int) ([]retrieval.Passage, error) {
	return nil, errors.New("store offline")
}

func (failingStore) Close() error { return nil }

func resolveTo(s Streamer) func(string) (Streamer, error) {
	return func(string) (Streamer, error) { return s, nil }
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 2 * time.Second
	}
	mgr, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(mgr.CloseAll)
	return mgr
}

func textParts(text string) []chat.ContentPart {
	return []chat.ContentPart{{Kind: chat.PartText, Value: text}}
}

// collect drains the stream until it closes.
func collect(t *testing.T, fs *chat.FragmentStream) []chat.Fragment {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var out []chat.Fragment
	for {
		select {
		case f, ok := <-fs.Fragments():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-deadline:
			t.Fatalf("fragment stream never closed, got %d fragments", len(out))
		}
	}
}

func TestSubmitStreamsFragmentsInOrder(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"A ", "cat ", "sleeping."}}
	mgr := newTestManager(t, Options{Resolve: resolveTo(streamer)})
	sess := mgr.Open()

	stream, turn, err := sess.Submit(context.Background(), textParts("Describe the photo"), "")
	require.NoError(t, err)
	require.NotNil(t, turn)

	frags := collect(t, stream)
	require.Len(t, frags, 4)
	for i, f := range frags {
		assert.Equal(t, turn.ID, f.TurnID)
		assert.Equal(t, i, f.Seq)
	}
	assert.Equal(t, "A ", frags[0].Payload)
	assert.Equal(t, "cat ", frags[1].Payload)
	assert.Equal(t, "sleeping.", frags[2].Payload)
	for _, f := range frags[:3] {
		assert.False(t, f.Final)
		assert.Equal(t, chat.StatusOK, f.Status)
	}
	last := frags[3]
	assert.True(t, last.Final)
	assert.Equal(t, chat.StatusOK, last.Status)
	assert.Empty(t, last.Payload)

	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, chat.RoleUser, history[0].Role)
	assert.Equal(t, "Describe the photo", history[0].Content)
	assert.Equal(t, chat.RoleAssistant, history[1].Role)
	assert.Equal(t, "A cat sleeping.", history[1].Content)
}

func TestSecondSubmitWhileActiveConflicts(t *testing.T) {
	hold := make(chan struct{})
	streamer := &fakeStreamer{chunks: []string{"thinking"}, hold: hold}
	mgr := newTestManager(t, Options{Resolve: resolveTo(streamer)})
	sess := mgr.Open()

	stream, turn, err := sess.Submit(context.Background(), textParts("first"), "")
	require.NoError(t, err)

	_, _, err = sess.Submit(context.Background(), textParts("second"), "")
	var conflict *chat.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, sess.ID, conflict.SessionID)
	assert.Equal(t, turn.ID, conflict.ActiveTurnID)

	// The rejected submission must not disturb the active turn.
	close(hold)
	frags := collect(t, stream)
	require.NotEmpty(t, frags)
	last := frags[len(frags)-1]
	assert.True(t, last.Final)
	assert.Equal(t, chat.StatusOK, last.Status)

	// Once the terminal fragment is out the session accepts new turns.
	stream2, _, err := sess.Submit(context.Background(), textParts("third"), "")
	require.NoError(t, err)
	collect(t, stream2)
}

func TestCancelEmitsCancelledTerminal(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	streamer := &fakeStreamer{chunks: []string{"Hel", "lo"}, hold: hold}
	mgr := newTestManager(t, Options{Resolve: resolveTo(streamer)})
	sess := mgr.Open()

	stream, _, err := sess.Submit(context.Background(), textParts("hi"), "")
	require.NoError(t, err)

	// Take the two data fragments, then cancel while the adapter is stuck.
	first := <-stream.Fragments()
	second := <-stream.Fragments()
	assert.Equal(t, 0, first.Seq)
	assert.Equal(t, 1, second.Seq)

	sess.Cancel()

	rest := collect(t, stream)
	require.Len(t, rest, 1)
	assert.True(t, rest[0].Final)
	assert.Equal(t, chat.StatusCancelled, rest[0].Status)
	assert.Equal(t, 2, rest[0].Seq)

	// Cancelled turns leave no trace in history and free the session.
	assert.Empty(t, sess.History())
	assert.False(t, sess.Active())

	stream2, _, err := sess.Submit(context.Background(), textParts("again"), "")
	require.NoError(t, err)
	frags := collect(t, stream2)
	assert.True(t, frags[len(frags)-1].Final)
}

func TestCancelWithoutActiveTurnIsNoop(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"ok"}}
	mgr := newTestManager(t, Options{Resolve: resolveTo(streamer)})
	sess := mgr.Open()

	sess.Cancel()

	stream, _, err := sess.Submit(context.Background(), textParts("hi"), "")
	require.NoError(t, err)
	frags := collect(t, stream)
	assert.Equal(t, chat.StatusOK, frags[len(frags)-1].Status)
}

func TestIdleTimeoutProducesTerminalError(t *testing.T) {
	slow := &fakeStreamer{name: "slow", chunks: []string{"never arrives"}, delay: 500 * time.Millisecond}
	fast := &fakeStreamer{name: "fast", chunks: []string{"done"}}
	resolve := func(model string) (Streamer, error) {
		if model == "slow" {
			return slow, nil
		}
		return fast, nil
	}
	mgr := newTestManager(t, Options{Resolve: resolve, IdleTimeout: 50 * time.Millisecond})
	sess := mgr.Open()

	stream, _, err := sess.Submit(context.Background(), textParts("hi"), "slow")
	require.NoError(t, err)

	frags := collect(t, stream)
	require.Len(t, frags, 1)
	assert.True(t, frags[0].Final)
	assert.Equal(t, chat.StatusError, frags[0].Status)
	assert.Contains(t, frags[0].Payload, "produced no output")
	assert.Empty(t, sess.History())

	// The timeout ends the turn, not the session.
	stream2, _, err := sess.Submit(context.Background(), textParts("still here?"), "fast")
	require.NoError(t, err)
	frags2 := collect(t, stream2)
	assert.Equal(t, chat.StatusOK, frags2[len(frags2)-1].Status)
}

func TestAdapterRefusalBecomesTerminalErrorFragment(t *testing.T) {
	streamer := &fakeStreamer{
		refuse: &chat.UnsupportedModalityError{Endpoint: "fake", Modality: chat.ModalityImage},
	}
	mgr := newTestManager(t, Options{Resolve: resolveTo(streamer)})
	sess := mgr.Open()

	stream, _, err := sess.Submit(context.Background(), textParts("hi"), "")
	require.NoError(t, err)

	frags := collect(t, stream)
	require.Len(t, frags, 1)
	assert.Equal(t, 0, frags[0].Seq)
	assert.True(t, frags[0].Final)
	assert.Equal(t, chat.StatusError, frags[0].Status)
	assert.Contains(t, frags[0].Payload, "does not accept")
	assert.Empty(t, sess.History())
}

func TestMidStreamFailureTerminatesWithError(t *testing.T) {
	streamer := &fakeStreamer{
		chunks:    []string{"Hello "},
		failAfter: &chat.AdapterTransportError{Endpoint: "fake", Err: errors.New("connection reset")},
	}
	mgr := newTestManager(t, Options{Resolve: resolveTo(streamer)})
	sess := mgr.Open()

	stream, _, err := sess.Submit(context.Background(), textParts("hi"), "")
	require.NoError(t, err)

	frags := collect(t, stream)
	require.Len(t, frags, 2)
	assert.Equal(t, "Hello ", frags[0].Payload)
	assert.False(t, frags[0].Final)
	assert.True(t, frags[1].Final)
	assert.Equal(t, chat.StatusError, frags[1].Status)
	assert.Contains(t, frags[1].Payload, "transport failure")

	// Partial output is never recorded as a completed exchange.
	assert.Empty(t, sess.History())
}

func TestCloseCancelsActiveTurn(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	streamer := &fakeStreamer{chunks: []string{"partial"}, hold: hold}
	mgr := newTestManager(t, Options{Resolve: resolveTo(streamer)})
	sess := mgr.Open()

	stream, _, err := sess.Submit(context.Background(), textParts("hi"), "")
	require.NoError(t, err)
	<-stream.Fragments()

	sess.Close()

	frags := collect(t, stream)
	require.Len(t, frags, 1)
	assert.True(t, frags[0].Final)
	assert.Equal(t, chat.StatusCancelled, frags[0].Status)

	_, _, err = sess.Submit(context.Background(), textParts("too late"), "")
	var invalid *chat.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, sess.ID, invalid.SessionID)

	// Close and Cancel stay safe on a closed session.
	sess.Close()
	sess.Cancel()
}

func TestRetrievalFailureDegradesGracefully(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"answer"}}
	mgr := newTestManager(t, Options{
		Resolve:   resolveTo(streamer),
		Augmenter: retrieval.NewAugmenter(failingStore{}, 4, false),
	})
	sess := mgr.Open()

	stream, _, err := sess.Submit(context.Background(), textParts("what do cats do"), "")
	require.NoError(t, err)

	frags := collect(t, stream)
	last := frags[len(frags)-1]
	assert.Equal(t, chat.StatusOK, last.Status)

	// The degraded turn went to the model without a context block.
	reqs := streamer.requests()
	require.Len(t, reqs, 1)
	for _, m := range reqs[0].Messages {
		assert.NotContains(t, m.Content, "Relevant context")
	}
}

func TestRetrievalRequiredFailureFailsTurn(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"answer"}}
	mgr := newTestManager(t, Options{
		Resolve:   resolveTo(streamer),
		Augmenter: retrieval.NewAugmenter(failingStore{}, 4, true),
	})
	sess := mgr.Open()

	stream, _, err := sess.Submit(context.Background(), textParts("what do cats do"), "")
	require.NoError(t, err)

	frags := collect(t, stream)
	require.Len(t, frags, 1)
	assert.True(t, frags[0].Final)
	assert.Equal(t, chat.StatusError, frags[0].Status)
	assert.Contains(t, frags[0].Payload, "retrieval")

	// The model never saw the turn.
	assert.Empty(t, streamer.requests())
	assert.Empty(t, sess.History())
}

func TestRetrievedContextEntersRequest(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"they sleep"}}
	aug := &capturingAugmenter{passages: []retrieval.Passage{
		{ID: "p1", Text: "Cats sleep sixteen hours a day.", Score: 0.9},
	}}
	mgr := newTestManager(t, Options{
		Resolve:      resolveTo(streamer),
		Augmenter:    aug,
		SystemPrompt: "You are a helpful assistant.",
	})
	sess := mgr.Open()

	stream, _, err := sess.Submit(context.Background(), textParts("what do cats do"), "")
	require.NoError(t, err)
	collect(t, stream)

	reqs := streamer.requests()
	require.Len(t, reqs, 1)
	msgs := reqs[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, chat.RoleSystem, msgs[0].Role)
	assert.Equal(t, "You are a helpful assistant.", msgs[0].Content)
	assert.Equal(t, chat.RoleSystem, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "Relevant context:")
	assert.Contains(t, msgs[1].Content, "Cats sleep sixteen hours a day.")
	assert.Equal(t, chat.RoleUser, msgs[2].Role)
	assert.Equal(t, "what do cats do", msgs[2].Content)

	// Exactly one retrieval for the turn.
	assert.Len(t, aug.seen(), 1)
}

func TestCaptionEnrichesRetrievalQuery(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"a cat"}}
	aug := &capturingAugmenter{}
	captioner := &fakeCaptioner{caption: "a tabby cat on a sofa"}
	mgr := newTestManager(t, Options{
		Resolve:   resolveTo(streamer),
		Augmenter: aug,
		Captioner: captioner,
	})
	sess := mgr.Open()

	parts := []chat.ContentPart{
		{Kind: chat.PartText, Value: "find similar"},
		{Kind: chat.PartImage, MIME: "image/png", Data: []byte{0x89, 0x50}},
	}
	stream, _, err := sess.Submit(context.Background(), parts, "")
	require.NoError(t, err)
	collect(t, stream)

	queries := aug.seen()
	require.Len(t, queries, 1)
	assert.Equal(t, "find similar\na tabby cat on a sofa", queries[0])
	assert.Equal(t, int32(1), captioner.calls.Load())
}

func TestCaptionFailureFallsBackToText(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"a cat"}}
	aug := &capturingAugmenter{}
	mgr := newTestManager(t, Options{
		Resolve:   resolveTo(streamer),
		Augmenter: aug,
		Captioner: &fakeCaptioner{err: errors.New("caption endpoint down")},
	})
	sess := mgr.Open()

	parts := []chat.ContentPart{
		{Kind: chat.PartText, Value: "find similar"},
		{Kind: chat.PartImage, MIME: "image/png", Data: []byte{0x89, 0x50}},
	}
	stream, _, err := sess.Submit(context.Background(), parts, "")
	require.NoError(t, err)

	frags := collect(t, stream)
	assert.Equal(t, chat.StatusOK, frags[len(frags)-1].Status)

	queries := aug.seen()
	require.Len(t, queries, 1)
	assert.Equal(t, "find similar", queries[0])
}

func TestHistoryCarriesAcrossTurns(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"four"}}
	mgr := newTestManager(t, Options{Resolve: resolveTo(streamer)})
	sess := mgr.Open()

	stream, _, err := sess.Submit(context.Background(), textParts("two plus two?"), "")
	require.NoError(t, err)
	collect(t, stream)

	stream, _, err = sess.Submit(context.Background(), textParts("times three?"), "")
	require.NoError(t, err)
	collect(t, stream)

	reqs := streamer.requests()
	require.Len(t, reqs, 2)
	second := reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "two plus two?", second[0].Content)
	assert.Equal(t, "four", second[1].Content)
	assert.Equal(t, chat.RoleAssistant, second[1].Role)
	assert.Equal(t, "times three?", second[2].Content)
}

func TestSubmitValidatesParts(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"ok"}}
	mgr := newTestManager(t, Options{Resolve: resolveTo(streamer)})
	sess := mgr.Open()

	_, _, err := sess.Submit(context.Background(), nil, "")
	require.Error(t, err)

	_, _, err = sess.Submit(context.Background(), []chat.ContentPart{
		{Kind: chat.PartImage, Ref: "img-1"},
	}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve references")
}

func TestUnknownModelRejectsSubmit(t *testing.T) {
	resolve := func(model string) (Streamer, error) {
		return nil, errors.Errorf("no chat endpoint %q", model)
	}
	mgr := newTestManager(t, Options{Resolve: resolve})
	sess := mgr.Open()

	_, _, err := sess.Submit(context.Background(), textParts("hi"), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chat endpoint")
	assert.False(t, sess.Active())
}

func TestManagerLifecycle(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"ok"}}
	mgr := newTestManager(t, Options{Resolve: resolveTo(streamer)})

	a := mgr.Open()
	b := mgr.Open()
	require.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, mgr.Len())

	got, ok := mgr.Get(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)

	mgr.Close(a.ID)
	_, ok = mgr.Get(a.ID)
	assert.False(t, ok)
	assert.True(t, a.Closed())
	assert.Equal(t, 1, mgr.Len())

	// Unknown ids close quietly.
	mgr.Close("no-such-session")

	mgr.CloseAll()
	assert.Equal(t, 0, mgr.Len())
	assert.True(t, b.Closed())
}

func TestTurnsOnSeparateSessionsRunIndependently(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	slow := &fakeStreamer{name: "slow", chunks: []string{"stuck"}, hold: hold}
	fast := &fakeStreamer{name: "fast", chunks: []string{"quick"}}
	resolve := func(model string) (Streamer, error) {
		if model == "slow" {
			return slow, nil
		}
		return fast, nil
	}
	mgr := newTestManager(t, Options{Resolve: resolve})

	blocked := mgr.Open()
	free := mgr.Open()

	_, _, err := blocked.Submit(context.Background(), textParts("hang"), "slow")
	require.NoError(t, err)

	stream, _, err := free.Submit(context.Background(), textParts("hello"), "fast")
	require.NoError(t, err)
	frags := collect(t, stream)
	assert.Equal(t, chat.StatusOK, frags[len(frags)-1].Status)
}

// sseServer answers chat completions with the given deltas, counting calls so
// tests can assert an endpoint was never reached.
func sseServer(t *testing.T, calls *atomic.Int32, deltas ...string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, d := range deltas {
			body, _ := json.Marshal(map[string]any{
				"id":      "chunk",
				"object":  "chat.completion.chunk",
				"created": 1,
				"model":   "test-model",
				"choices": []map[string]any{
					{"index": 0, "delta": map[string]any{"content": d}},
				},
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", body)
			fl.Flush()
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestHistoryImageCountsTowardRequestModalities(t *testing.T) {
	var visionCalls, textCalls atomic.Int32
	vision := sseServer(t, &visionCalls, "A ", "cat.")
	textOnly := sseServer(t, &textCalls, "never sent")

	visionStreamer := inference.NewChatStreamer(inference.Endpoint{
		Name:       "vision",
		Kind:       config.KindChat,
		URL:        vision.URL + "/v1",
		APIKey:     "k",
		Model:      "vision-model",
		Modalities: []chat.Modality{chat.ModalityText, chat.ModalityImage},
	})
	terseStreamer := inference.NewChatStreamer(inference.Endpoint{
		Name:       "terse",
		Kind:       config.KindChat,
		URL:        textOnly.URL + "/v1",
		APIKey:     "k",
		Model:      "text-model",
		Modalities: []chat.Modality{chat.ModalityText},
	})
	resolve := func(model string) (Streamer, error) {
		if model == "terse" {
			return terseStreamer, nil
		}
		return visionStreamer, nil
	}
	mgr := newTestManager(t, Options{Resolve: resolve})
	sess := mgr.Open()

	parts := []chat.ContentPart{
		{Kind: chat.PartText, Value: "what is in this photo"},
		{Kind: chat.PartImage, MIME: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}},
	}
	stream, _, err := sess.Submit(context.Background(), parts, "")
	require.NoError(t, err)
	frags := collect(t, stream)
	require.Equal(t, chat.StatusOK, frags[len(frags)-1].Status)
	require.Len(t, sess.History(), 2)

	// The recorded image replays with the history, so the text-only endpoint
	// must refuse the follow-up before any network call.
	stream, _, err = sess.Submit(context.Background(), textParts("shorter please"), "terse")
	require.NoError(t, err)
	frags = collect(t, stream)
	require.Len(t, frags, 1)
	assert.True(t, frags[0].Final)
	assert.Equal(t, chat.StatusError, frags[0].Status)
	assert.Contains(t, frags[0].Payload, "does not accept image")
	assert.Equal(t, int32(0), textCalls.Load())

	// The session survives and the capable endpoint still takes turns.
	stream, _, err = sess.Submit(context.Background(), textParts("and in one word?"), "")
	require.NoError(t, err)
	frags = collect(t, stream)
	assert.Equal(t, chat.StatusOK, frags[len(frags)-1].Status)
	assert.Equal(t, int32(2), visionCalls.Load())
}

func TestWindowedHistoryTrimsOldTurns(t *testing.T) {
	long := strings.Repeat("word ", 400)
	streamer := &fakeStreamer{chunks: []string{long}}
	mgr := newTestManager(t, Options{
		Resolve:       resolveTo(streamer),
		HistoryBudget: 120,
	})
	sess := mgr.Open()

	for _, prompt := range []string{"first", "second", "third"} {
		stream, _, err := sess.Submit(context.Background(), textParts(prompt), "")
		require.NoError(t, err)
		collect(t, stream)
	}

	// Each recorded assistant reply alone exceeds the budget, so the third
	// request carries nothing but the new user turn.
	reqs := streamer.requests()
	require.Len(t, reqs, 3)
	final := reqs[2].Messages
	require.Len(t, final, 1)
	assert.Equal(t, "third", final[0].Content)
	// Full history is still retained on the session itself.
	assert.Len(t, sess.History(), 6)
}
