package inference

import (
	"context"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/marionette/pkg/chat"
)

// ChatStreamer streams chat completions from one OpenAI-compatible endpoint
// (OpenAI, vLLM, Ollama, llama.cpp server). Instances are safe for
// concurrent use by many sessions.
type ChatStreamer struct {
	ep     Endpoint
	client *openai.Client
}

// NewChatStreamer builds the adapter for one endpoint.
func NewChatStreamer(ep Endpoint) *ChatStreamer {
	return &ChatStreamer{ep: ep, client: ep.client()}
}

// Name returns the configured endpoint name.
func (s *ChatStreamer) Name() string { return s.ep.Name }

// Model returns the upstream model identifier.
func (s *ChatStreamer) Model() string { return s.ep.Model }

// Endpoint returns the endpoint descriptor.
func (s *ChatStreamer) Endpoint() Endpoint { return s.ep }

// Stream validates the request against the endpoint's modalities, opens the
// upstream completion stream and returns the chunk sequence. Establishment
// gets at most one transparent retry; failures after the first byte are
// never retried since partial output cannot be replayed safely.
func (s *ChatStreamer) Stream(ctx context.Context, req chat.ModelRequest) (*ChunkStream, error) {
	if err := s.ep.validateModalities(req); err != nil {
		return nil, err
	}

	ocReq := openai.ChatCompletionRequest{
		Model:    s.ep.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
	}

	upstream, err := s.client.CreateChatCompletionStream(ctx, ocReq)
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("component", "inference").Str("endpoint", s.ep.Name).
			Msg("stream establishment failed, retrying once")
		upstream, err = s.client.CreateChatCompletionStream(ctx, ocReq)
	}
	if err != nil {
		return nil, &chat.AdapterTransportError{Endpoint: s.ep.Name, Err: errors.Wrap(err, "establish stream")}
	}

	out := NewChunkStream(ctx, 16)
	go s.pump(ctx, upstream, out)
	return out, nil
}

// pump forwards upstream deltas in arrival order until EOF, error or
// consumer cancellation.
func (s *ChatStreamer) pump(ctx context.Context, upstream *openai.ChatCompletionStream, out *ChunkStream) {
	defer func() { _ = upstream.Close() }()
	for {
		resp, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			out.Finish()
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				out.Close()
				return
			}
			log.Debug().Err(err).Str("component", "inference").Str("endpoint", s.ep.Name).
				Msg("stream terminated with error")
			out.Fail(&chat.AdapterTransportError{Endpoint: s.ep.Name, Err: err})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			out.Push(Chunk{Delta: delta})
		}
	}
}

// toOpenAIMessages converts history messages to the wire shape. User
// messages carrying image parts become multi-content messages with inline
// data URLs.
func toOpenAIMessages(msgs []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		ocm := openai.ChatCompletionMessage{Role: string(m.Role)}
		if hasImageParts(m.Parts) {
			ocm.MultiContent = toMultiContent(m.Parts)
		} else {
			ocm.Content = m.Content
		}
		out = append(out, ocm)
	}
	return out
}

func hasImageParts(parts []chat.ContentPart) bool {
	for _, p := range parts {
		if p.Kind == chat.PartImage {
			return true
		}
	}
	return false
}

func toMultiContent(parts []chat.ContentPart) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case chat.PartText:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Value,
			})
		case chat.PartImage:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL(p.MIME, p.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}
	return out
}

func dataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
