package session

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/marionette/pkg/chat"
)

// perMessageOverhead approximates the chat-format framing tokens added per
// message on OpenAI-style endpoints.
const perMessageOverhead = 4

// codecForModel picks the tokenizer encoding by model-name prefix. Unknown
// models fall back to r50k_base, which is close enough for windowing.
func codecForModel(model string) (tokenizer.Codec, error) {
	switch {
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5-turbo"),
		strings.HasPrefix(model, "text-embedding"):
		return tokenizer.Get(tokenizer.Cl100kBase)
	case strings.HasPrefix(model, "text-davinci-002"),
		strings.HasPrefix(model, "text-davinci-003"):
		return tokenizer.Get(tokenizer.P50kBase)
	default:
		return tokenizer.Get(tokenizer.R50kBase)
	}
}

// windowHistory trims history to the token budget, dropping oldest messages
// first. The returned slice stays in chronological order. On tokenizer
// failure the history passes through untrimmed.
func windowHistory(history []chat.Message, budget int, model string) []chat.Message {
	if budget <= 0 || len(history) == 0 {
		return history
	}
	codec, err := codecForModel(model)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Str("model", model).
			Msg("tokenizer unavailable, sending history untrimmed")
		return history
	}

	total := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		ids, _, err := codec.Encode(history[i].Content)
		if err != nil {
			return history
		}
		total += len(ids) + perMessageOverhead
		if total > budget {
			break
		}
		cut = i
	}
	if cut == len(history) {
		return nil
	}
	return history[cut:]
}
