package retrieval

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Augmenter runs at most one retrieval per turn against the configured
// store. With no store it is a no-op. Store failures are logged and produce
// an empty result unless required is set, in which case they abort the turn.
type Augmenter struct {
	store    Store
	topK     int
	required bool
}

// NewAugmenter wraps a store. store may be nil (retrieval disabled).
func NewAugmenter(store Store, topK int, required bool) *Augmenter {
	if topK <= 0 {
		topK = 4
	}
	return &Augmenter{store: store, topK: topK, required: required}
}

// Augment returns the ordered passages for a query, or an empty slice when
// retrieval is disabled or degraded.
func (a *Augmenter) Augment(ctx context.Context, query string) ([]Passage, error) {
	if a == nil || a.store == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	passages, err := a.store.Search(ctx, query, a.topK)
	if err != nil {
		if a.required {
			return nil, errors.Wrap(err, "retrieval")
		}
		log.Warn().Err(err).Str("component", "retrieval").
			Msg("retrieval failed, continuing without context")
		return nil, nil
	}
	log.Debug().Str("component", "retrieval").Int("passages", len(passages)).Msg("retrieval done")
	return passages, nil
}

// ContextBlock renders passages into the system message injected before the
// user turn. Empty input renders empty.
func ContextBlock(passages []Passage) string {
	if len(passages) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant context:\n")
	for _, p := range passages {
		sb.WriteString("- ")
		sb.WriteString(strings.TrimSpace(p.Text))
		sb.WriteString("\n")
	}
	return sb.String()
}
