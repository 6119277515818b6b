package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Role tags a message with its speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind discriminates the content part union.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
)

// Modality names a kind of content an endpoint can accept.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

// ContentPart is one element of a user submission: either a text part
// (Value set) or an image part (MIME plus Data, or Ref naming a previously
// uploaded image that the transport resolves before submission).
type ContentPart struct {
	Kind  PartKind
	Value string
	MIME  string
	Data  []byte
	Ref   string
}

// Validate checks structural well-formedness of a single part.
func (p ContentPart) Validate() error {
	switch p.Kind {
	case PartText:
		return nil
	case PartImage:
		if len(p.Data) == 0 && p.Ref == "" {
			return errors.New("image part carries neither data nor ref")
		}
		if len(p.Data) > 0 && p.MIME == "" {
			return errors.New("image part missing mime type")
		}
		return nil
	default:
		return errors.Errorf("unknown part kind: %q", p.Kind)
	}
}

// ValidateParts checks a full submission. Empty submissions are rejected.
func ValidateParts(parts []ContentPart) error {
	if len(parts) == 0 {
		return errors.New("turn has no content parts")
	}
	for i, p := range parts {
		if err := p.Validate(); err != nil {
			return errors.Wrapf(err, "part %d", i)
		}
	}
	return nil
}

// Turn is one user submission. Immutable once created.
type Turn struct {
	ID        string
	Parts     []ContentPart
	CreatedAt time.Time
}

// NewTurn allocates a turn id and stamps creation time.
func NewTurn(parts []ContentPart) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		Parts:     parts,
		CreatedAt: time.Now(),
	}
}

// Text joins the turn's text parts in order, space separated.
func (t *Turn) Text() string {
	var sb []string
	for _, p := range t.Parts {
		if p.Kind == PartText && p.Value != "" {
			sb = append(sb, p.Value)
		}
	}
	return strings.Join(sb, " ")
}

// Images returns the turn's image parts in order.
func (t *Turn) Images() []ContentPart {
	var imgs []ContentPart
	for _, p := range t.Parts {
		if p.Kind == PartImage {
			imgs = append(imgs, p)
		}
	}
	return imgs
}

// Modalities reports which modalities the turn's parts use.
func (t *Turn) Modalities() []Modality {
	return appendPartModalities(nil, map[Modality]bool{}, t.Parts)
}

func appendPartModalities(ms []Modality, seen map[Modality]bool, parts []ContentPart) []Modality {
	for _, p := range parts {
		var m Modality
		switch p.Kind {
		case PartText:
			m = ModalityText
		case PartImage:
			m = ModalityImage
		default:
			continue
		}
		if !seen[m] {
			seen[m] = true
			ms = append(ms, m)
		}
	}
	return ms
}

// Message is one role-tagged entry of the conversation history. User
// messages keep their original parts so multimodal content survives into
// the model request; Content carries the flattened text.
type Message struct {
	Role    Role
	Content string
	Parts   []ContentPart
}

// ModelRequest is the per-turn request assembled by the session: windowed
// history plus the current user message, with the modalities the request
// actually uses. It lives for one turn and is discarded after completion.
type ModelRequest struct {
	EndpointName string
	Messages     []Message
	Modalities   []Modality
}

// UsesModality reports whether the request carries the given modality.
func (r ModelRequest) UsesModality(m Modality) bool {
	for _, have := range r.Modalities {
		if have == m {
			return true
		}
	}
	return false
}

// MessageModalities reports the distinct modalities a message list uses, in
// first-use order. Parts are inspected where present; a message carrying only
// flattened content counts as text. History messages keep their parts, so an
// image replayed from an earlier turn counts toward the request.
func MessageModalities(msgs []Message) []Modality {
	var ms []Modality
	seen := map[Modality]bool{}
	for _, m := range msgs {
		if len(m.Parts) == 0 {
			if m.Content != "" && !seen[ModalityText] {
				seen[ModalityText] = true
				ms = append(ms, ModalityText)
			}
			continue
		}
		ms = appendPartModalities(ms, seen, m.Parts)
	}
	return ms
}
