package server

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/chat"
)

// inboundFrame is one client message. Type "turn" carries parts and an
// optional model override; "cancel" has no body.
type inboundFrame struct {
	Type  string      `json:"type"`
	Parts []partFrame `json:"parts,omitempty"`
	Model string      `json:"model,omitempty"`
}

// partFrame is the wire shape of one content part. Text parts set value;
// image parts carry either inline base64 data with a mime type, or a ref to
// a previously uploaded image.
type partFrame struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
	MIME  string `json:"mime,omitempty"`
	Data  string `json:"data,omitempty"`
	Ref   string `json:"ref,omitempty"`
}

// fragmentFrame is the only frame type the server streams for a turn.
type fragmentFrame struct {
	Type    string `json:"type"`
	TurnID  string `json:"turnId"`
	Seq     int    `json:"seq"`
	Final   bool   `json:"final"`
	Status  string `json:"status"`
	Payload string `json:"payload,omitempty"`
}

// sessionFrame greets a freshly opened connection with its session id.
type sessionFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func decodeInbound(data []byte) (*inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "malformed frame")
	}
	if f.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return &f, nil
}

func encodeFragment(f chat.Fragment) ([]byte, error) {
	return json.Marshal(fragmentFrame{
		Type:    "fragment",
		TurnID:  f.TurnID,
		Seq:     f.Seq,
		Final:   f.Final,
		Status:  string(f.Status),
		Payload: f.Payload,
	})
}

// resolveRef fetches the bytes behind an image ref.
type resolveRef func(ref string) (mime string, data []byte, err error)

// toParts converts wire parts into content parts, resolving image refs so
// downstream code only ever sees inline data.
func (f *inboundFrame) toParts(resolve resolveRef) ([]chat.ContentPart, error) {
	parts := make([]chat.ContentPart, 0, len(f.Parts))
	for i, p := range f.Parts {
		switch p.Kind {
		case "text":
			parts = append(parts, chat.ContentPart{Kind: chat.PartText, Value: p.Value})
		case "image":
			part := chat.ContentPart{Kind: chat.PartImage, MIME: p.MIME, Ref: p.Ref}
			switch {
			case p.Data != "":
				raw, err := base64.StdEncoding.DecodeString(p.Data)
				if err != nil {
					return nil, errors.Wrapf(err, "part %d: bad image data", i)
				}
				part.Data = raw
			case p.Ref != "":
				if resolve == nil {
					return nil, errors.Errorf("part %d: image refs not supported", i)
				}
				mime, raw, err := resolve(p.Ref)
				if err != nil {
					return nil, errors.Wrapf(err, "part %d: ref %q", i, p.Ref)
				}
				part.MIME = mime
				part.Data = raw
			default:
				return nil, errors.Errorf("part %d: image part needs data or ref", i)
			}
			parts = append(parts, part)
		default:
			return nil, errors.Errorf("part %d: unknown kind %q", i, p.Kind)
		}
	}
	return parts, nil
}
