package inference

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/config"
)

// Registry holds the adapters built from the configured endpoints. It is
// assembled once at startup and read-only afterwards.
type Registry struct {
	chats       map[string]*ChatStreamer
	captions    map[string]*CaptionClient
	embeds      map[string]*EmbeddingClient
	defaultChat string
}

// NewRegistry builds one adapter per configured endpoint.
func NewRegistry(cfg config.Config) (*Registry, error) {
	r := &Registry{
		chats:    map[string]*ChatStreamer{},
		captions: map[string]*CaptionClient{},
		embeds:   map[string]*EmbeddingClient{},
	}
	for name, e := range cfg.Endpoints {
		ep := endpointFromConfig(name, e)
		switch e.Kind {
		case config.KindChat:
			r.chats[name] = NewChatStreamer(ep)
		case config.KindCaption:
			r.captions[name] = NewCaptionClient(ep)
		case config.KindEmbedding:
			r.embeds[name] = NewEmbeddingClient(ep)
		default:
			return nil, errors.Errorf("endpoint %s: unknown kind %q", name, e.Kind)
		}
	}
	r.defaultChat = cfg.DefaultEndpoint
	if r.defaultChat == "" {
		// Deterministic pick when the config names no default.
		names := make([]string, 0, len(r.chats))
		for name := range r.chats {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			return nil, errors.New("no chat endpoint configured")
		}
		r.defaultChat = names[0]
	}
	if _, ok := r.chats[r.defaultChat]; !ok {
		return nil, errors.Errorf("default endpoint %q is not a chat endpoint", r.defaultChat)
	}
	return r, nil
}

// ChatByName returns the chat adapter for a configured endpoint name.
func (r *Registry) ChatByName(name string) (*ChatStreamer, bool) {
	s, ok := r.chats[name]
	return s, ok
}

// DefaultChat returns the default chat adapter.
func (r *Registry) DefaultChat() *ChatStreamer {
	return r.chats[r.defaultChat]
}

// Captioner returns the first configured caption adapter, nil when none is.
func (r *Registry) Captioner() *CaptionClient {
	for _, name := range sortedKeys(r.captions) {
		return r.captions[name]
	}
	return nil
}

// Embedder returns the named embedding adapter, or the first configured one
// when name is empty. Nil when none is configured.
func (r *Registry) Embedder(name string) *EmbeddingClient {
	if name != "" {
		return r.embeds[name]
	}
	for _, n := range sortedKeys(r.embeds) {
		return r.embeds[n]
	}
	return nil
}

// ModelInfo describes one endpoint for the model-listing API.
type ModelInfo struct {
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	Model      string          `json:"model"`
	Modalities []chat.Modality `json:"modalities"`
	Default    bool            `json:"default,omitempty"`
}

// Models lists all configured endpoints, sorted by name.
func (r *Registry) Models() []ModelInfo {
	var out []ModelInfo
	add := func(ep Endpoint) {
		out = append(out, ModelInfo{
			Name:       ep.Name,
			Kind:       string(ep.Kind),
			Model:      ep.Model,
			Modalities: ep.Modalities,
			Default:    ep.Kind == config.KindChat && ep.Name == r.defaultChat,
		})
	}
	for _, name := range sortedKeys(r.chats) {
		add(r.chats[name].Endpoint())
	}
	for _, name := range sortedKeys(r.captions) {
		add(r.captions[name].Endpoint())
	}
	for _, name := range sortedKeys(r.embeds) {
		add(r.embeds[name].Endpoint())
	}
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
