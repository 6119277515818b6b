// Package inference holds the model client adapters: one per configured
// endpoint, shared read-only across sessions and safe for concurrent use.
package inference

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/config"
)

// Endpoint is the runtime descriptor of one configured model endpoint.
type Endpoint struct {
	Name       string
	Kind       config.EndpointKind
	URL        string
	APIKey     string
	Model      string
	Modalities []chat.Modality
}

// endpointFromConfig attaches the config map key as the endpoint name.
func endpointFromConfig(name string, e config.Endpoint) Endpoint {
	return Endpoint{
		Name:       name,
		Kind:       e.Kind,
		URL:        e.URL,
		APIKey:     e.APIKey,
		Model:      e.Model,
		Modalities: e.Modalities,
	}
}

// Supports reports whether the endpoint declares the given modality.
func (e Endpoint) Supports(m chat.Modality) bool {
	for _, have := range e.Modalities {
		if have == m {
			return true
		}
	}
	return false
}

// validateModalities rejects requests whose modalities exceed the endpoint's
// declared capabilities. Called before any network traffic.
func (e Endpoint) validateModalities(req chat.ModelRequest) error {
	for _, m := range req.Modalities {
		if !e.Supports(m) {
			return &chat.UnsupportedModalityError{Endpoint: e.Name, Modality: m}
		}
	}
	return nil
}

func (e Endpoint) client() *openai.Client {
	cfg := openai.DefaultConfig(e.APIKey)
	if e.URL != "" {
		cfg.BaseURL = e.URL
	}
	return openai.NewClientWithConfig(cfg)
}
