package inference

import (
	"context"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// EmbeddingClient computes embeddings through one configured endpoint.
// Consumed by the sqlite retrieval store's vector leg.
type EmbeddingClient struct {
	ep     Endpoint
	client *openai.Client
}

// NewEmbeddingClient builds the embedding adapter for one endpoint.
func NewEmbeddingClient(ep Endpoint) *EmbeddingClient {
	return &EmbeddingClient{ep: ep, client: ep.client()}
}

// Endpoint returns the endpoint descriptor.
func (c *EmbeddingClient) Endpoint() Endpoint { return c.ep }

// Embed returns one vector per input text, in input order.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.ep.Model),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "embed via %s", c.ep.Name)
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.Errorf("embed via %s: got %d vectors for %d inputs", c.ep.Name, len(resp.Data), len(texts))
	}
	// The API may return vectors out of order; the index field is authoritative.
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, errors.Errorf("embed via %s: vector index %d out of range", c.ep.Name, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
