package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/config"
)

func embedEndpoint(url string) Endpoint {
	return Endpoint{
		Name:       "embed",
		Kind:       config.KindEmbedding,
		URL:        url + "/v1",
		Model:      "test-embed",
		Modalities: []chat.Modality{chat.ModalityText},
	}
}

func TestEmbedReturnsVectorsInOrder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list", "model": "test-embed",
			"data": [
				{"object":"embedding","index":0,"embedding":[0.1,0.2]},
				{"object":"embedding","index":1,"embedding":[0.3,0.4]}
			]
		}`))
	}))
	t.Cleanup(ts.Close)

	c := NewEmbeddingClient(embedEndpoint(ts.URL))
	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vecs[0])
	assert.Equal(t, []float32{0.3, 0.4}, vecs[1])
}

func TestEmbedPlacesVectorsByResponseIndex(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list", "model": "test-embed",
			"data": [
				{"object":"embedding","index":1,"embedding":[0.3,0.4]},
				{"object":"embedding","index":0,"embedding":[0.1,0.2]}
			]
		}`))
	}))
	t.Cleanup(ts.Close)

	c := NewEmbeddingClient(embedEndpoint(ts.URL))
	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vecs[0])
	assert.Equal(t, []float32{0.3, 0.4}, vecs[1])
}

func TestEmbedRejectsOutOfRangeIndex(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[
			{"object":"embedding","index":5,"embedding":[1]},
			{"object":"embedding","index":0,"embedding":[2]}
		]}`))
	}))
	t.Cleanup(ts.Close)

	c := NewEmbeddingClient(embedEndpoint(ts.URL))
	_, err := c.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestEmbedCountMismatchFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[1]}]}`))
	}))
	t.Cleanup(ts.Close)

	c := NewEmbeddingClient(embedEndpoint(ts.URL))
	_, err := c.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
}

func TestEmbedEmptyInputIsNoop(t *testing.T) {
	c := NewEmbeddingClient(embedEndpoint("http://127.0.0.1:1"))
	vecs, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
