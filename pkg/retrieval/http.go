package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HTTPStore queries a remote vector store over its search API:
// POST {url}/search with {"query": ..., "top_k": ...}, bearer credentials.
type HTTPStore struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPStore builds a client for the store at url.
func NewHTTPStore(url, apiKey string) *HTTPStore {
	return &HTTPStore{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchResponse struct {
	Results []Passage `json:"results"`
}

// Search implements Store.
func (s *HTTPStore) Search(ctx context.Context, query string, topK int) ([]Passage, error) {
	body, err := json.Marshal(searchRequest{Query: query, TopK: topK})
	if err != nil {
		return nil, errors.Wrap(err, "marshal search request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build search request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "vector store request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("vector store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode search response")
	}
	return out.Results, nil
}

// Close implements Store. Nothing to release.
func (s *HTTPStore) Close() error { return nil }
