package retrieval

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedStore struct {
	passages []Passage
	err      error
	calls    int
}

func (s *scriptedStore) Search(context.Context, string, int) ([]Passage, error) {
	s.calls++
	return s.passages, s.err
}

func (s *scriptedStore) Close() error { return nil }

func TestAugmentNoStoreIsNoop(t *testing.T) {
	a := NewAugmenter(nil, 4, false)
	passages, err := a.Augment(context.Background(), "query")
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestAugmentPassesThroughResults(t *testing.T) {
	store := &scriptedStore{passages: []Passage{{ID: "p1", Text: "fact"}}}
	a := NewAugmenter(store, 4, false)
	passages, err := a.Augment(context.Background(), "query")
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, 1, store.calls)
}

func TestAugmentDegradesGracefully(t *testing.T) {
	store := &scriptedStore{err: errors.New("store down")}
	a := NewAugmenter(store, 4, false)
	passages, err := a.Augment(context.Background(), "query")
	require.NoError(t, err, "default policy: retrieval failure is non-fatal")
	assert.Empty(t, passages)
}

func TestAugmentRequiredSurfacesFailure(t *testing.T) {
	store := &scriptedStore{err: errors.New("store down")}
	a := NewAugmenter(store, 4, true)
	_, err := a.Augment(context.Background(), "query")
	require.Error(t, err)
}

func TestAugmentSkipsBlankQuery(t *testing.T) {
	store := &scriptedStore{passages: []Passage{{ID: "p1"}}}
	a := NewAugmenter(store, 4, false)
	passages, err := a.Augment(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, passages)
	assert.Zero(t, store.calls)
}

func TestContextBlock(t *testing.T) {
	assert.Empty(t, ContextBlock(nil))
	block := ContextBlock([]Passage{{Text: "cats sleep 16 hours"}, {Text: "cats dream"}})
	assert.Contains(t, block, "Relevant context:")
	assert.Contains(t, block, "- cats sleep 16 hours")
	assert.Contains(t, block, "- cats dream")
}
