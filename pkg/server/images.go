package server

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ImageStore keeps uploaded images on disk so turns can reference them by id
// instead of re-sending bytes on the socket. Uploads live for the process
// lifetime; ids are opaque uuids.
type ImageStore struct {
	dir      string
	maxBytes int64

	mu    sync.Mutex
	mimes map[string]string
}

// NewImageStore creates dir if needed.
func NewImageStore(dir string, maxBytes int64) (*ImageStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "marionette-images")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create image dir")
	}
	return &ImageStore{dir: dir, maxBytes: maxBytes, mimes: map[string]string{}}, nil
}

// Put stores one image and returns its id.
func (st *ImageStore) Put(mime string, data []byte) (string, error) {
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		return "", errors.Errorf("unsupported content type %q", mime)
	}
	if len(data) == 0 {
		return "", errors.New("empty image")
	}
	if st.maxBytes > 0 && int64(len(data)) > st.maxBytes {
		return "", errors.Errorf("image exceeds %d byte limit", st.maxBytes)
	}
	id := uuid.NewString()
	if err := os.WriteFile(filepath.Join(st.dir, id), data, 0o644); err != nil {
		return "", errors.Wrap(err, "write image")
	}
	st.mu.Lock()
	st.mimes[id] = mime
	st.mu.Unlock()
	return id, nil
}

// Get returns the mime type and bytes for an id.
func (st *ImageStore) Get(id string) (string, []byte, error) {
	st.mu.Lock()
	mime, ok := st.mimes[id]
	st.mu.Unlock()
	if !ok {
		return "", nil, errors.Errorf("unknown image %q", id)
	}
	data, err := os.ReadFile(filepath.Join(st.dir, id))
	if err != nil {
		return "", nil, errors.Wrap(err, "read image")
	}
	return mime, data, nil
}

// parseDataURL splits a data: URL into mime type and decoded bytes.
func parseDataURL(s string) (string, []byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, errors.New("not a data url")
	}
	rest := strings.TrimPrefix(s, "data:")
	sep := strings.IndexByte(rest, ',')
	if sep < 0 {
		return "", nil, errors.New("data url missing separator")
	}
	meta, payload := rest[:sep], rest[sep+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return "", nil, errors.New("only base64 data urls are supported")
	}
	mime := strings.TrimSuffix(meta, ";base64")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errors.Wrap(err, "decode data url")
	}
	return mime, data, nil
}
