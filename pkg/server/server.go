// Package server exposes the relay over HTTP: a websocket endpoint speaking
// the turn/cancel/fragment protocol, image uploads for multimodal turns, and
// small JSON endpoints for health and model discovery.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marionette/pkg/bus"
	"github.com/go-go-golems/marionette/pkg/inference"
	"github.com/go-go-golems/marionette/pkg/session"
)

// Options carries the wired collaborators.
type Options struct {
	Addr     string
	Manager  *session.Manager
	Registry *inference.Registry
	Bus      *bus.Bus
	Images   *ImageStore

	// MaxMessageBytes caps inbound websocket frames. Zero derives the cap
	// from the image store's size limit.
	MaxMessageBytes int64
}

// Server owns the HTTP surface. One websocket connection maps to exactly one
// session; the connection closing destroys the session.
type Server struct {
	opts     Options
	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader

	baseCtx context.Context
}

// New registers all routes and builds the HTTP server.
func New(opts Options) (*Server, error) {
	if opts.Manager == nil || opts.Bus == nil {
		return nil, errors.New("server needs a session manager and a bus")
	}
	s := &Server{
		opts:     opts,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		baseCtx:  context.Background(),
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/models", s.handleModels)
	s.mux.HandleFunc("/api/images", s.handleImageUpload)
	s.mux.HandleFunc("/api/images/", s.handleImageGet)

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then drains connections and closes all
// sessions.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info().Str("addr", s.opts.Addr).Msg("starting relay server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down relay server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		s.opts.Manager.CloseAll()
		return err
	})

	return eg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var models []inference.ModelInfo
	if s.opts.Registry != nil {
		models = s.opts.Registry.Models()
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// handleImageUpload accepts {"data":"data:image/png;base64,..."} and returns
// the stored image's id and serving url for later turn parts.
func (s *Server) handleImageUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Images == nil {
		http.Error(w, "image uploads disabled", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.uploadLimit()))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	mime, data, err := parseDataURL(req.Data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.opts.Images.Put(mime, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Debug().Str("component", "server").Str("image_id", id).Str("mime", mime).
		Int("bytes", len(data)).Msg("image uploaded")
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "url": "/api/images/" + id})
}

func (s *Server) handleImageGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Images == nil {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/images/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	mime, data, err := s.opts.Images.Get(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", mime)
	_, _ = w.Write(data)
}

// uploadLimit leaves headroom for base64 overhead plus the JSON envelope.
func (s *Server) uploadLimit() int64 {
	if s.opts.Images == nil || s.opts.Images.maxBytes <= 0 {
		return 16 << 20
	}
	return s.opts.Images.maxBytes*4/3 + 4096
}

// maxMessageBytes sizes the websocket read limit. Turn frames may carry one
// or more base64 image parts, so the cap covers the inflated image limit
// plus envelope slack.
func (s *Server) maxMessageBytes() int64 {
	if s.opts.MaxMessageBytes > 0 {
		return s.opts.MaxMessageBytes
	}
	if s.opts.Images != nil && s.opts.Images.maxBytes > 0 {
		return s.opts.Images.maxBytes*2 + 64<<10
	}
	return 16 << 20
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("component", "server").Msg("response encode failed")
	}
}
