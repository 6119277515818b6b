package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/bus"
	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/session"
)

// writeWait bounds each socket write so a client that stops reading cannot
// wedge its writer goroutine and, through the bus, its turn pipeline.
const writeWait = 10 * time.Second

// handleWS upgrades the connection, opens its session and runs the read loop
// until the client goes away. A single writer goroutine owns all writes to
// the socket; fragments reach it through the session's bus topic, so frame
// order on the wire matches publish order.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("component", "server").Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.maxMessageBytes())

	sess := s.opts.Manager.Open()
	logger := log.With().Str("component", "server").Str("session_id", sess.ID).Logger()

	connCtx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	defer s.opts.Manager.Close(sess.ID)
	defer func() { _ = conn.Close() }()

	// Unblock the read loop when the server shuts down.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	sub, subDone, err := s.opts.Bus.Subscriber(connCtx, sess.ID)
	if err != nil {
		logger.Error().Err(err).Msg("subscriber setup failed")
		return
	}
	defer subDone()

	frames, err := sub.Subscribe(connCtx, bus.Topic(sess.ID))
	if err != nil {
		logger.Error().Err(err).Msg("topic subscribe failed")
		return
	}

	hello, err := json.Marshal(sessionFrame{Type: "session", SessionID: sess.ID})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			logger.Debug().Err(err).Msg("greeting write failed")
			return
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		broken := false
		for msg := range frames {
			if !broken {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
					logger.Debug().Err(err).Msg("websocket write failed")
					broken = true
					cancel()
				}
			}
			msg.Ack()
		}
	}()

	logger.Info().Msg("session connected")
	s.readLoop(connCtx, conn, sess, logger)
	logger.Info().Msg("session disconnected")

	cancel()
	<-writerDone
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger zerolog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		s.dispatch(ctx, data, sess, logger)
	}
}

func (s *Server) dispatch(ctx context.Context, data []byte, sess *session.Session, logger zerolog.Logger) {
	frame, err := decodeInbound(data)
	if err != nil {
		s.publishErrorFrame(sess.ID, err.Error())
		return
	}
	switch frame.Type {
	case "turn":
		s.startTurn(ctx, frame, sess, logger)
	case "cancel":
		logger.Debug().Msg("cancel requested")
		sess.Cancel()
	default:
		s.publishErrorFrame(sess.ID, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (s *Server) startTurn(ctx context.Context, frame *inboundFrame, sess *session.Session, logger zerolog.Logger) {
	var resolve resolveRef
	if s.opts.Images != nil {
		resolve = s.opts.Images.Get
	}
	parts, err := frame.toParts(resolve)
	if err != nil {
		s.publishErrorFrame(sess.ID, err.Error())
		return
	}
	stream, turn, err := sess.Submit(ctx, parts, frame.Model)
	if err != nil {
		logger.Debug().Err(err).Msg("submission rejected")
		s.publishErrorFrame(sess.ID, err.Error())
		return
	}
	logger.Debug().Str("turn_id", turn.ID).Msg("turn submitted")
	go s.forward(sess.ID, stream, logger)
}

// forward publishes one turn's fragments to the session topic in order.
func (s *Server) forward(sessionID string, stream *chat.FragmentStream, logger zerolog.Logger) {
	topic := bus.Topic(sessionID)
	for f := range stream.Fragments() {
		payload, err := encodeFragment(f)
		if err != nil {
			logger.Error().Err(err).Msg("fragment encode failed")
			continue
		}
		if err := s.opts.Bus.Publish(topic, payload); err != nil {
			logger.Warn().Err(err).Int("seq", f.Seq).Msg("fragment publish failed")
		}
	}
}

// publishErrorFrame reports a submission that never became a turn: the frame
// is terminal, carries a fresh provisional turn id and leaves any active
// turn untouched.
func (s *Server) publishErrorFrame(sessionID, msg string) {
	payload, err := encodeFragment(chat.Fragment{
		TurnID:  uuid.NewString(),
		Seq:     0,
		Payload: msg,
		Final:   true,
		Status:  chat.StatusError,
	})
	if err != nil {
		return
	}
	if err := s.opts.Bus.Publish(bus.Topic(sessionID), payload); err != nil {
		log.Warn().Err(err).Str("component", "server").Str("session_id", sessionID).
			Msg("error frame publish failed")
	}
}
