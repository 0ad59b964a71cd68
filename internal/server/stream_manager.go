package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/meeting-transcriber/internal/autostop"
	"github.com/lexiqai/meeting-transcriber/internal/capture"
	"github.com/lexiqai/meeting-transcriber/internal/config"
	"github.com/lexiqai/meeting-transcriber/internal/observability"
	"github.com/lexiqai/meeting-transcriber/internal/recording"
	"github.com/lexiqai/meeting-transcriber/internal/resilience"
	"github.com/lexiqai/meeting-transcriber/internal/sink"
	"github.com/lexiqai/meeting-transcriber/internal/stt"
)

const (
	writeWait = 10 * time.Second

	// Stop reasons set by the server rather than the user
	StopReasonDisconnect = "disconnect"
	StopReasonShutdown   = "shutdown"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The shell connects from a local origin
		return true
	},
	ReadBufferSize:  16384,
	WriteBufferSize: 4096,
}

// Deps are shared by every recording the server hosts
type Deps struct {
	Dialer   stt.Dialer
	Sink     sink.Sink
	Detector autostop.Detector
	Health   recording.HealthTracker
	Breaker  *resilience.CircuitBreaker
}

// Server hosts recordings for shells connected over websocket
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*recording.Session
	closing  bool
}

// New creates a server
func New(cfg *config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   observability.WithComponent(observability.GetLogger(), "server"),
		sessions: make(map[string]*recording.Session),
	}
}

// ActiveSessions returns the number of recordings in progress
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// HandleSessionWS accepts a shell connection. One connection drives at most
// one recording at a time.
func (s *Server) HandleSessionWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if closing {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error
			s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		sc := newStreamConn(s, conn)
		s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Shell connected")
		sc.processIncomingMessages()
		s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Shell disconnected")
	}
}

// Shutdown stops every active recording and refuses new connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	sessions := make([]*recording.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			_, err := sess.Stop(gctx, StopReasonShutdown)
			if errors.Is(err, recording.ErrNotRecording) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (s *Server) register(sess *recording.Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
}

func (s *Server) unregister(sess *recording.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

// stopTimeout bounds a stop that has no caller deadline
func (s *Server) stopTimeout() time.Duration {
	return s.cfg.FinalizeMaxWait + s.cfg.FinalizeCloseWait + 5*time.Second
}

// streamConn is one shell connection
type streamConn struct {
	srv    *Server
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	session *recording.Session
}

func newStreamConn(srv *Server, conn *websocket.Conn) *streamConn {
	return &streamConn{
		srv:    srv,
		conn:   conn,
		logger: srv.logger,
	}
}

func (c *streamConn) processIncomingMessages() {
	defer func() {
		c.stopSession(StopReasonDisconnect)
		c.conn.Close()
	}()

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.handleAudio(message)
		case websocket.TextMessage:
			c.handleControl(message)
		}
	}
}

func (c *streamConn) handleAudio(data []byte) {
	sess := c.current()
	if sess == nil {
		return
	}
	mic, sys, err := decodeAudioFrame(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed audio frame")
		return
	}
	if err := sess.PushAudio(mic, sys); err != nil && !errors.Is(err, recording.ErrNotRecording) {
		c.logger.Warn().Err(err).Msg("Failed to process audio")
	}
}

func (c *streamConn) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Error().Err(err).Msg("Failed to parse control message")
		c.sendError("invalid control message")
		return
	}

	var err error
	switch msg.Type {
	case msgStart:
		err = c.startSession(&msg)
	case msgPause:
		err = c.withSession(func(sess *recording.Session) error { return sess.Pause() })
	case msgResume:
		err = c.withSession(func(sess *recording.Session) error { return sess.Resume() })
	case msgStop:
		err = c.withSession(func(sess *recording.Session) error {
			ctx, cancel := context.WithTimeout(context.Background(), c.srv.stopTimeout())
			defer cancel()
			_, err := sess.Stop(ctx, recording.StopReasonUser)
			return err
		})
	case msgSystemAudio:
		err = c.withSession(func(sess *recording.Session) error {
			return sess.SetSystemAudio(context.Background(), msg.Available, msg.Reason)
		})
	case msgExpectedSpeakers:
		count := 0
		if msg.Count != nil {
			count = *msg.Count
		}
		err = c.withSession(func(sess *recording.Session) error { return sess.SetExpectedSpeakers(count) })
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("Unknown control message")
		c.sendError("unknown control message: " + msg.Type)
		return
	}

	if err != nil {
		c.logger.Warn().Err(err).Str("type", msg.Type).Msg("Control message failed")
		c.sendError(err.Error())
	}
}

func (c *streamConn) startSession(msg *controlMessage) error {
	params, err := msg.params()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.session != nil && c.session.State() != recording.StateStopped {
		c.mu.Unlock()
		return recording.ErrAlreadyStarted
	}
	var sess *recording.Session
	sess = recording.NewSession(recording.Deps{
		Config:   c.srv.cfg,
		Dialer:   c.srv.deps.Dialer,
		Sink:     c.srv.deps.Sink,
		Detector: c.srv.deps.Detector,
		Backend:  wsBackend{conn: c},
		Health:   c.srv.deps.Health,
		Breaker:  c.srv.deps.Breaker,
		Notify:   func(n recording.Notification) { c.notify(sess, n) },
	})
	c.session = sess
	c.mu.Unlock()

	c.srv.register(sess)
	if err := sess.Start(context.Background(), params); err != nil {
		c.srv.unregister(sess)
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		return err
	}
	c.logger.Info().Str("session_id", sess.ID()).Msg("Recording session started")
	return nil
}

func (c *streamConn) current() *recording.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *streamConn) withSession(fn func(sess *recording.Session) error) error {
	sess := c.current()
	if sess == nil {
		return recording.ErrNotRecording
	}
	return fn(sess)
}

func (c *streamConn) stopSession(reason string) {
	sess := c.current()
	if sess == nil {
		return
	}
	defer c.srv.unregister(sess)

	ctx, cancel := context.WithTimeout(context.Background(), c.srv.stopTimeout())
	defer cancel()
	if _, err := sess.Stop(ctx, reason); err != nil && !errors.Is(err, recording.ErrNotRecording) {
		c.logger.Warn().Err(err).Str("session_id", sess.ID()).Msg("Failed to stop session")
	}
}

// notify forwards session notifications to the shell. Finished sessions
// leave the registry here so auto-stopped recordings are released too.
func (c *streamConn) notify(sess *recording.Session, n recording.Notification) {
	if n.Type == recording.TypeStopped {
		c.srv.unregister(sess)
	}
	if err := c.writeJSON(n); err != nil {
		c.logger.Debug().Err(err).Str("type", n.Type).Msg("Failed to deliver notification")
	}
}

func (c *streamConn) sendError(message string) {
	if err := c.writeJSON(recording.Notification{Type: recording.TypeError, Message: message}); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to deliver error")
	}
}

func (c *streamConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// wsBackend asks the shell to apply capture settings on the device
type wsBackend struct {
	conn *streamConn
}

func (b wsBackend) ApplyMicrophoneConstraints(_ context.Context, constraints capture.Constraints) error {
	return b.conn.writeJSON(recording.Notification{
		Type:        recording.TypeApplyConstraints,
		Constraints: &constraints,
	})
}

var _ capture.Backend = wsBackend{}
