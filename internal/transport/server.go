package transport

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// Handler serves requests for a Server.
type Handler interface {
	// ServeMessage handles one request. payload is only valid until it
	// returns. A returned error is sent to the client unless the handler
	// already replied.
	ServeMessage(ctx context.Context, s *Session, t proto.MsgType, payload []byte, w *ResponseWriter) error
	// SessionClosed runs once per session after every in-flight request has
	// returned.
	SessionClosed(s *Session)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Options
	// Workers bounds the requests handled concurrently across all sessions.
	Workers int
}

// Server accepts websocket sessions and dispatches their requests on a
// process-wide bounded worker pool.
type Server struct {
	handler  Handler
	opts     ServerOptions
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	workers  chan struct{}

	mu       sync.Mutex
	sessions map[uint64]*Session
	nextID   uint64
	closing  bool
	wg       sync.WaitGroup

	active atomic.Int64
}

// NewServer creates a server for h.
func NewServer(h Handler, opts ServerOptions) *Server {
	opts.setDefaults()
	if opts.Workers <= 0 {
		opts.Workers = 64
	}
	return &Server{
		handler: h,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "transport").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		workers:  make(chan struct{}, opts.Workers),
		sessions: make(map[uint64]*Session),
	}
}

// MessageSize returns the payload capacity announced to clients.
func (s *Server) MessageSize() int { return s.opts.MessageSize }

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ActiveRequests returns the number of requests currently holding a worker.
func (s *Server) ActiveRequests() int64 { return s.active.Load() }

// ServeHTTP upgrades the request and serves the session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	logger := s.logger.With().Str("remote", r.RemoteAddr).Logger()
	wr, err := newWire(ws, &s.opts.Options, frameLimit(s.opts.MessageSize), logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set up session")
		_ = ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		server:     s,
		w:          wr,
		remoteAddr: r.RemoteAddr,
		ctx:        ctx,
		cancel:     cancel,
		opened:     time.Now(),
	}

	s.mu.Lock()
	s.nextID++
	sess.id = s.nextID
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	sess.serve()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// Close ends every session and waits for their teardown to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close("server shutting down")
	}
	s.wg.Wait()
	return nil
}

// Session is the server end of one client connection.
type Session struct {
	id         uint64
	server     *Server
	w          *wire
	remoteAddr string
	opened     time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu    sync.Mutex
	state any
}

// ID returns the session id, unique within the server.
func (s *Session) ID() uint64 { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Opened returns when the session was accepted.
func (s *Session) Opened() time.Time { return s.opened }

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// SetState attaches handler state to the session.
func (s *Session) SetState(v any) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

// State returns the value set with SetState.
func (s *Session) State() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close ends the session. Teardown completes asynchronously.
func (s *Session) Close(reason string) {
	s.cancel()
	s.w.closeGracefully(reason)
}

func (s *Session) serve() {
	s.w.logger.Debug().Uint64("session", s.id).Msg("session opened")

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		ticker := time.NewTicker(s.server.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				_ = s.w.ping()
			}
		}
	}()

	for {
		f, err := s.w.recv()
		if err != nil {
			if !isClosedErr(err) && s.ctx.Err() == nil {
				s.w.logger.Debug().Err(err).Uint64("session", s.id).Msg("session read failed")
			}
			break
		}
		if f.kind != frameRequest {
			f.release()
			s.w.logger.Warn().Uint64("session", s.id).Msg("client sent a non-request frame, closing")
			break
		}
		if !s.acquireWorker() {
			f.release()
			break
		}
		s.inflight.Add(1)
		go s.handle(f)
	}

	s.cancel()
	s.inflight.Wait()
	<-pingDone
	s.server.handler.SessionClosed(s)
	_ = s.w.ws.Close()
	s.w.logger.Debug().Uint64("session", s.id).Dur("duration", time.Since(s.opened)).Msg("session closed")
}

func (s *Session) acquireWorker() bool {
	select {
	case s.server.workers <- struct{}{}:
		s.server.active.Add(1)
		return true
	case <-s.ctx.Done():
		return false
	}
}

type workerSlot struct {
	server   *Server
	released atomic.Bool
}

func (w *workerSlot) release() {
	if w.released.CompareAndSwap(false, true) {
		w.server.active.Add(-1)
		<-w.server.workers
	}
}

type slotKey struct{}

// ReleaseWorker gives the request's worker slot back to the pool before a
// long wait. It is a no-op outside a handler or when called twice.
func ReleaseWorker(ctx context.Context) {
	if slot, ok := ctx.Value(slotKey{}).(*workerSlot); ok {
		slot.release()
	}
}

func (s *Session) handle(f *frame) {
	slot := &workerSlot{server: s.server}
	rw := &ResponseWriter{sess: s, id: f.id}
	t := proto.MsgType(f.code)
	ctx := context.WithValue(s.ctx, slotKey{}, slot)

	defer func() {
		if r := recover(); r != nil {
			s.w.logger.Error().
				Interface("panic", r).
				Str("type", t.String()).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			if !rw.replied {
				_ = rw.Error(cas.Errorf(cas.ErrProtocol, t.String(), cas.ZeroKey, "internal error handling request"))
			}
		}
		f.release()
		slot.release()
		s.inflight.Done()
	}()

	err := s.server.handler.ServeMessage(ctx, s, t, f.payload, rw)
	if err == nil && !rw.replied {
		err = rw.Reply(nil)
	}
	if err != nil {
		if rw.replied {
			s.w.logger.Debug().Err(err).Str("type", t.String()).Msg("handler failed after replying")
			return
		}
		if werr := rw.Error(err); werr != nil && s.ctx.Err() == nil {
			s.w.logger.Debug().Err(werr).Msg("failed to send error response")
		}
	}
}

// ResponseWriter sends the single reply to a request.
type ResponseWriter struct {
	sess    *Session
	id      uint32
	replied bool
}

// Reply sends a successful response. m may be nil for an empty body.
func (w *ResponseWriter) Reply(m proto.Message) error {
	if w.replied {
		return fmt.Errorf("response already sent")
	}
	w.replied = true
	var fill func([]byte) []byte
	if m != nil {
		fill = m.Append
	}
	return w.sess.w.send(w.sess.ctx, frameResponse, w.id, cas.CodeOK, fill)
}

// ReplyBytes sends b as an unstructured response body.
func (w *ResponseWriter) ReplyBytes(b []byte) error {
	raw := proto.Raw(b)
	return w.Reply(&raw)
}

// Error sends err as a failed response.
func (w *ResponseWriter) Error(err error) error {
	if w.replied {
		return fmt.Errorf("response already sent")
	}
	w.replied = true
	code := cas.Code(err)
	msg := err.Error()
	if len(msg) > proto.MaxHintLen {
		msg = msg[:proto.MaxHintLen]
	}
	return w.sess.w.send(w.sess.ctx, frameResponse, w.id, code, func(b []byte) []byte {
		return append(b, msg...)
	})
}
