package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/mil-ad/outputctl/internal/audio"
)

const (
	defaultServerCallTimeout = 5 * time.Second
	defaultPingInterval      = 15 * time.Second
	defaultPongTimeout       = 30 * time.Second
	writeTimeout             = 5 * time.Second
	maxMessageSize           = 64 << 10
	sendBuffer               = 16
)

// Service is the operation surface the server dispatches to.
type Service interface {
	CurrentOutputMode(ctx context.Context) (audio.OutputMode, error)
	SetSpeakers(ctx context.Context) error
	SetHeadphones(ctx context.Context) error
	EnableDirect(ctx context.Context) error
	DisableDirect(ctx context.Context) error
}

// Notifier publishes route changes.
type Notifier interface {
	Subscribe(fn func(audio.OutputModeChanged)) (cancel func())
}

type ServerOptions struct {
	Logger pslog.Logger
	// CallTimeout bounds each dispatched request.
	CallTimeout  time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Server accepts one client session at a time on a named channel and
// dispatches its requests to a Service, in order.
type Server struct {
	svc    Service
	events Notifier
	opts   ServerOptions
	logger pslog.Logger

	upgrader websocket.Upgrader

	mu          sync.Mutex
	httpSrv     *http.Server
	channel     string
	active      *session
	started     bool
	stopping    bool
	unsubscribe func()
	wg          sync.WaitGroup
}

func NewServer(svc Service, events Notifier, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultServerCallTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	s := &Server{
		svc:    svc,
		events: events,
		opts:   opts,
		logger: opts.Logger,
	}
	s.upgrader = websocket.Upgrader{
		// Browsers always send Origin; local clients never do.
		CheckOrigin: func(r *http.Request) bool { return r.Header.Get("Origin") == "" },
	}
	return s
}

// Start listens on channel and begins serving in the background.
func (s *Server) Start(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("ipc server already started")
	}

	ln, err := listen(channel)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(rpcPath, s.handleRPC)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.channel = channel
	s.started = true
	if s.events != nil {
		s.unsubscribe = s.events.Subscribe(s.publish)
	}

	s.wg.Add(1)
	go s.serve(ln)

	s.logger.Info("ipc.server.listening", "channel", ChannelPath(channel))
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("ipc.server.serve", "error", err)
	}
}

// Stop refuses new sessions, closes the active one with a close frame and
// releases the channel. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	sess := s.active
	unsubscribe := s.unsubscribe
	srv := s.httpSrv
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if sess != nil {
		sess.goAway()
	}
	err := srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.logger.Info("ipc.server.stopped", "channel", ChannelPath(s.channel))
	return err
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	if s.active != nil {
		active := s.active.id
		s.mu.Unlock()
		s.logger.Warn("ipc.session.rejected", "reason", "session already active", "active", active)
		http.Error(w, "session already active", http.StatusConflict)
		return
	}
	// Reserve the slot before upgrading so a racing second client is turned
	// away rather than interleaved.
	sess := &session{
		id:   uuid.NewString(),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	s.active = sess
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, http.Header{SessionHeader: []string{sess.id}})
	if err != nil {
		s.logger.Warn("ipc.session.upgrade", "session", sess.id, "error", err)
		s.endSession(sess)
		return
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		conn.Close()
		s.endSession(sess)
		return
	}
	sess.conn = conn
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("ipc.session.open", "session", sess.id)
	go s.writePump(sess)
	s.readPump(sess)
}

// readPump dispatches requests one at a time, in arrival order.
func (s *Server) readPump(sess *session) {
	defer s.endSession(sess)

	conn := sess.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("ipc.session.read", "session", sess.id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeRequest || env.Request == nil {
			s.logger.Warn("ipc.session.malformed", "session", sess.id, "error", err, "type", env.Type)
			continue
		}

		resp := s.dispatch(sess, env.Request)
		out, err := json.Marshal(Envelope{Type: TypeResponse, Response: resp})
		if err != nil {
			s.logger.Error("ipc.session.marshal", "session", sess.id, "error", err)
			continue
		}
		if !sess.enqueue(out) {
			return
		}
	}
}

func (s *Server) writePump(sess *session) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	defer sess.close()

	conn := sess.conn
	for {
		select {
		case msg := <-sess.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Warn("ipc.session.write", "session", sess.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (s *Server) dispatch(sess *session, req *IPCRequest) (resp *IPCResponse) {
	resp = &IPCResponse{ID: req.ID}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ipc.dispatch.panic", "session", sess.id, "method", req.Method, "panic", fmt.Sprint(r))
			resp = &IPCResponse{ID: req.ID, Error: fmt.Sprintf("internal error: %v", r), Code: CodeRemoteFailed}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CallTimeout)
	defer cancel()

	var err error
	switch req.Method {
	case MethodSetSpeakers:
		err = s.svc.SetSpeakers(ctx)
	case MethodSetHeadphones:
		err = s.svc.SetHeadphones(ctx)
	case MethodEnableDirect:
		err = s.svc.EnableDirect(ctx)
	case MethodDisableDirect:
		err = s.svc.DisableDirect(ctx)
	case MethodGetCurrentOutputMode:
		var mode audio.OutputMode
		mode, err = s.svc.CurrentOutputMode(ctx)
		if err == nil {
			resp.Mode = &mode
		}
	default:
		resp.Error = fmt.Sprintf("unknown method %q", req.Method)
		resp.Code = CodeUnknownMethod
		return resp
	}

	if err != nil {
		s.logger.Warn("ipc.dispatch.failed", "session", sess.id, "method", req.Method, "error", err)
		resp.Error = err.Error()
		resp.Code = errorCode(err)
	} else {
		s.logger.Debug("ipc.dispatch", "session", sess.id, "method", req.Method)
	}
	return resp
}

// publish pushes a route change to the active session. Events are dropped
// when nobody is connected or the session's buffer is full.
func (s *Server) publish(ev audio.OutputModeChanged) {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		return
	}

	data, err := json.Marshal(Envelope{Type: TypeEvent, Event: &IPCEvent{Mode: ev.Mode}})
	if err != nil {
		s.logger.Error("ipc.event.marshal", "error", err)
		return
	}
	select {
	case sess.send <- data:
	default:
		s.logger.Warn("ipc.event.dropped", "session", sess.id, "mode", ev.Mode.String())
	}
}

func (s *Server) endSession(sess *session) {
	sess.close()
	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()
	if sess.conn != nil {
		s.logger.Info("ipc.session.closed", "session", sess.id)
	}
}

type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func (ss *session) enqueue(data []byte) bool {
	select {
	case ss.send <- data:
		return true
	case <-ss.done:
		return false
	}
}

// goAway tells the peer the server is going away, then closes.
func (ss *session) goAway() {
	if ss.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping")
		ss.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	ss.close()
}

func (ss *session) close() {
	ss.closeOnce.Do(func() {
		close(ss.done)
		if ss.conn != nil {
			ss.conn.Close()
		}
	})
}
