// Package ws is the WebSocket transport: authenticated upgrades, an epoll
// read loop feeding a bounded worker pool, per-connection serialized writes,
// heartbeats and event dispatch.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/courier/internal/apperr"
	"github.com/whisper/courier/internal/auth"
	"github.com/whisper/courier/internal/metrics"
	"github.com/whisper/courier/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	WorkerPoolSize  int           // max concurrent read-worker goroutines
	MaxConnections  int           // hard cap on total connections
	ReadTimeout     time.Duration // timeout for WebSocket read operations
	WriteTimeout    time.Duration // timeout for WebSocket write operations
	MaxPayloadBytes int64         // larger inbound frames are rejected undecoded
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxPayloadBytes: protocol.DefaultMaxPayloadBytes,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Hooks connects the transport to the application. Authenticate is
// required; the rest are optional.
type Hooks struct {
	// Authenticate verifies the upgrade request. An error answers 401.
	Authenticate func(r *http.Request) (auth.Session, error)
	// Admit may refuse an upgrade before authentication (connection rate
	// limits). The error's apperr code selects the HTTP status.
	Admit func(r *http.Request) error
	// OnConnect runs before the first frame of c is read.
	OnConnect func(c *Connection)
	// OnDisconnect runs exactly once per connection after it is closed.
	OnDisconnect func(c *Connection)
	// OnActivity runs for every inbound frame, control frames included.
	OnActivity func(c *Connection)
	// OnHeartbeat runs for each connection that passed a heartbeat check.
	OnHeartbeat func(c *Connection)
	// OnMessage receives each complete data frame.
	OnMessage func(c *Connection, data []byte)
	// HealthCheck is reported by /health.
	HealthCheck func(ctx context.Context) error
}

// LogFilter suppresses repeated log lines. dedup.Cache implements it.
type LogFilter interface {
	Allow(key string) (bool, int)
}

// Server upgrades HTTP requests to WebSocket, registers sockets with epoll
// and reads ready sockets on a bounded worker pool.
type Server struct {
	config     ServerConfig
	hooks      Hooks
	logFilter  LogFilter
	mu         sync.Mutex // guards epoll against a Shutdown racing Serve
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. Routes /ws and /health are registered; more
// can be mounted with Handle before serving.
func NewServer(config ServerConfig, hooks Hooks) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = protocol.DefaultMaxPayloadBytes
	}
	s := &Server{
		config:     config,
		hooks:      hooks,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetLogFilter routes rejected-upgrade log lines through f.
func (s *Server) SetLogFilter(f LogFilter) {
	s.logFilter = f
}

// Handle mounts an additional handler on the server's mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the epoll event loop and heartbeat and serves HTTP on ln
// until Shutdown. It returns nil at once if Shutdown already ran.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		ln.Close()
		return nil
	default:
	}
	epoll, err := NewEpoll()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epoll = epoll
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.startEventLoop()
	go s.runHeartbeat(s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d, max_payload=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections, s.config.MaxPayloadBytes)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade admits, authenticates and upgrades a client. Nothing is
// upgraded unless the token verifies.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	remote := remoteHost(r)
	if s.hooks.Admit != nil {
		if err := s.hooks.Admit(r); err != nil {
			s.logRejected("admit:"+remote, "ws: upgrade refused remote=%s: %v", remote, err)
			writeHTTPError(w, err)
			return
		}
	}

	if s.hooks.Authenticate == nil {
		writeHTTPError(w, apperr.Unauthenticated("authentication unavailable"))
		return
	}
	sess, err := s.hooks.Authenticate(r)
	if err != nil {
		s.logRejected("auth:"+remote, "ws: unauthenticated upgrade remote=%s: %v", remote, err)
		writeHTTPError(w, err)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", sess.UserID, err)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:           uuid.New().String(),
		Session:      sess,
		RemoteAddr:   remote,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		writeTimeout: s.config.WriteTimeout,
	}
	c.touch(now)

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c)
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", c.ID, sess.UserID, c.Fd, s.conns.Count())
}

func (s *Server) logRejected(key, format string, args ...interface{}) {
	if s.logFilter != nil {
		ok, suppressed := s.logFilter.Allow(key)
		if !ok {
			return
		}
		if suppressed > 0 {
			format += " (suppressed %d similar)"
			args = append(args, suppressed)
		}
	}
	log.Printf(format, args...)
}

// handleHealth reports connection count, uptime and the storage check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
		Storage     string `json:"storage"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		Storage:     "ok",
	}

	code := http.StatusOK
	if s.hooks.HealthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.hooks.HealthCheck(ctx); err != nil {
			log.Printf("ws: health check failed: %v", err)
			resp.Status = "degraded"
			resp.Storage = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every ready socket to a worker, blocking while the
// pool is full.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("ws: epoll wait error: %v", err)
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}
			go func(conn net.Conn) {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}(conn)
		}
	}
}

// handleConn reads one frame from a ready socket. Control frames are
// answered here; data frames go to OnMessage. Any read failure other than
// a timeout closes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same socket to two workers.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer s.epoll.Rearm(netConn)
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness report was stale; the heartbeat
		// deals with dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.touch(time.Now())
	if s.hooks.OnActivity != nil {
		s.hooks.OnActivity(c)
	}

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
		_ = netConn.SetReadDeadline(time.Time{})

		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			if err := c.writePong(payload); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if header.Length > s.config.MaxPayloadBytes {
		if _, err := io.CopyN(io.Discard, reader, header.Length); err != nil {
			s.RemoveConnection(c)
			return
		}
		_ = netConn.SetReadDeadline(time.Time{})
		log.Printf("ws: oversized frame conn=%s user=%s bytes=%d", c.ID, c.UserID(), header.Length)
		SendError(c, apperr.Validation(fmt.Sprintf("payload exceeds %d bytes", s.config.MaxPayloadBytes)))
		return
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	if len(data) == 0 || s.hooks.OnMessage == nil {
		return
	}
	s.hooks.OnMessage(c, data)
}

// RemoveConnection closes c and runs OnDisconnect. Repeated calls for the
// same connection are no-ops.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}
	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID(), s.conns.Count())
}

// Connections exposes the connection manager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting upgrades, closes every connection (running
// OnDisconnect for each) and releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		epoll := s.epoll
		s.mu.Unlock()

		if shutErr := s.httpServer.Shutdown(ctx); shutErr != nil {
			err = fmt.Errorf("ws: http shutdown: %w", shutErr)
		}
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if epoll != nil {
			_ = epoll.Close()
		}
	})

	log.Printf("ws: server stopped, all connections closed")
	return err
}

// writeHTTPError answers a refused upgrade with the JSON error shape used by
// the REST surface.
func writeHTTPError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	if d, ok := apperr.RetryAfterOf(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int((d+time.Second-1)/time.Second)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": apperr.MessageOf(err),
		"code":  string(code),
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
