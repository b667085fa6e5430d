package uds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/specsync/internal/model"
)

// ErrSocketInUse is returned by Start when another process already answers
// on the socket.
var ErrSocketInUse = errors.New("control socket in use")

// DefaultMaxInFlight bounds concurrently served requests.
const DefaultMaxInFlight = 8

// HandlerFunc serves one request. ctx is cancelled when the server stops
// or the connection deadline passes.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Server answers control requests, one request per connection. Requests
// beyond the in-flight limit are turned away with capacity_exceeded rather
// than queued behind a slow handler.
type Server struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	connTimeout time.Duration
	slots       *semaphore.Weighted
	listener    net.Listener

	conns  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:        socketPath,
		logger:      logger,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: 30 * time.Second,
		slots:       semaphore.NewWeighted(DefaultMaxInFlight),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) SocketPath() string { return s.path }

func (s *Server) SetConnTimeout(d time.Duration) { s.connTimeout = d }

// SetMaxInFlight changes the in-flight limit. Call it before Start.
func (s *Server) SetMaxInFlight(n int) {
	if n < 1 {
		n = 1
	}
	s.slots = semaphore.NewWeighted(int64(n))
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = handler
	s.mu.Unlock()
}

// Start claims the socket path and begins serving. A socket file nobody
// answers on is left over from a crashed daemon and is replaced; a live one
// is never touched.
func (s *Server) Start() error {
	if err := s.claim(); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.conns.Add(1)
	go s.serve()
	return nil
}

func (s *Server) claim() error {
	if _, err := os.Lstat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if conn, err := net.DialTimeout("unix", s.path, 500*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.path)
	}
	s.logger.Info("removing stale control socket", "path", s.path)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

// Stop closes the listener, waits for open connections and removes the
// socket file.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener == nil {
		return nil
	}
	_ = s.listener.Close()
	s.conns.Wait()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *Server) serve() {
	defer s.conns.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.conns.Add(1)
		go s.serveConn(conn)
	}
}

// serveConn reads one request and writes one response. The slot is taken
// after the read so an idle client cannot hold it.
func (s *Server) serveConn(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(s.connTimeout)
	_ = conn.SetDeadline(deadline)

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug("read request failed", "error", err)
		return
	}

	var resp *Response
	if s.slots.TryAcquire(1) {
		ctx, cancel := context.WithDeadline(s.ctx, deadline)
		resp = s.dispatch(ctx, &req)
		cancel()
		s.slots.Release(1)
	} else {
		s.logger.Warn("control request rejected, server busy", "command", req.Command)
		resp = FromError(model.NewError(model.ErrKindCapacityExceeded, req.Command, "", "daemon busy, retry shortly"))
	}

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Debug("write response failed", "command", req.Command, "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}
	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}
	s.logger.Debug("control request", "command", req.Command)
	return s.call(ctx, handler, req)
}

// call runs handler, reporting a panic to the client as an io failure.
func (s *Server) call(ctx context.Context, handler HandlerFunc, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic serving control request",
				"command", req.Command, "panic", r, "stack", string(debug.Stack()))
			resp = FromError(model.NewError(model.ErrKindIO, req.Command, "", fmt.Sprintf("internal error: %v", r)))
		}
	}()
	if resp = handler(ctx, req); resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}
