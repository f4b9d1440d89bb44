package protocol

import (
	"context"
	"net"
	"sync"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/engine"
	"github.com/10yihang/cpid/internal/metrics"
)

// Server is the embedded coordination store speaking RESP.
type Server struct {
	addr     string
	handler  *Handler
	logger   *zap.Logger
	server   *redcon.Server
	listener net.Listener

	mu      sync.RWMutex
	clients int
}

// NewServer creates a server for eng listening on addr.
func NewServer(addr string, eng engine.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		addr:    addr,
		logger:  logger,
		handler: NewHandler(eng, logger),
	}
}

// Listen binds the listening socket. Addr reports the bound address
// afterwards, which makes ":0" usable.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Stop is called. Listen must have
// succeeded first.
func (s *Server) Serve() error {
	s.mu.RLock()
	srv, ln := s.server, s.listener
	s.mu.RUnlock()

	s.logger.Info("coordination store listening", zap.String("addr", ln.Addr().String()))
	return srv.Serve(ln)
}

// Start listens and serves, blocking until the server stops.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	metrics.RecordConnection(1)

	s.logger.Debug("client connected", zap.String("remote", conn.RemoteAddr()))
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.mu.Lock()
	s.clients--
	s.mu.Unlock()
	metrics.RecordConnection(-1)

	s.logger.Debug("client disconnected", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	ctx := context.Background()
	s.handler.ExecuteBytes(ctx, conn, cmd.Args[0], cmd.Args[1:])

	for _, p := range conn.ReadPipeline() {
		if len(p.Args) == 0 {
			continue
		}
		s.handler.ExecuteBytes(ctx, conn, p.Args[0], p.Args[1:])
	}
}
