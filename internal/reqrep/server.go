// Package reqrep implements request/reply messaging over ZeroMQ: a server
// that dispatches requests to a pool of handlers, and a client that retries
// requests that are not answered in time.
package reqrep

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/metrics"
	"github.com/10yihang/cpid/internal/netutil"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

// ReplyFunc sends the reply to the request being handled.
type ReplyFunc func(reply []byte)

// Handler serves one request. It must call reply exactly once before
// returning. Handlers run concurrently when the server has more than one
// worker. A worker whose handler returns without replying stops serving.
type Handler func(ctx context.Context, req []byte, reply ReplyFunc)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Endpoint to bind. Empty binds the first interface address on a
	// random port.
	Endpoint string
	// Workers is the number of requests handled concurrently.
	Workers int
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{Workers: 1}
}

type request struct {
	identity []byte
	id       []byte
	payload  []byte
}

// Server answers requests arriving on a ROUTER socket.
type Server struct {
	handler  Handler
	logger   *zap.Logger
	sck      zmq4.Socket
	endpoint string

	sendMu sync.Mutex
	jobs   chan request
	errs   chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewServer binds the server and starts its workers. The bound endpoint is
// available from Endpoint as soon as NewServer returns.
func NewServer(handler Handler, cfg *ServerConfig, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = netutil.TCPEndpoint(netutil.InterfaceAddress(), 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		handler: handler,
		logger:  logger.Named("reqrep-server"),
		sck:     zmq4.NewRouter(ctx),
		jobs:    make(chan request, cfg.Workers),
		errs:    make(chan error, 16),
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.sck.Listen(endpoint); err != nil {
		cancel()
		_ = s.sck.Close()
		return nil, fmt.Errorf("reqrep server listen on %s: %w", endpoint, err)
	}
	bound, err := netutil.BoundEndpoint(endpoint, s.sck.Addr())
	if err != nil {
		cancel()
		_ = s.sck.Close()
		return nil, err
	}
	s.endpoint = bound
	s.logger = s.logger.With(zap.String("endpoint", bound))
	s.logger.Debug("bound")

	s.wg.Add(1 + cfg.Workers)
	go s.recvLoop()
	for i := 0; i < cfg.Workers; i++ {
		go s.runWorker()
	}
	return s, nil
}

// Endpoint is the address clients connect to.
func (s *Server) Endpoint() string {
	return s.endpoint
}

// Err delivers handler contract violations, wrapped around ErrReplyNotSent.
func (s *Server) Err() <-chan error {
	return s.errs
}

func (s *Server) recvLoop() {
	defer s.wg.Done()
	defer close(s.jobs)
	for {
		msg, err := s.sck.Recv()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Error("receive failed", zap.Error(err))
			return
		}
		if len(msg.Frames) != 3 {
			s.logger.Warn("invalid request", zap.Int("parts", len(msg.Frames)))
			metrics.RecordServed("malformed")
			continue
		}
		select {
		case s.jobs <- request{identity: msg.Frames[0], id: msg.Frames[1], payload: msg.Frames[2]}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) runWorker() {
	defer s.wg.Done()
	for req := range s.jobs {
		if !s.serve(req) {
			s.logger.Error("stopping worker after missing reply")
			return
		}
	}
}

// serve reports whether the handler replied.
func (s *Server) serve(req request) bool {
	s.logger.Debug("received request", zap.Int("bytes", len(req.payload)), zap.ByteString("id", req.id))

	sent := false
	reply := func(data []byte) {
		if sent {
			s.logger.Warn("reply sent twice", zap.ByteString("id", req.id))
			return
		}
		sent = true
		s.sendMu.Lock()
		err := s.sck.Send(zmq4.NewMsgFrom(req.identity, req.id, data))
		s.sendMu.Unlock()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("failed sending reply", zap.Error(err))
			}
			return
		}
		s.logger.Debug("sent reply", zap.Int("bytes", len(data)))
	}

	s.handler(s.ctx, req.payload, reply)
	if sent {
		metrics.RecordServed("replied")
		return true
	}

	metrics.RecordServed("unreplied")
	err := fmt.Errorf("%w: request %s", cerrors.ErrReplyNotSent, req.id)
	s.logger.Error("reply was not sent in handler", zap.ByteString("id", req.id))
	select {
	case s.errs <- err:
	default:
	}
	return false
}

// Close stops receiving, waits for running handlers and closes the socket.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.sck.Close()
		s.wg.Wait()
	})
	return err
}
