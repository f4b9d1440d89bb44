package pubsub

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/metrics"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

// Callback receives every blob. The same tag may be delivered more than
// once.
type Callback func(tag int64, data []byte)

// Subscriber listens to one randomly chosen publisher out of a set.
type Subscriber struct {
	callback Callback
	logger   *zap.Logger

	mu        sync.Mutex
	endpoints []string
	endpoint  string
	sck       zmq4.Socket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSubscriber(callback Callback, endpoints []string, logger *zap.Logger) (*Subscriber, error) {
	if len(endpoints) == 0 {
		return nil, cerrors.ErrNoEndpoints
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		callback:  callback,
		logger:    logger.Named("blob-subscriber"),
		endpoints: append([]string(nil), endpoints...),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.endpoint = s.pick()

	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *Subscriber) pick() string {
	return s.endpoints[rand.Intn(len(s.endpoints))]
}

// Endpoint is the publisher currently listened to.
func (s *Subscriber) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// UpdateEndpoints picks a publisher from a new list and switches to it if
// it differs from the current one.
func (s *Subscriber) UpdateEndpoints(endpoints []string) error {
	if len(endpoints) == 0 {
		return cerrors.ErrNoEndpoints
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints[:0], endpoints...)
	next := s.pick()
	if next == s.endpoint {
		return nil
	}
	s.logger.Debug("switching publisher", zap.String("from", s.endpoint), zap.String("to", next))
	s.endpoint = next
	if s.sck != nil {
		_ = s.sck.Close()
	}
	return nil
}

func (s *Subscriber) connect() (zmq4.Socket, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoint := s.endpoint
	if err := s.ctx.Err(); err != nil {
		return nil, endpoint, err
	}
	sck := zmq4.NewSub(s.ctx, zmq4.WithDialerRetry(250*time.Millisecond))
	if err := sck.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = sck.Close()
		return nil, endpoint, err
	}
	if err := sck.Dial(endpoint); err != nil {
		_ = sck.Close()
		return nil, endpoint, err
	}
	s.sck = sck
	return sck, endpoint, nil
}

func (s *Subscriber) run() {
	defer s.wg.Done()
	for s.ctx.Err() == nil {
		sck, endpoint, err := s.connect()
		if err != nil {
			s.logger.Warn("cannot connect", zap.String("endpoint", endpoint), zap.Error(err))
			s.mu.Lock()
			s.endpoint = s.pick()
			s.mu.Unlock()
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		s.logger.Debug("connected", zap.String("endpoint", endpoint))
		s.listen(sck)
		_ = sck.Close()
	}
}

func (s *Subscriber) listen(sck zmq4.Socket) {
	for {
		msg, err := sck.Recv()
		if err != nil {
			return
		}
		if len(msg.Frames) != 2 {
			metrics.RecordBlob("malformed")
			s.logger.Warn("expected two-part message (tag, data)", zap.Int("parts", len(msg.Frames)))
			continue
		}
		if len(msg.Frames[0]) != tagSize {
			metrics.RecordBlob("malformed")
			s.logger.Warn("unexpected tag length", zap.Int("length", len(msg.Frames[0])))
			continue
		}
		metrics.RecordBlob("received")
		s.callback(int64(binary.LittleEndian.Uint64(msg.Frames[0])), msg.Frames[1])
	}
}

func (s *Subscriber) Close() error {
	s.cancel()
	s.mu.Lock()
	if s.sck != nil {
		_ = s.sck.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
