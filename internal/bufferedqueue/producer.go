package bufferedqueue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/metrics"
	"github.com/10yihang/cpid/internal/reqrep"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	// Endpoint to bind; empty picks an interface address and port.
	Endpoint string
	// Workers decode received items concurrently.
	Workers int
	// QueueSize bounds the number of received items not yet decoded.
	QueueSize int
}

func DefaultProducerConfig() *ProducerConfig {
	return &ProducerConfig{Workers: 1, QueueSize: 64}
}

// Producer receives items from Consumers and hands them out through Get.
type Producer[T any] struct {
	codec  Codec[T]
	logger *zap.Logger
	srv    *reqrep.Server

	raw   chan []byte
	items chan T

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewProducer[T any](codec Codec[T], cfg *ProducerConfig, logger *zap.Logger) (*Producer[T], error) {
	defaults := DefaultProducerConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Producer[T]{
		codec:  codec,
		logger: logger.Named("queue-producer"),
		raw:    make(chan []byte, cfg.QueueSize),
		items:  make(chan T, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
	srv, err := reqrep.NewServer(p.handle, &reqrep.ServerConfig{Endpoint: cfg.Endpoint, Workers: 1}, logger)
	if err != nil {
		return nil, err
	}
	p.srv = srv

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.decodeLoop()
	}
	return p, nil
}

// Endpoint is the address consumers send items to.
func (p *Producer[T]) Endpoint() string {
	return p.srv.Endpoint()
}

func (p *Producer[T]) handle(_ context.Context, req []byte, reply reqrep.ReplyFunc) {
	select {
	case <-p.stop:
		reply([]byte{byte(Rejected)})
		return
	default:
	}

	data := append([]byte(nil), req...)
	select {
	case p.raw <- data:
		metrics.RecordQueueItem("producer", "accepted")
		p.logger.Debug("accepted item", zap.Int("bytes", len(data)), zap.Int("queued", len(p.raw)))
		reply([]byte{byte(Accepted)})
	default:
		metrics.RecordQueueItem("producer", "rejected")
		p.logger.Debug("queue is full, rejecting item", zap.Int("bytes", len(data)))
		reply([]byte{byte(Rejected)})
	}
}

func (p *Producer[T]) decodeLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case data := <-p.raw:
			item, err := p.codec.Decode(data)
			if err != nil {
				p.logger.Warn("dropping undecodable item", zap.Error(err))
				continue
			}
			select {
			case p.items <- item:
			case <-p.stop:
				return
			}
		}
	}
}

// Get blocks until an item is available. It returns ErrStopped once the
// producer is stopped.
func (p *Producer[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-p.items:
		return item, nil
	case <-p.stop:
		return zero, cerrors.ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Stop wakes every Get and stops accepting items.
func (p *Producer[T]) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Producer[T]) Close() error {
	p.Stop()
	err := p.srv.Close()
	p.wg.Wait()
	return err
}
