// Package pubsub distributes the latest version of a binary blob to any
// number of subscribers. Subscribers that join late still receive the last
// published value.
package pubsub

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/metrics"
	"github.com/10yihang/cpid/internal/netutil"
)

const tagSize = 8

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Endpoint to bind; empty picks an interface address and port.
	Endpoint string
	// Republish is how often the current value is resent. XPUB sockets do
	// not surface subscribe frames, so this bounds how long a subscriber
	// that joins late waits for the cached value. Zero uses one second.
	Republish time.Duration
}

const defaultRepublish = time.Second

func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{Republish: defaultRepublish}
}

// Publisher is the last-value cache of one blob.
type Publisher struct {
	cfg      PublisherConfig
	logger   *zap.Logger
	sck      zmq4.Socket
	endpoint string

	mu      sync.Mutex
	data    []byte
	tag     int64
	hasData bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewPublisher(cfg *PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	if cfg == nil {
		cfg = DefaultPublisherConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = netutil.TCPEndpoint(netutil.InterfaceAddress(), 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		cfg:    *cfg,
		logger: logger.Named("blob-publisher"),
		sck:    zmq4.NewXPub(ctx),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := p.sck.Listen(endpoint); err != nil {
		cancel()
		_ = p.sck.Close()
		return nil, fmt.Errorf("blob publisher listen on %s: %w", endpoint, err)
	}
	bound, err := netutil.BoundEndpoint(endpoint, p.sck.Addr())
	if err != nil {
		cancel()
		_ = p.sck.Close()
		return nil, err
	}
	p.endpoint = bound
	p.logger.Debug("bound", zap.String("endpoint", bound))

	p.wg.Add(1)
	go p.run()
	return p, nil
}

func (p *Publisher) Endpoint() string {
	return p.endpoint
}

// Publish replaces the cached value and sends it to every subscriber.
func (p *Publisher) Publish(data []byte, tag int64) {
	p.mu.Lock()
	p.data = append(p.data[:0], data...)
	p.tag = tag
	p.hasData = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Latest returns the cached value.
func (p *Publisher) Latest() ([]byte, int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.data...), p.tag, p.hasData
}

func (p *Publisher) run() {
	defer p.wg.Done()
	interval := p.cfg.Republish
	if interval <= 0 {
		interval = defaultRepublish
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}

		p.mu.Lock()
		if !p.hasData {
			p.mu.Unlock()
			continue
		}
		tag := make([]byte, tagSize)
		binary.LittleEndian.PutUint64(tag, uint64(p.tag))
		msg := zmq4.NewMsgFrom(tag, append([]byte(nil), p.data...))
		p.mu.Unlock()

		if err := p.sck.Send(msg); err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn("send failed", zap.Error(err))
			continue
		}
		metrics.RecordBlob("published")
		p.logger.Debug("sent blob", zap.Int("bytes", len(msg.Frames[1])), zap.Int64("tag", int64(binary.LittleEndian.Uint64(tag))))
	}
}

func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
		err = p.sck.Close()
	})
	return err
}
