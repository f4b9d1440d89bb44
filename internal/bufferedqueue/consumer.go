package bufferedqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/metrics"
	"github.com/10yihang/cpid/internal/reqrep"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Workers encode items concurrently.
	Workers int
	// QueueSize bounds both the items waiting to be encoded and the items
	// waiting to be re-sent before Enqueue starts to block.
	QueueSize int
	// MaxInFlight bounds the number of unanswered sends.
	MaxInFlight int
	// ReplyTimeout and MaxRetries are passed to the request/reply client.
	ReplyTimeout time.Duration
	MaxRetries   int
}

func DefaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		Workers:      1,
		QueueSize:    64,
		MaxInFlight:  16,
		ReplyTimeout: 10 * time.Second,
	}
}

type inflight struct {
	data   []byte
	future *reqrep.Future
}

type flushReq struct {
	ctx  context.Context
	done chan error
}

// Consumer ships items to Producers, re-sending those that were rejected
// or not answered.
type Consumer[T any] struct {
	cfg    ConsumerConfig
	codec  Codec[T]
	logger *zap.Logger
	client *reqrep.Client

	in      chan T
	encoded chan []byte
	flushes chan flushReq
	queued  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// owned by the send loop
	inflight []inflight
	retries  [][]byte
}

func NewConsumer[T any](endpoints []string, codec Codec[T], cfg *ConsumerConfig, logger *zap.Logger) *Consumer[T] {
	defaults := DefaultConsumerConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaults.MaxInFlight
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer[T]{
		cfg:    *cfg,
		codec:  codec,
		logger: logger.Named("queue-consumer"),
		client: reqrep.NewClient(endpoints, &reqrep.ClientConfig{
			ReplyTimeout: cfg.ReplyTimeout,
			MaxRetries:   cfg.MaxRetries,
			MaxBacklog:   cfg.QueueSize,
		}, logger),
		in:      make(chan T, cfg.QueueSize),
		encoded: make(chan []byte),
		flushes: make(chan flushReq),
		ctx:     ctx,
		cancel:  cancel,
	}

	c.wg.Add(cfg.Workers + 1)
	for i := 0; i < cfg.Workers; i++ {
		go c.encodeLoop()
	}
	go c.sendLoop()
	return c
}

// Enqueue hands an item to the encoders. It blocks while too many items are
// waiting to be encoded or re-sent.
func (c *Consumer[T]) Enqueue(ctx context.Context, item T) error {
	c.queued.Add(1)
	select {
	case c.in <- item:
		return nil
	case <-ctx.Done():
		c.queued.Add(-1)
		return ctx.Err()
	case <-c.ctx.Done():
		c.queued.Add(-1)
		return cerrors.ErrClosed
	}
}

// UpdateEndpoints replaces the set of producers.
func (c *Consumer[T]) UpdateEndpoints(endpoints []string) bool {
	return c.client.UpdateEndpoints(endpoints)
}

// Flush waits until every enqueued item was accepted by a producer.
func (c *Consumer[T]) Flush(ctx context.Context) error {
	for c.queued.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return cerrors.ErrClosed
		case <-time.After(time.Millisecond):
		}
	}

	req := flushReq{ctx: ctx, done: make(chan error, 1)}
	select {
	case c.flushes <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return cerrors.ErrClosed
	}
	return <-req.done
}

func (c *Consumer[T]) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *Consumer[T]) encodeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case item := <-c.in:
			data, err := c.codec.Encode(item)
			if err != nil {
				c.queued.Add(-1)
				c.logger.Warn("dropping unencodable item", zap.Error(err))
				continue
			}
			select {
			case c.encoded <- data:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer[T]) sendLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.encoded:
			c.queued.Add(-1)
			c.collect()
			c.sendRetries()
			c.send(data)
			c.throttle()
		case req := <-c.flushes:
			req.done <- c.flush(req.ctx)
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Consumer[T]) send(data []byte) {
	if len(c.inflight) >= c.cfg.MaxInFlight {
		c.retries = append(c.retries, data)
		return
	}
	c.inflight = append(c.inflight, inflight{data: data, future: c.client.Request(data)})
}

func (c *Consumer[T]) sendRetries() {
	for len(c.retries) > 0 && len(c.inflight) < c.cfg.MaxInFlight {
		data := c.retries[0]
		c.retries = c.retries[1:]
		metrics.RecordQueueItem("consumer", "retried")
		c.inflight = append(c.inflight, inflight{data: data, future: c.client.Request(data)})
	}
}

// collect moves answered sends out of flight. Rejected items and failed
// requests are queued for another attempt.
func (c *Consumer[T]) collect() {
	kept := c.inflight[:0]
	for _, f := range c.inflight {
		select {
		case <-f.future.Done():
			c.settle(f)
		default:
			kept = append(kept, f)
		}
	}
	for i := len(kept); i < len(c.inflight); i++ {
		c.inflight[i] = inflight{}
	}
	c.inflight = kept
}

func (c *Consumer[T]) settle(f inflight) {
	rep, err := f.future.Result()
	if err == nil && parseVerdict(rep) == Accepted {
		metrics.RecordQueueItem("consumer", "sent")
		return
	}
	if err != nil {
		c.logger.Debug("send failed, will retry", zap.Error(err))
	}
	c.retries = append(c.retries, f.data)
}

// waitInflight blocks until every send in flight was answered.
func (c *Consumer[T]) waitInflight(ctx context.Context) error {
	for _, f := range c.inflight {
		select {
		case <-f.future.Done():
		case <-ctx.Done():
			c.collect()
			return ctx.Err()
		case <-c.ctx.Done():
			return cerrors.ErrClosed
		}
	}
	c.collect()
	return nil
}

func backoff(ntry int) time.Duration {
	if ntry > 5 {
		ntry = 5
	}
	return 10 * time.Millisecond << ntry
}

// throttle stops taking new items while more than QueueSize items wait to
// be re-sent.
func (c *Consumer[T]) throttle() {
	if len(c.retries) <= c.cfg.QueueSize {
		return
	}
	start := time.Now()
	for ntry := 0; len(c.retries) > c.cfg.QueueSize; ntry++ {
		if ntry > 0 && !c.sleep(c.ctx, backoff(ntry)) {
			return
		}
		c.sendRetries()
		if err := c.waitInflight(c.ctx); err != nil {
			return
		}
	}
	c.logger.Debug("waited for retries", zap.Duration("elapsed", time.Since(start)))
}

func (c *Consumer[T]) flush(ctx context.Context) error {
	for ntry := 0; ; ntry++ {
		if err := c.waitInflight(ctx); err != nil {
			return err
		}
		if len(c.retries) == 0 {
			return nil
		}
		if ntry > 0 && !c.sleep(ctx, backoff(ntry)) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return cerrors.ErrClosed
		}
		c.sendRetries()
	}
}

func (c *Consumer[T]) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.ctx.Done():
		return false
	}
}
