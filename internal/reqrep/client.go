package reqrep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/10yihang/cpid/internal/metrics"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

// ClientConfig configures a Client. Zero fields take their defaults.
type ClientConfig struct {
	// ReplyTimeout is how long a request may wait for its reply before it
	// is sent again.
	ReplyTimeout time.Duration
	// MaxRetries bounds how often one request is re-sent. 0 retries forever.
	MaxRetries int
	// MaxBacklog bounds the number of requests waiting for a free endpoint.
	// The oldest requests beyond it fail with ErrBacklogOverflow.
	MaxBacklog int
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ReplyTimeout: 10 * time.Second,
		MaxBacklog:   1024,
	}
}

type item struct {
	msg     []byte
	future  *Future
	retries int
}

// slot is one endpoint's socket. It carries at most one request at a time.
type slot struct {
	endpoint string
	sck      zmq4.Socket
	gen      uint64
	retryAt  time.Time

	pending *item
	id      []byte
	sentAt  time.Time
}

type reply struct {
	slot *slot
	gen  uint64
	msg  zmq4.Msg
}

// Client sends requests round-robin to a set of interchangeable servers and
// re-sends those that are not answered in time. The slots and the backlog
// are owned by a single goroutine; exported methods talk to it through
// channels.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	requests chan *item
	replies  chan reply
	cmds     chan func()
	stop     chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	slots     []*slot
	next      int
	backlog   []*item
	endpoints []string
	swapTo    []string
	swapping  bool
	idle      []chan struct{}
}

// NewClient connects to endpoints. The list may be empty; requests then
// wait in the backlog until UpdateEndpoints provides servers.
func NewClient(endpoints []string, cfg *ClientConfig, logger *zap.Logger) *Client {
	defaults := DefaultClientConfig()
	if cfg == nil {
		cfg = defaults
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaults.ReplyTimeout
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = defaults.MaxBacklog
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      *cfg,
		logger:   logger.Named("reqrep-client"),
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan *item, 256),
		replies:  make(chan reply, 64),
		cmds:     make(chan func()),
		stop:     make(chan struct{}),
	}
	c.setEndpoints(sortedCopy(endpoints))

	c.wg.Add(1)
	go c.run()
	return c
}

func sortedCopy(endpoints []string) []string {
	out := slices.Clone(endpoints)
	slices.Sort(out)
	return slices.Compact(out)
}

// Request queues msg for delivery. The future fails with ErrMaxRetries,
// ErrBacklogOverflow or ErrClosed if no reply can be obtained.
func (c *Client) Request(msg []byte) *Future {
	f := newFuture()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		f.resolve(nil, cerrors.ErrClosed)
		return f
	}
	c.requests <- &item{msg: msg, future: f}
	return f
}

// call runs fn on the client goroutine and waits for it.
func (c *Client) call(fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-c.stop:
		return cerrors.ErrClosed
	}
	<-done
	return nil
}

// WaitForReplies blocks until no request is in flight and the backlog is
// empty, or until no endpoint can take the remaining backlog.
func (c *Client) WaitForReplies(ctx context.Context) error {
	ch := make(chan struct{})
	if err := c.call(func() {
		c.idle = append(c.idle, ch)
		c.notifyIdle()
	}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return cerrors.ErrClosed
	}
}

// ProcessBacklog tries to send every backlogged request and returns the
// number still waiting.
func (c *Client) ProcessBacklog() int {
	n := 0
	_ = c.call(func() {
		c.dispatch()
		c.trim()
		n = len(c.backlog)
	})
	return n
}

// Backlog returns the number of requests waiting for a free endpoint.
func (c *Client) Backlog() int {
	n := 0
	_ = c.call(func() { n = len(c.backlog) })
	return n
}

// UpdateEndpoints replaces the server list. Requests in flight on the old
// servers are allowed to finish or time out first. It reports whether the
// list changed.
func (c *Client) UpdateEndpoints(endpoints []string) bool {
	eps := sortedCopy(endpoints)
	changed := false
	_ = c.call(func() {
		current := c.endpoints
		if c.swapping {
			current = c.swapTo
		}
		if slices.Equal(current, eps) {
			return
		}
		changed = true
		c.swapTo = eps
		c.swapping = true
		c.maybeSwap()
	})
	return changed
}

// Close fails every outstanding request with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
	c.cancel()
	return nil
}

func (c *Client) tick() time.Duration {
	d := c.cfg.ReplyTimeout / 10
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (c *Client) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.tick())
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			c.shutdown()
			return
		case it := <-c.requests:
			c.backlog = append(c.backlog, it)
			metrics.RecordBacklog(1)
			c.dispatch()
		case r := <-c.replies:
			c.handleReply(r)
			c.dispatch()
		case fn := <-c.cmds:
			fn()
		case now := <-ticker.C:
			c.expire(now)
			c.redial(now)
			c.dispatch()
		}
		c.maybeSwap()
		c.trim()
		c.notifyIdle()
	}
}

func (c *Client) shutdown() {
drain:
	for {
		select {
		case it := <-c.requests:
			c.backlog = append(c.backlog, it)
			metrics.RecordBacklog(1)
		default:
			break drain
		}
	}
	for _, it := range c.backlog {
		it.future.resolve(nil, cerrors.ErrClosed)
	}
	metrics.RecordBacklog(-len(c.backlog))
	c.backlog = nil
	for _, s := range c.slots {
		if s.pending != nil {
			s.pending.future.resolve(nil, cerrors.ErrClosed)
		}
		c.closeSlot(s)
	}
	for _, ch := range c.idle {
		close(ch)
	}
	c.idle = nil
}

func (c *Client) setEndpoints(eps []string) {
	c.endpoints = eps
	c.slots = make([]*slot, len(eps))
	c.next = 0
	for i, ep := range eps {
		c.slots[i] = &slot{endpoint: ep}
		c.connect(c.slots[i])
	}
	if len(eps) == 0 {
		c.logger.Warn("no endpoints set, requests will wait in the backlog")
	}
}

func (c *Client) connect(s *slot) {
	s.gen++
	s.pending = nil
	s.id = nil

	sck := zmq4.NewDealer(c.ctx,
		zmq4.WithID(zmq4.SocketIdentity(uuid.NewString())),
		zmq4.WithDialerRetry(50*time.Millisecond),
		zmq4.WithDialerMaxRetries(2),
	)
	if err := sck.Dial(s.endpoint); err != nil {
		c.logger.Warn("cannot connect", zap.String("endpoint", s.endpoint), zap.Error(err))
		_ = sck.Close()
		s.sck = nil
		s.retryAt = time.Now().Add(c.cfg.ReplyTimeout)
		return
	}
	s.sck = sck
	c.logger.Debug("connected", zap.String("endpoint", s.endpoint))

	gen := s.gen
	c.wg.Add(1)
	go c.recvLoop(s, gen, sck)
}

func (c *Client) closeSlot(s *slot) {
	if s.sck != nil {
		_ = s.sck.Close()
		s.sck = nil
	}
}

// reset replaces a socket whose request timed out. A stale reply on the old
// socket can then no longer be mistaken for the next request's.
func (c *Client) reset(s *slot) {
	c.closeSlot(s)
	c.connect(s)
}

func (c *Client) recvLoop(s *slot, gen uint64, sck zmq4.Socket) {
	defer c.wg.Done()
	for {
		msg, err := sck.Recv()
		if err != nil {
			return
		}
		select {
		case c.replies <- reply{slot: s, gen: gen, msg: msg}:
		case <-c.stop:
			return
		}
	}
}

// nextIdle returns the next slot that can take a request, round-robin.
func (c *Client) nextIdle() *slot {
	n := len(c.slots)
	for i := 0; i < n; i++ {
		s := c.slots[c.next]
		c.next = (c.next + 1) % n
		if s.sck != nil && s.pending == nil {
			return s
		}
	}
	return nil
}

func (c *Client) dispatch() {
	if c.swapping {
		return
	}
	failures := 0
	for len(c.backlog) > 0 && failures < len(c.slots) {
		s := c.nextIdle()
		if s == nil {
			return
		}
		it := c.backlog[0]
		c.backlog = c.backlog[1:]
		metrics.RecordBacklog(-1)

		id := []byte(uuid.NewString())
		if err := s.sck.Send(zmq4.NewMsgFrom(id, it.msg)); err != nil {
			c.logger.Warn("send failed", zap.String("endpoint", s.endpoint), zap.Error(err))
			c.requeue(it)
			c.reset(s)
			failures++
			continue
		}
		s.pending = it
		s.id = id
		s.sentAt = time.Now()
		metrics.RecordRequest("sent")
		c.logger.Debug("sent request", zap.String("endpoint", s.endpoint), zap.ByteString("id", id), zap.Int("bytes", len(it.msg)))
	}
}

func (c *Client) requeue(it *item) {
	c.backlog = append([]*item{it}, c.backlog...)
	metrics.RecordBacklog(1)
}

func (c *Client) handleReply(r reply) {
	s := r.slot
	if r.gen != s.gen || s.pending == nil {
		return
	}
	if len(r.msg.Frames) != 2 {
		c.logger.Debug("invalid reply", zap.Int("parts", len(r.msg.Frames)))
		return
	}
	if string(r.msg.Frames[0]) != string(s.id) {
		c.logger.Debug("reply for unknown request", zap.ByteString("id", r.msg.Frames[0]))
		return
	}
	metrics.RecordReply(time.Since(s.sentAt))
	s.pending.future.resolve(r.msg.Frames[1], nil)
	s.pending = nil
	s.id = nil
}

func (c *Client) expire(now time.Time) {
	for _, s := range c.slots {
		if s.pending == nil || now.Sub(s.sentAt) < c.cfg.ReplyTimeout {
			continue
		}
		it := s.pending
		it.retries++
		metrics.RecordRequest("timeout")
		c.logger.Debug("request timed out", zap.String("endpoint", s.endpoint), zap.ByteString("id", s.id), zap.Int("retries", it.retries))
		if c.cfg.MaxRetries > 0 && it.retries > c.cfg.MaxRetries {
			metrics.RecordRequest("failed")
			it.future.resolve(nil, fmt.Errorf("%w: %d retries to %s", cerrors.ErrMaxRetries, c.cfg.MaxRetries, s.endpoint))
		} else {
			c.requeue(it)
		}
		c.reset(s)
	}
}

func (c *Client) redial(now time.Time) {
	for _, s := range c.slots {
		if s.sck == nil && now.After(s.retryAt) {
			c.connect(s)
		}
	}
}

func (c *Client) maybeSwap() {
	if !c.swapping {
		return
	}
	for _, s := range c.slots {
		if s.pending != nil {
			return
		}
	}
	for _, s := range c.slots {
		c.closeSlot(s)
	}
	c.swapping = false
	c.logger.Info("endpoints changed", zap.Strings("from", c.endpoints), zap.Strings("to", c.swapTo))
	c.setEndpoints(c.swapTo)
	c.swapTo = nil
	c.dispatch()
}

// trim drops the oldest requests beyond MaxBacklog.
func (c *Client) trim() {
	over := len(c.backlog) - c.cfg.MaxBacklog
	if over <= 0 {
		return
	}
	for _, it := range c.backlog[:over] {
		it.future.resolve(nil, cerrors.ErrBacklogOverflow)
	}
	c.backlog = slices.Clone(c.backlog[over:])
	metrics.RecordBacklog(-over)
	metrics.RecordRequest("dropped")
	c.logger.Warn("backlog overflow, dropped oldest requests", zap.Int("dropped", over), zap.Int("max", c.cfg.MaxBacklog))
}

func (c *Client) notifyIdle() {
	if len(c.idle) == 0 {
		return
	}
	usable := false
	for _, s := range c.slots {
		if s.pending != nil {
			return
		}
		if s.sck != nil {
			usable = true
		}
	}
	if len(c.backlog) > 0 && usable && !c.swapping {
		return
	}
	for _, ch := range c.idle {
		close(ch)
	}
	c.idle = nil
}
