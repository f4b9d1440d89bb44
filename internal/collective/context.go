// Package collective provides allreduce, broadcast, allgather and barrier
// over a fixed group of ranks. Rank 0 hosts a ZeroMQ ROUTER hub; the other
// ranks connect DEALER sockets to it and every operation gathers at the hub,
// which computes the result and sends it back.
package collective

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/metrics"
	"github.com/10yihang/cpid/internal/netutil"
	"github.com/10yihang/cpid/internal/rendezvous"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

// hubKey is the rendezvous key under which rank 0 publishes its endpoint.
const hubKey = "hub"

// Options tune a Context.
type Options struct {
	// Host is the address rank 0 listens on and advertises.
	Host   string
	Logger *zap.Logger
}

type op struct {
	kind  opKind
	arg   int32
	input Tensor
	work  *Work
}

// Context is one rank's membership of a collective group. Operations are
// executed one at a time in submission order.
type Context struct {
	rank    int
	size    int
	timeout time.Duration
	store   rendezvous.Store
	logger  *zap.Logger

	router zmq4.Socket
	dealer zmq4.Socket
	inbox  chan zmq4.Msg

	ops     chan *op
	seq     uint64
	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
	senders sync.WaitGroup
}

// NewContext joins a group of size ranks as rank. The store is used to
// exchange the hub address and is closed with the context. A size of one
// needs no store.
func NewContext(ctx context.Context, store rendezvous.Store, rank, size int, timeout time.Duration, opts *Options) (*Context, error) {
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("invalid rank %d for size %d", rank, size)
	}
	if opts == nil {
		opts = &Options{}
	}
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Context{
		rank:    rank,
		size:    size,
		timeout: timeout,
		store:   store,
		logger:  logger.Named("collective").With(zap.Int("rank", rank), zap.Int("size", size)),
		inbox:   make(chan zmq4.Msg, 2*size),
		ops:     make(chan *op, 64),
		stop:    make(chan struct{}),
	}

	if size > 1 {
		var err error
		if rank == 0 {
			err = c.listen(ctx, host)
		} else {
			err = c.connect(ctx)
		}
		if err != nil {
			c.closeSockets()
			return nil, err
		}
	}

	c.wg.Add(1)
	go c.loop()
	return c, nil
}

func (c *Context) listen(ctx context.Context, host string) error {
	c.router = zmq4.NewRouter(context.Background())
	if err := c.router.Listen("tcp://" + net.JoinHostPort(host, "0")); err != nil {
		return fmt.Errorf("hub listen on %s: %w", host, err)
	}
	endpoint, err := netutil.BoundEndpoint("tcp://"+net.JoinHostPort(host, "0"), c.router.Addr())
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, hubKey, []byte(endpoint)); err != nil {
		return fmt.Errorf("publish hub endpoint: %w", err)
	}
	c.logger.Debug("hub listening", zap.String("endpoint", endpoint))

	c.wg.Add(1)
	go c.recvLoop(c.router)
	return nil
}

func (c *Context) connect(ctx context.Context) error {
	endpoint, err := c.store.Get(ctx, hubKey)
	if err != nil {
		return fmt.Errorf("rank %d rendezvous: %w", c.rank, err)
	}

	retries := int(c.timeout / (100 * time.Millisecond))
	if retries < 10 {
		retries = 10
	}
	c.dealer = zmq4.NewDealer(context.Background(),
		zmq4.WithID(zmq4.SocketIdentity(fmt.Sprintf("rank-%d", c.rank))),
		zmq4.WithDialerRetry(100*time.Millisecond),
		zmq4.WithDialerMaxRetries(retries),
	)
	if err := c.dealer.Dial(string(endpoint)); err != nil {
		return fmt.Errorf("dial hub %s: %w", endpoint, err)
	}
	c.logger.Debug("connected to hub", zap.ByteString("endpoint", endpoint))

	c.wg.Add(1)
	go c.recvLoop(c.dealer)
	return nil
}

func (c *Context) recvLoop(sck zmq4.Socket) {
	defer c.wg.Done()
	for {
		msg, err := sck.Recv()
		if err != nil {
			return
		}
		select {
		case c.inbox <- msg:
		case <-c.stop:
			return
		}
	}
}

func (c *Context) Rank() int { return c.rank }

func (c *Context) Size() int { return c.size }

func (c *Context) Timeout() time.Duration { return c.timeout }

// AllReduce combines t across ranks with op and writes the result into t.
func (c *Context) AllReduce(t Tensor, op ReduceOp) *Work {
	return c.submit(opAllReduce, int32(op), t)
}

// Broadcast copies root's t into every other rank's t.
func (c *Context) Broadcast(t Tensor, root int) *Work {
	if root < 0 || root >= c.size {
		return completedWork(nil, fmt.Errorf("%w: broadcast root %d out of range", cerrors.ErrCollectiveFailed, root))
	}
	return c.submit(opBroadcast, int32(root), t)
}

// AllGather collects every rank's t. Work.Outputs is ordered by rank.
func (c *Context) AllGather(t Tensor) *Work {
	return c.submit(opAllGather, 0, t)
}

// Barrier completes once every rank has entered it.
func (c *Context) Barrier() *Work {
	return c.submit(opBarrier, 0, Tensor{})
}

func (c *Context) submit(kind opKind, arg int32, t Tensor) *Work {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return completedWork(nil, cerrors.ErrClosed)
	}
	if c.size == 1 {
		c.mu.Unlock()
		metrics.RecordCollective(kind.String(), nil)
		if kind == opAllGather {
			return completedWork([]Tensor{t.Clone()}, nil)
		}
		return completedWork(nil, nil)
	}

	c.senders.Add(1)
	c.mu.Unlock()
	defer c.senders.Done()

	w := newWork()
	select {
	case c.ops <- &op{kind: kind, arg: arg, input: t, work: w}:
	case <-c.stop:
		w.finish(nil, cerrors.ErrClosed)
	}
	return w
}

func (c *Context) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case o := <-c.ops:
			c.seq++
			var outputs []Tensor
			var err error
			if c.rank == 0 {
				outputs, err = c.runHub(o, c.seq)
			} else {
				outputs, err = c.runRank(o, c.seq)
			}
			if err != nil {
				err = fmt.Errorf("%w: %s (rank %d of %d): %v", cerrors.ErrCollectiveFailed, o.kind, c.rank, c.size, err)
				c.logger.Warn("collective operation failed", zap.Error(err))
			}
			metrics.RecordCollective(o.kind.String(), err)
			o.work.finish(outputs, err)
		}
	}
}

// contribution returns what a rank sends for o. Broadcast only needs the
// root's tensor and a barrier carries nothing.
func (c *Context) contribution(o *op) []byte {
	switch o.kind {
	case opBarrier:
		return nil
	case opBroadcast:
		if int(o.arg) != c.rank {
			return nil
		}
	}
	return appendTensor(nil, o.input)
}

func (c *Context) runHub(o *op, seq uint64) ([]Tensor, error) {
	inputs := make([]Tensor, c.size)
	inputs[0] = o.input
	identities := make([][]byte, c.size)

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()

	for got := 1; got < c.size; {
		select {
		case msg := <-c.inbox:
			if len(msg.Frames) != 3 {
				continue
			}
			h, err := decodeHeader(msg.Frames[1])
			if err != nil || h.seq != seq || h.kind != o.kind || int(h.rank) >= c.size || h.rank == 0 {
				c.logger.Debug("dropping stale message", zap.Uint64("seq", h.seq), zap.Uint64("want", seq))
				continue
			}
			if identities[h.rank] != nil {
				continue
			}
			if len(msg.Frames[2]) > 0 {
				t, _, err := readTensor(msg.Frames[2])
				if err != nil {
					return nil, c.fail(identities, o, seq, fmt.Errorf("rank %d: %w", h.rank, err))
				}
				inputs[h.rank] = t
			}
			identities[h.rank] = msg.Frames[0]
			got++
		case <-deadline.C:
			var missing []int
			for r := 1; r < c.size; r++ {
				if identities[r] == nil {
					missing = append(missing, r)
				}
			}
			return nil, c.fail(identities, o, seq, fmt.Errorf("timeout after %s waiting for ranks %v", c.timeout, missing))
		case <-c.stop:
			return nil, cerrors.ErrClosed
		}
	}

	var reply []byte
	var outputs []Tensor
	switch o.kind {
	case opAllReduce:
		res, err := reduce(ReduceOp(o.arg), inputs)
		if err != nil {
			return nil, c.fail(identities, o, seq, err)
		}
		reply = encodeTensors([]Tensor{res})
		_ = o.input.copyFrom(res)
	case opBroadcast:
		src := inputs[o.arg]
		if !o.input.sameShape(src) {
			err := fmt.Errorf("broadcast shape mismatch: %v vs %v", o.input.Shape, src.Shape)
			return nil, c.fail(identities, o, seq, err)
		}
		reply = encodeTensors([]Tensor{src})
		_ = o.input.copyFrom(src)
	case opAllGather:
		outputs = make([]Tensor, c.size)
		for i, t := range inputs {
			outputs[i] = t.Clone()
		}
		reply = encodeTensors(outputs)
	}

	h := header{seq: seq, kind: o.kind, status: statusOK}
	for r := 1; r < c.size; r++ {
		if err := c.router.Send(zmq4.NewMsgFrom(identities[r], h.encode(), reply)); err != nil {
			return nil, fmt.Errorf("reply to rank %d: %w", r, err)
		}
	}
	return outputs, nil
}

// fail tells every rank heard from so far that the operation failed.
func (c *Context) fail(identities [][]byte, o *op, seq uint64, cause error) error {
	h := header{seq: seq, kind: o.kind, status: statusFailed}
	for _, id := range identities {
		if id != nil {
			_ = c.router.Send(zmq4.NewMsgFrom(id, h.encode(), []byte(cause.Error())))
		}
	}
	return cause
}

func (c *Context) runRank(o *op, seq uint64) ([]Tensor, error) {
	h := header{seq: seq, kind: o.kind, rank: uint16(c.rank), arg: o.arg}
	if err := c.dealer.Send(zmq4.NewMsgFrom(h.encode(), c.contribution(o))); err != nil {
		return nil, fmt.Errorf("send to hub: %w", err)
	}

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()

	for {
		select {
		case msg := <-c.inbox:
			if len(msg.Frames) != 2 {
				continue
			}
			rh, err := decodeHeader(msg.Frames[0])
			if err != nil || rh.seq != seq {
				continue
			}
			if rh.status != statusOK {
				return nil, fmt.Errorf("hub: %s", msg.Frames[1])
			}
			return c.apply(o, msg.Frames[1])
		case <-deadline.C:
			return nil, fmt.Errorf("timeout after %s waiting for hub", c.timeout)
		case <-c.stop:
			return nil, cerrors.ErrClosed
		}
	}
}

func (c *Context) apply(o *op, payload []byte) ([]Tensor, error) {
	if o.kind == opBarrier {
		return nil, nil
	}
	ts, err := decodeTensors(payload)
	if err != nil {
		return nil, err
	}
	if o.kind == opAllGather {
		return ts, nil
	}
	if len(ts) != 1 {
		return nil, fmt.Errorf("expected one tensor, got %d", len(ts))
	}
	return nil, o.input.copyFrom(ts[0])
}

func (c *Context) closeSockets() {
	if c.router != nil {
		_ = c.router.Close()
	}
	if c.dealer != nil {
		_ = c.dealer.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
}

// Close stops the context, fails pending operations with ErrClosed and
// releases the rendezvous keys this rank published.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	c.senders.Wait()
	c.closeSockets()
	c.wg.Wait()

	for {
		select {
		case o := <-c.ops:
			o.work.finish(nil, cerrors.ErrClosed)
		default:
			return nil
		}
	}
}
