package checkpoint

import (
	"context"

	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/metrics"
	"github.com/10yihang/cpid/internal/pubsub"
)

// Publisher checkpoints every blob it publishes.
type Publisher struct {
	pub    *pubsub.Publisher
	store  *Store
	keep   int
	logger *zap.Logger
}

// NewPublisher wraps pub and republishes the latest checkpoint in store, if
// any. keep bounds the checkpoints retained on disk; zero keeps all of them.
func NewPublisher(ctx context.Context, pub *pubsub.Publisher, store *Store, keep int, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		pub:    pub,
		store:  store,
		keep:   keep,
		logger: logger.Named("checkpoint").With(zap.String("endpoint", pub.Endpoint())),
	}

	blob, tag, ok, err := store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		p.logger.Info("restoring checkpoint", zap.Int64("tag", tag), zap.Int("size", len(blob)))
		pub.Publish(blob, tag)
	}
	return p, nil
}

// Publish sends data to subscribers, then writes it to disk. The blob is
// published even when the checkpoint fails.
func (p *Publisher) Publish(ctx context.Context, data []byte, tag int64) error {
	p.pub.Publish(data, tag)
	if err := p.store.Save(ctx, tag, data); err != nil {
		p.logger.Warn("unable to checkpoint", zap.Int64("tag", tag), zap.Error(err))
		return err
	}
	metrics.RecordBlob("checkpointed")
	if p.keep <= 0 {
		return nil
	}
	n, err := p.store.Prune(ctx, p.keep)
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Debug("pruned checkpoints", zap.Int("count", n))
	}
	return nil
}

func (p *Publisher) Endpoint() string { return p.pub.Endpoint() }

// Close closes the underlying publisher. The store is left open.
func (p *Publisher) Close() error {
	return p.pub.Close()
}
