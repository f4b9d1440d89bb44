package worker

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Aggregation folds the values pushed for one metric between two sends.
type Aggregation int

const (
	AggMean Aggregation = iota
	AggSum
	AggMax
	AggMin
	AggLast
	// AggCumSum keeps summing across sends.
	AggCumSum
)

type aggregator struct {
	agg   Aggregation
	value float64
	count int
}

func (a *aggregator) add(v float64) {
	switch a.agg {
	case AggMax:
		if a.count == 0 {
			a.value = v
		}
		a.value = math.Max(a.value, v)
	case AggMin:
		if a.count == 0 {
			a.value = v
		}
		a.value = math.Min(a.value, v)
	case AggLast:
		a.value = v
	default:
		a.value += v
	}
	a.count++
}

func (a *aggregator) result() float64 {
	if a.agg == AggMean {
		return a.value / float64(a.count)
	}
	return a.value
}

// Reporter aggregates metrics locally and appends them to the worker's
// metrics list once per interval.
type Reporter struct {
	w        *Worker
	name     string
	interval time.Duration

	mu   sync.Mutex
	aggs map[string]*aggregator

	cancel context.CancelFunc
	done   chan struct{}
}

func NewReporter(w *Worker, name string, interval time.Duration) *Reporter {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		w:        w,
		name:     name,
		interval: interval,
		aggs:     make(map[string]*aggregator),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

// Push records one value. The aggregation of the first push of a metric
// name wins.
func (r *Reporter) Push(metric string, value float64, agg Aggregation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.aggs[metric]
	if !ok {
		a = &aggregator{agg: agg}
		r.aggs[metric] = a
	}
	a.add(value)
}

// Timer starts timing metric; the returned func records the elapsed
// milliseconds as a mean.
func (r *Reporter) Timer(metric string) func() {
	start := time.Now()
	return func() {
		r.Push(metric, float64(time.Since(start).Microseconds())/1000, AggMean)
	}
}

// Flush sends the aggregated values now.
func (r *Reporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	values := make(map[string]float64, len(r.aggs))
	for name, a := range r.aggs {
		if a.count == 0 {
			continue
		}
		values[name] = a.result()
		if a.agg == AggCumSum {
			continue
		}
		delete(r.aggs, name)
	}
	r.mu.Unlock()

	if len(values) == 0 {
		return nil
	}
	return r.w.AppendMetrics(ctx, r.name, values)
}

func (r *Reporter) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.w.logger.Warn("unable to send metrics", zap.String("name", r.name), zap.Error(err))
			}
		}
	}
}

// Close stops the periodic sends and flushes what is left.
func (r *Reporter) Close(ctx context.Context) error {
	r.cancel()
	<-r.done
	return r.Flush(ctx)
}
