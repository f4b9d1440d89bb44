package integration

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10yihang/cpid/internal/bufferedqueue"
	"github.com/10yihang/cpid/internal/checkpoint"
	"github.com/10yihang/cpid/internal/collective"
	"github.com/10yihang/cpid/internal/kvstore"
	"github.com/10yihang/cpid/internal/pubsub"
	"github.com/10yihang/cpid/internal/storetest"
	"github.com/10yihang/cpid/internal/worker"
)

type episode struct {
	Worker string
	Step   int
	Reward float64
}

func portOf(t *testing.T, endpoint string) int {
	t.Helper()
	_, port, err := net.SplitHostPort(strings.TrimPrefix(endpoint, "tcp://"))
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return n
}

type job struct {
	addr  string
	sched *kvstore.Scheduler
}

func startJob(t *testing.T) *job {
	t.Helper()
	cfg := kvstore.DefaultConfig()
	cfg.Addr = storetest.Start(t)
	cfg.Prefix = "rl"
	admin := kvstore.New(cfg, nil)
	t.Cleanup(func() { _ = admin.Close() })
	return &job{addr: cfg.Addr, sched: kvstore.NewScheduler(admin)}
}

func (j *job) startWorker(t *testing.T, id string, services map[string]int) *worker.Worker {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, j.sched.GrantBoot(ctx, id))

	cfg := worker.DefaultConfig()
	cfg.ID = id
	cfg.Host = "127.0.0.1"
	cfg.Services = services
	cfg.Store.Addr = j.addr
	cfg.Store.Prefix = "rl"
	cfg.HeartbeatInterval = time.Second
	cfg.PollInterval = 50 * time.Millisecond
	w, err := worker.New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestTrainingJob(t *testing.T) {
	j := startJob(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	codec, err := bufferedqueue.NewGobCodec[episode]()
	require.NoError(t, err)
	producer, err := bufferedqueue.NewProducer[episode](codec, &bufferedqueue.ProducerConfig{Endpoint: "tcp://127.0.0.1:0"}, nil)
	require.NoError(t, err)
	defer producer.Close()

	ckpts, err := checkpoint.Open(t.TempDir())
	require.NoError(t, err)
	defer ckpts.Close()
	pub, err := pubsub.NewPublisher(&pubsub.PublisherConfig{Endpoint: "tcp://127.0.0.1:0", Republish: 200 * time.Millisecond}, nil)
	require.NoError(t, err)
	models, err := checkpoint.NewPublisher(ctx, pub, ckpts, 2, nil)
	require.NoError(t, err)
	defer models.Close()

	learners := []*worker.Worker{
		j.startWorker(t, "train_0", map[string]int{
			"episodes": portOf(t, producer.Endpoint()),
			"model":    portOf(t, models.Endpoint()),
		}),
		j.startWorker(t, "train_1", nil),
	}
	actor := j.startWorker(t, "rollout_0", nil)

	// Learners agree on a gradient.
	grads := []collective.Tensor{collective.Full(1, 4), collective.Full(3, 4)}
	var wg sync.WaitGroup
	errs := make([]error, len(learners))
	for i, w := range learners {
		wg.Add(1)
		go func(i int, w *worker.Worker) {
			defer wg.Done()
			dctx, err := w.DContext(ctx, "train", 5*time.Second)
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = dctx.AllReduce(grads[i], collective.Sum).Wait(ctx)
		}(i, w)
	}
	wg.Wait()
	for i := range learners {
		require.NoError(t, errs[i])
		assert.Equal(t, float64(16), grads[i].Sum())
	}

	// The actor finds the learner's services through membership.
	endpoints, err := actor.ServiceEndpoints(ctx, "episodes")
	require.NoError(t, err)
	require.Equal(t, []string{producer.Endpoint()}, endpoints)

	received := make(chan int64, 8)
	modelEndpoints, err := actor.ServiceEndpoints(ctx, "model")
	require.NoError(t, err)
	sub, err := pubsub.NewSubscriber(func(tag int64, _ []byte) {
		select {
		case received <- tag:
		default:
		}
	}, modelEndpoints, nil)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, models.Publish(ctx, []byte("weights-v1"), 1))

	select {
	case tag := <-received:
		assert.Equal(t, int64(1), tag)
	case <-ctx.Done():
		t.Fatal("model was not received")
	}
	_, tag, ok, err := ckpts.Latest(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), tag)

	// Episodes flow back to the learner.
	consumer := bufferedqueue.NewConsumer[episode](endpoints, codec, nil, nil)
	defer consumer.Close()
	const n = 10
	for step := 0; step < n; step++ {
		require.NoError(t, consumer.Enqueue(ctx, episode{Worker: actor.Info().ID, Step: step, Reward: float64(step)}))
	}
	require.NoError(t, consumer.Flush(ctx))

	steps := map[int]bool{}
	for len(steps) < n {
		ep, err := producer.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "rollout_0", ep.Worker)
		steps[ep.Step] = true
	}

	// The scheduler ends the job.
	require.NoError(t, j.sched.SetDone(ctx))
	require.Eventually(t, func() bool {
		done, err := actor.IsDone(ctx)
		return err == nil && done
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDeadWorkerLeavesGroup(t *testing.T) {
	j := startJob(t)
	ctx := context.Background()

	a := j.startWorker(t, "train_0", nil)
	b := j.startWorker(t, "train_1", nil)

	ids, err := a.Peers(ctx, "train")
	require.NoError(t, err)
	require.Len(t, ids, 2)

	require.NoError(t, j.sched.MarkDead(ctx, "train_1"))
	require.Eventually(t, b.ConsideredDead, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		peers, err := a.Peers(ctx, "train")
		return err == nil && len(peers) == 1
	}, 5*time.Second, 20*time.Millisecond)

	solo, err := a.DContext(ctx, "train", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, solo.Size())
	assert.NoError(t, solo.Barrier().Wait(ctx))
}
