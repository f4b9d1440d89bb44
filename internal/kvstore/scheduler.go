package kvstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Scheduler performs the job-level writes that workers only ever read:
// boot grants, death marks, peer version bumps, the done flag, the job
// spec and remote commands.
type Scheduler struct {
	client *Client
}

func NewScheduler(client *Client) *Scheduler {
	return &Scheduler{client: client}
}

// GrantBoot allows id to send its first heartbeat.
func (s *Scheduler) GrantBoot(ctx context.Context, id string) error {
	return s.client.Do(ctx, func(rdb *redis.Client) error {
		return rdb.Set(ctx, s.client.keys.Boot(id), "1", 0).Err()
	})
}

// MarkDead makes id consider itself dead and drops its heartbeat.
func (s *Scheduler) MarkDead(ctx context.Context, id string) error {
	return s.client.Do(ctx, func(rdb *redis.Client) error {
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.client.keys.Dead(id), "1", 0)
			p.Del(ctx, s.client.keys.Heartbeat(id))
			p.Incr(ctx, s.client.keys.PeerVersion())
			return nil
		})
		return err
	})
}

// BumpPeerVersion tells membership views to rescan heartbeats.
func (s *Scheduler) BumpPeerVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.client.Do(ctx, func(rdb *redis.Client) error {
		var err error
		v, err = rdb.Incr(ctx, s.client.keys.PeerVersion()).Result()
		return err
	})
	return v, err
}

// SetDone marks the job finished.
func (s *Scheduler) SetDone(ctx context.Context) error {
	return s.client.Do(ctx, func(rdb *redis.Client) error {
		return rdb.Set(ctx, s.client.keys.Done(), "true", 0).Err()
	})
}

// SetJobSpec stores the expected role population.
func (s *Scheduler) SetJobSpec(ctx context.Context, specs []RoleSpec) error {
	data, err := json.Marshal(specs)
	if err != nil {
		return fmt.Errorf("encode job spec: %w", err)
	}
	return s.client.Do(ctx, func(rdb *redis.Client) error {
		return rdb.Set(ctx, s.client.keys.JobSpec(), data, 0).Err()
	})
}

// SendCommand queues a command object for the heartbeat loop of id.
// A later command replaces one that has not been picked up yet.
func (s *Scheduler) SendCommand(ctx context.Context, id string, cmd map[string]any) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command for %s: %w", id, err)
	}
	return s.client.Do(ctx, func(rdb *redis.Client) error {
		return rdb.Set(ctx, s.client.keys.Commands(id), data, 0).Err()
	})
}

// JobSpec reads the job specification. A missing spec is empty.
func (s *Scheduler) JobSpec(ctx context.Context) ([]RoleSpec, error) {
	return ReadJobSpec(ctx, s.client)
}

// ReadJobSpec fetches and decodes the job specification.
func ReadJobSpec(ctx context.Context, client *Client) ([]RoleSpec, error) {
	var data []byte
	err := client.Do(ctx, func(rdb *redis.Client) error {
		var err error
		data, err = rdb.Get(ctx, client.keys.JobSpec()).Bytes()
		return err
	})
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var specs []RoleSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("cannot parse jobspec %s: %w", client.keys.JobSpec(), err)
	}
	return specs, nil
}
