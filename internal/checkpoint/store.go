// Package checkpoint keeps published model blobs on disk so a restarted
// publisher can serve the last one again.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/10yihang/cpid/internal/engine"
	"github.com/10yihang/cpid/internal/engine/badger"
	cerrors "github.com/10yihang/cpid/pkg/errors"
)

const keyPrefix = "ckpt/"

// tagKey encodes tag so that byte order equals numeric order, negative tags
// included.
func tagKey(tag int64) string {
	return fmt.Sprintf("%s%016x", keyPrefix, uint64(tag)^(1<<63))
}

func keyTag(key string) (int64, error) {
	u, err := strconv.ParseUint(strings.TrimPrefix(key, keyPrefix), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed checkpoint key %q: %w", key, err)
	}
	return int64(u ^ (1 << 63)), nil
}

// Store persists (tag, blob) pairs.
type Store struct {
	engine engine.BlobEngine
}

// Open opens or creates a badger-backed store in dir.
func Open(dir string) (*Store, error) {
	db, err := badger.NewStore(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store %s: %w", dir, err)
	}
	return New(db), nil
}

// New wraps an existing blob engine.
func New(e engine.BlobEngine) *Store {
	return &Store{engine: e}
}

// Save writes blob under tag, replacing an older blob with the same tag.
func (s *Store) Save(ctx context.Context, tag int64, blob []byte) error {
	return s.engine.Put(ctx, tagKey(tag), blob, 0)
}

// Tags lists the stored tags in ascending order.
func (s *Store) Tags(ctx context.Context) ([]int64, error) {
	keys, err := s.engine.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	tags := make([]int64, 0, len(keys))
	for _, k := range keys {
		tag, err := keyTag(k)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// Load returns the blob saved under tag or cerrors.ErrKeyNotFound.
func (s *Store) Load(ctx context.Context, tag int64) ([]byte, error) {
	entry, err := s.engine.Get(ctx, tagKey(tag))
	if err != nil {
		if errors.Is(err, engine.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: checkpoint %d", cerrors.ErrKeyNotFound, tag)
		}
		return nil, err
	}
	return entry.Value, nil
}

// Latest returns the blob with the highest tag. ok is false on an empty
// store.
func (s *Store) Latest(ctx context.Context) (blob []byte, tag int64, ok bool, err error) {
	tags, err := s.Tags(ctx)
	if err != nil || len(tags) == 0 {
		return nil, 0, false, err
	}
	tag = tags[len(tags)-1]
	blob, err = s.Load(ctx, tag)
	if err != nil {
		return nil, 0, false, err
	}
	return blob, tag, true, nil
}

// Prune deletes all but the keep most recent checkpoints and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	tags, err := s.Tags(ctx)
	if err != nil || len(tags) <= keep {
		return 0, err
	}
	stale := tags[:len(tags)-keep]
	keys := make([]string, len(stale))
	for i, tag := range stale {
		keys[i] = tagKey(tag)
	}
	n, err := s.engine.Del(ctx, keys...)
	return int(n), err
}

func (s *Store) Close() error {
	return s.engine.Close()
}
