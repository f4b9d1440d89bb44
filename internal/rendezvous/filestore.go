package rendezvous

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/10yihang/cpid/pkg/errors"
)

// FileStore keeps one file per key in a directory shared by every
// participant, such as a network file system.
type FileStore struct {
	dir string

	mu      sync.Mutex
	timeout time.Duration
	setKeys []string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rendezvous dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, timeout: DefaultTimeout}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key))
}

// Set writes the value to a temporary file and links it into place, so
// readers never observe a partial value and only one writer wins.
func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	target := s.path(key)
	tmp := filepath.Join(s.dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, target); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", cerrors.ErrKeyExists, target)
		}
		return err
	}

	s.mu.Lock()
	s.setKeys = append(s.setKeys, target)
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.Wait(ctx, []string{key}); err != nil {
		return nil, err
	}
	return os.ReadFile(s.path(key))
}

func (s *FileStore) Check(_ context.Context, keys []string) (bool, error) {
	for _, k := range keys {
		if _, err := os.Stat(s.path(k)); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

func (s *FileStore) Wait(ctx context.Context, keys []string) error {
	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()
	return wait(ctx, s, keys, timeout)
}

func (s *FileStore) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.setKeys {
		_ = os.Remove(p)
	}
	s.setKeys = nil
	return nil
}
