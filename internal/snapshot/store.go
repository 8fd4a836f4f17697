// Package snapshot persists the structural copy of an index tree (shape and
// statistics, never leaf payloads) keyed by index identifier.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mohammed-shakir/facility-index/internal/cache/keys"
	"github.com/mohammed-shakir/facility-index/internal/cache/redisstore"
)

var ErrNoSnapshot = errors.New("no snapshot stored")

type Store interface {
	Load(ctx context.Context, id string) ([]byte, error)
	Save(ctx context.Context, id string, tree []byte) error
}

// redisStore keeps every snapshot as a field of the well-known hash.
type redisStore struct {
	cli *redisstore.Client
	key string
}

func NewRedisStore(cli *redisstore.Client) Store {
	return &redisStore{cli: cli, key: keys.SnapshotHash}
}

func (s *redisStore) Load(ctx context.Context, id string) ([]byte, error) {
	b, err := s.cli.HGet(ctx, s.key, id)
	if errors.Is(err, redisstore.ErrMiss) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, id)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot load %q: %w", id, err)
	}
	return b, nil
}

func (s *redisStore) Save(ctx context.Context, id string, tree []byte) error {
	if err := s.cli.HSet(ctx, s.key, id, tree); err != nil {
		return fmt.Errorf("snapshot save %q: %w", id, err)
	}
	return nil
}

type memoryStore struct {
	mu    sync.RWMutex
	trees map[string][]byte
}

func NewMemoryStore() Store {
	return &memoryStore{trees: map[string][]byte{}}
}

func (s *memoryStore) Load(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.trees[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, id)
	}
	return append([]byte(nil), b...), nil
}

func (s *memoryStore) Save(_ context.Context, id string, tree []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[id] = append([]byte(nil), tree...)
	return nil
}
