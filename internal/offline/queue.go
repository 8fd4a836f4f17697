// Package offline buffers facilities collected in the field until they can be
// pushed to the remote catalog.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mohammed-shakir/facility-index/internal/cache/keys"
	"github.com/mohammed-shakir/facility-index/internal/cache/redisstore"
	"github.com/mohammed-shakir/facility-index/internal/facility"
)

// Queue is FIFO. Drain removes what it returns; callers re-enqueue records
// they failed to deliver.
type Queue interface {
	Enqueue(ctx context.Context, fs ...facility.Facility) error
	Drain(ctx context.Context, max int) ([]facility.Facility, error)
	Len(ctx context.Context) (int, error)
}

type memoryQueue struct {
	mu    sync.Mutex
	items []facility.Facility
}

func NewMemoryQueue() Queue {
	return &memoryQueue{}
}

func (q *memoryQueue) Enqueue(_ context.Context, fs ...facility.Facility) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, fs...)
	return nil
}

func (q *memoryQueue) Drain(_ context.Context, max int) ([]facility.Facility, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || max > len(q.items) {
		max = len(q.items)
	}
	out := append([]facility.Facility(nil), q.items[:max]...)
	q.items = q.items[max:]
	return out, nil
}

func (q *memoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

type redisQueue struct {
	cli *redisstore.Client
	key string
}

// NewRedisQueue stores the queue of one index as a Redis list.
func NewRedisQueue(cli *redisstore.Client, indexID string) Queue {
	return &redisQueue{cli: cli, key: keys.QueueKey(indexID)}
}

func (q *redisQueue) Enqueue(ctx context.Context, fs ...facility.Facility) error {
	vals := make([][]byte, 0, len(fs))
	for _, f := range fs {
		b, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("offline encode %s: %w", f.ID, err)
		}
		vals = append(vals, b)
	}
	if err := q.cli.RPush(ctx, q.key, vals...); err != nil {
		return fmt.Errorf("offline enqueue: %w", err)
	}
	return nil
}

func (q *redisQueue) Drain(ctx context.Context, max int) ([]facility.Facility, error) {
	if max <= 0 {
		n, err := q.cli.LLen(ctx, q.key)
		if err != nil {
			return nil, fmt.Errorf("offline drain: %w", err)
		}
		max = int(n)
	}
	raw, err := q.cli.LPop(ctx, q.key, max)
	if err != nil {
		return nil, fmt.Errorf("offline drain: %w", err)
	}
	out := make([]facility.Facility, 0, len(raw))
	for _, b := range raw {
		var f facility.Facility
		if err := json.Unmarshal(b, &f); err != nil {
			// undecodable entries are dropped; they can never be submitted
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (q *redisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.cli.LLen(ctx, q.key)
	if err != nil {
		return 0, fmt.Errorf("offline len: %w", err)
	}
	return int(n), nil
}
