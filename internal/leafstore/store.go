// Package leafstore persists the compressed facility batch of every quadtree
// leaf, addressed by the leaf's payload key.
package leafstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mohammed-shakir/facility-index/internal/cache/redisstore"
)

var ErrNotFound = errors.New("leaf payload not found")

// Document is the stored form of a leaf batch. Facilities holds a single
// compressed text blob.
type Document struct {
	Facilities []string `json:"facilities"`
}

// Mutator receives the existing document (zero value when absent) and
// returns the document to persist.
type Mutator func(Document) (Document, error)

// Store must make Upsert atomic per key; the index does no locking of its own.
type Store interface {
	Get(ctx context.Context, key string) (Document, error)
	Upsert(ctx context.Context, key string, fn Mutator) (Document, error)
}

type redisStore struct {
	cli *redisstore.Client
}

func NewRedisStore(cli *redisstore.Client) Store {
	return &redisStore{cli: cli}
}

func (s *redisStore) Get(ctx context.Context, key string) (Document, error) {
	raw, err := s.cli.Get(ctx, key)
	if errors.Is(err, redisstore.ErrMiss) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Document{}, fmt.Errorf("leafstore get %q: %w", key, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("leafstore decode %q: %w", key, err)
	}
	return doc, nil
}

func (s *redisStore) Upsert(ctx context.Context, key string, fn Mutator) (Document, error) {
	var out Document
	_, err := s.cli.Update(ctx, key, func(cur []byte) ([]byte, error) {
		var doc Document
		if len(cur) > 0 {
			if err := json.Unmarshal(cur, &doc); err != nil {
				return nil, fmt.Errorf("decode existing: %w", err)
			}
		}
		next, err := fn(doc)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		out = next
		return b, nil
	})
	if err != nil {
		return Document{}, fmt.Errorf("leafstore upsert %q: %w", key, err)
	}
	return out, nil
}

type memoryStore struct {
	mu   sync.Mutex
	docs map[string]Document
}

// NewMemoryStore returns a process-local store; Upsert holds one lock for the
// whole read-modify-write.
func NewMemoryStore() Store {
	return &memoryStore{docs: map[string]Document{}}
}

func (s *memoryStore) Get(_ context.Context, key string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return cloneDoc(doc), nil
}

func (s *memoryStore) Upsert(ctx context.Context, key string, fn Mutator) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, fmt.Errorf("leafstore upsert %q: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(cloneDoc(s.docs[key]))
	if err != nil {
		return Document{}, fmt.Errorf("leafstore upsert %q: %w", key, err)
	}
	s.docs[key] = cloneDoc(next)
	return next, nil
}

func cloneDoc(d Document) Document {
	if d.Facilities == nil {
		return Document{}
	}
	return Document{Facilities: append([]string(nil), d.Facilities...)}
}
