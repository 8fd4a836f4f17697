package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammed-shakir/facility-index/internal/codec"
	"github.com/mohammed-shakir/facility-index/internal/core/observability"
	"github.com/mohammed-shakir/facility-index/internal/facility"
	"github.com/mohammed-shakir/facility-index/internal/leafstore"
	"github.com/mohammed-shakir/facility-index/internal/quadtree"
)

// ReadPayload decodes the batch currently stored for leaf. Nothing is kept
// between calls, so the last write to the store is what the next read sees.
func (ix *Index) ReadPayload(ctx context.Context, leaf *quadtree.Leaf) ([]facility.Facility, error) {
	key := leaf.Key()
	doc, err := ix.leaves.Get(ctx, key)
	if err != nil {
		if errors.Is(err, leafstore.ErrNotFound) {
			observability.ObserveLeafRead("not_found")
		} else {
			observability.ObserveLeafRead("error")
		}
		return nil, fmt.Errorf("read leaf %s: %w", key, err)
	}
	batch, err := codec.Decode(doc.Facilities)
	if err != nil {
		observability.ObserveLeafRead("codec_error")
		return nil, fmt.Errorf("read leaf %s: %w", key, err)
	}
	observability.ObserveLeafRead("ok")
	return batch, nil
}

// WritePayload replaces the batch stored for leaf and sets the leaf's stats
// from the new encoding. Writing the same batch twice is a no-op in effect.
func (ix *Index) WritePayload(ctx context.Context, leaf *quadtree.Leaf, batch []facility.Facility) error {
	enc, err := codec.Encode(batch)
	if err != nil {
		return err
	}
	_, err = ix.leaves.Upsert(ctx, leaf.Key(), func(leafstore.Document) (leafstore.Document, error) {
		return leafstore.Document{Facilities: enc.Data}, nil
	})
	observability.ObserveLeafWrite(err)
	if err != nil {
		return fmt.Errorf("write leaf %s: %w", leaf.Key(), err)
	}
	return ix.setLeafStats(leaf, quadtree.Stats{
		Count:            uint64(len(batch)),
		UncompressedSize: enc.UncompressedSize,
		CompressedSize:   enc.CompressedSize,
	})
}

func (ix *Index) setLeafStats(leaf *quadtree.Leaf, s quadtree.Stats) error {
	t, err := ix.current()
	if err != nil {
		return err
	}
	if err := t.SetLeafStats(leaf, s); err != nil && !errors.Is(err, quadtree.ErrUnknownLeaf) {
		return err
	}
	return nil
}
