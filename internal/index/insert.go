package index

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/facility-index/internal/catalog"
	"github.com/mohammed-shakir/facility-index/internal/codec"
	"github.com/mohammed-shakir/facility-index/internal/core/observability"
	"github.com/mohammed-shakir/facility-index/internal/facility"
	"github.com/mohammed-shakir/facility-index/internal/leafstore"
	mylog "github.com/mohammed-shakir/facility-index/internal/logger"
	"github.com/mohammed-shakir/facility-index/internal/quadtree"
)

// AddFacility appends rec to the batch of the leaf owning (lat, lng) and
// recomputes that leaf's stats from the new encoding. A populated leaf whose
// payload is missing fails with leafstore.ErrNotFound. The snapshot is left
// untouched; call Persist to make the change survive a reload.
func (ix *Index) AddFacility(ctx context.Context, lat, lng float64, rec facility.Record) (*quadtree.Leaf, error) {
	leaf, err := ix.NearestLeaf(lat, lng)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutOfBounds, err)
	}
	f := rec.Facility()

	var enc codec.Encoded
	var n int
	_, err = ix.leaves.Upsert(ctx, leaf.Key(), func(doc leafstore.Document) (leafstore.Document, error) {
		var batch []facility.Facility
		switch {
		case len(doc.Facilities) > 0:
			cur, err := codec.Decode(doc.Facilities)
			if err != nil {
				return leafstore.Document{}, err
			}
			batch = cur
		case leaf.Stats().Count > 0:
			return leafstore.Document{}, fmt.Errorf("%w: %s holds %d facilities", leafstore.ErrNotFound, leaf.Key(), leaf.Stats().Count)
		}
		batch = append(batch, f)
		e, err := codec.Encode(batch)
		if err != nil {
			return leafstore.Document{}, err
		}
		enc, n = e, len(batch)
		return leafstore.Document{Facilities: e.Data}, nil
	})
	observability.ObserveLeafWrite(err)
	if err != nil {
		return nil, fmt.Errorf("add facility %s to leaf %s: %w", f.ID, leaf.Key(), err)
	}

	if err := ix.setLeafStats(leaf, quadtree.Stats{
		Count:            uint64(n),
		UncompressedSize: enc.UncompressedSize,
		CompressedSize:   enc.CompressedSize,
	}); err != nil {
		return nil, err
	}
	ix.logger.DebugContext(mylog.WithFacilityID(ctx, f.ID), "facility added", "leaf", leaf.Key(), "count", n)
	return leaf, nil
}

// SubmitFacility sends rec to the catalog. It does not touch the local tree.
func (ix *Index) SubmitFacility(ctx context.Context, rec facility.Record) (catalog.RemoteRecord, error) {
	return ix.catalog.Submit(ctx, rec.Facility())
}
