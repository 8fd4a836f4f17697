package index

import (
	"cmp"
	"container/heap"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mohammed-shakir/facility-index/internal/core/observability"
	"github.com/mohammed-shakir/facility-index/internal/facility"
	"github.com/mohammed-shakir/facility-index/internal/geo"
	"github.com/mohammed-shakir/facility-index/internal/quadtree"
)

// NearestLeaf returns the leaf owning the point: ErrOutOfBounds outside the
// root, ErrEmptyRegion when the covering cell holds nothing.
func (ix *Index) NearestLeaf(lat, lng float64) (*quadtree.Leaf, error) {
	t, err := ix.current()
	if err != nil {
		return nil, err
	}
	return t.NearestLeaf(lat, lng)
}

func (ix *Index) NodesInBox(box geo.BoundingBox) ([]*quadtree.Leaf, error) {
	t, err := ix.current()
	if err != nil {
		return nil, err
	}
	return t.NodesInBox(box), nil
}

// NodesInRadius returns a superset of the populated leaves within
// radiusMeters of the point.
func (ix *Index) NodesInRadius(lat, lng, radiusMeters float64) ([]*quadtree.Leaf, error) {
	t, err := ix.current()
	if err != nil {
		return nil, err
	}
	return t.NodesInRadius(lat, lng, radiusMeters), nil
}

// KNearest returns at most k facilities from the leaves near the point,
// nearest first. Facilities are not filtered to the exact radius. A leaf
// whose payload cannot be read contributes nothing.
func (ix *Index) KNearest(ctx context.Context, lat, lng, radiusMeters float64, k int) ([]facility.Nearby, error) {
	t, err := ix.current()
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return []facility.Nearby{}, nil
	}
	start := time.Now()
	leaves := t.NodesInRadius(lat, lng, radiusMeters)
	slots := ix.readSorted(ctx, leaves, lat, lng)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := mergeNearest(slots, k)
	observability.ObserveKNearest(time.Since(start).Seconds(), len(leaves))
	return out, nil
}

// readSorted reads every leaf into its own slot, each sorted by distance.
// It returns only after every dispatched read has finished.
func (ix *Index) readSorted(ctx context.Context, leaves []*quadtree.Leaf, lat, lng float64) [][]facility.Nearby {
	slots := make([][]facility.Nearby, len(leaves))
	if len(leaves) == 0 {
		return slots
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	workerN := min(ix.cfg.LeafReadWorkers, len(leaves))
	wg.Add(workerN)
	for range workerN {
		go func() {
			defer wg.Done()
			for i := range jobs {
				batch, err := ix.ReadPayload(ctx, leaves[i])
				if err != nil {
					ix.logger.Warn("knearest: skipping leaf", "key", leaves[i].Key(), "err", err)
					continue
				}
				slots[i] = sortByDistance(batch, lat, lng)
			}
		}()
	}
	for i := range leaves {
		select {
		case jobs <- i:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
	return slots
}

func sortByDistance(batch []facility.Facility, lat, lng float64) []facility.Nearby {
	out := make([]facility.Nearby, len(batch))
	for i, f := range batch {
		out[i] = facility.Nearby{
			Facility: f,
			Distance: geo.HaversineMeters(lat, lng, f.Lat(), f.Lng()),
		}
	}
	slices.SortStableFunc(out, func(a, b facility.Nearby) int {
		return cmp.Compare(a.Distance, b.Distance)
	})
	return out
}

// cursor is the unconsumed front of one leaf's sorted batch.
type cursor struct {
	leaf int
	pos  int
	list []facility.Nearby
}

func (c *cursor) front() facility.Nearby { return c.list[c.pos] }

type frontHeap []*cursor

func (h frontHeap) Len() int { return len(h) }
func (h frontHeap) Less(i, j int) bool {
	di, dj := h[i].front().Distance, h[j].front().Distance
	if di != dj {
		return di < dj
	}
	return h[i].leaf < h[j].leaf
}
func (h frontHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *frontHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *frontHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// mergeNearest repeatedly takes the nearest front among the non-exhausted
// lists until k results are collected.
func mergeNearest(lists [][]facility.Nearby, k int) []facility.Nearby {
	h := make(frontHeap, 0, len(lists))
	available := 0
	for i, l := range lists {
		available += len(l)
		if len(l) > 0 {
			h = append(h, &cursor{leaf: i, list: l})
		}
	}
	heap.Init(&h)

	out := make([]facility.Nearby, 0, min(k, available))
	for len(out) < k && h.Len() > 0 {
		c := h[0]
		out = append(out, c.front())
		c.pos++
		if c.pos == len(c.list) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return out
}
