// Package index is the offline facility index: a quadtree fetched from the
// catalog (or restored from a snapshot) whose leaves address compressed
// facility batches in a leaf store.
package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mohammed-shakir/facility-index/internal/catalog"
	"github.com/mohammed-shakir/facility-index/internal/core/observability"
	"github.com/mohammed-shakir/facility-index/internal/geo"
	"github.com/mohammed-shakir/facility-index/internal/leafstore"
	"github.com/mohammed-shakir/facility-index/internal/quadtree"
	"github.com/mohammed-shakir/facility-index/internal/snapshot"
)

var (
	// ErrNotReady means no tree has been built or restored yet.
	ErrNotReady = errors.New("index not ready")
	// ErrOutOfBounds means the point has no owning leaf.
	ErrOutOfBounds = quadtree.ErrOutOfBounds
	// ErrEmptyRegion means the point lies in the index but in no populated cell.
	ErrEmptyRegion = quadtree.ErrEmptyRegion
)

type Config struct {
	ID               string
	Bounds           geo.BoundingBox
	LeafReadWorkers  int
	LeafWriteWorkers int
}

func (c Config) withDefaults() Config {
	if c.LeafReadWorkers <= 0 {
		c.LeafReadWorkers = 8
	}
	if c.LeafWriteWorkers <= 0 {
		c.LeafWriteWorkers = 4
	}
	return c
}

type Deps struct {
	Leaves    leafstore.Store
	Snapshots snapshot.Store
	Catalog   catalog.Interface
	Logger    *slog.Logger
}

type Index struct {
	cfg       Config
	leaves    leafstore.Store
	snapshots snapshot.Store
	catalog   catalog.Interface
	logger    *slog.Logger

	mu    sync.RWMutex
	tree  *quadtree.Tree
	total int

	refreshMu sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	openErr   error
}

func newIndex(cfg Config, deps Deps) (*Index, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("index id is required")
	}
	if err := cfg.Bounds.Validate(); err != nil {
		return nil, fmt.Errorf("index bounds: %w", err)
	}
	if deps.Leaves == nil || deps.Snapshots == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("index needs a leaf store, a snapshot store and a catalog")
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		cfg:       cfg,
		leaves:    deps.Leaves,
		snapshots: deps.Snapshots,
		catalog:   deps.Catalog,
		logger:    logger.With("index", cfg.ID),
		ready:     make(chan struct{}),
	}, nil
}

// Open returns immediately; the first refresh runs in the background and
// Ready is closed once it settles, successfully or not.
func Open(ctx context.Context, cfg Config, deps Deps) (*Index, error) {
	ix, err := newIndex(cfg, deps)
	if err != nil {
		return nil, err
	}
	go func() {
		err := ix.Refresh(ctx)
		if err != nil {
			ix.logger.Error("initial refresh failed", "err", err)
		}
		ix.readyOnce.Do(func() {
			ix.openErr = err
			close(ix.ready)
		})
	}()
	return ix, nil
}

// Ready is closed once the first refresh has settled.
func (ix *Index) Ready() <-chan struct{} { return ix.ready }

// Wait blocks until the first refresh settles and returns its error.
func (ix *Index) Wait(ctx context.Context) error {
	select {
	case <-ix.ready:
		return ix.openErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ix *Index) ID() string { return ix.cfg.ID }

// Bounds are the configured bounds, known before the tree is.
func (ix *Index) Bounds() geo.BoundingBox { return ix.cfg.Bounds }

func (ix *Index) current() (*quadtree.Tree, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.tree == nil {
		return nil, ErrNotReady
	}
	return ix.tree, nil
}

func (ix *Index) swap(t *quadtree.Tree, total int) {
	ix.mu.Lock()
	ix.tree = t
	ix.total = total
	ix.mu.Unlock()
}

// Refresh rebuilds the tree from the catalog. When the catalog is
// unreachable an index without a tree falls back to the last snapshot; an
// index that already has one keeps it.
func (ix *Index) Refresh(ctx context.Context) error {
	ix.refreshMu.Lock()
	defer ix.refreshMu.Unlock()

	remoteErr := ix.refreshRemote(ctx)
	if remoteErr == nil {
		observability.ObserveRefresh("remote")
		return nil
	}
	ix.logger.Warn("catalog refresh failed", "err", remoteErr)

	if _, err := ix.current(); err == nil {
		observability.ObserveRefresh("kept")
		return fmt.Errorf("refresh: %w", remoteErr)
	}

	raw, err := ix.snapshots.Load(ctx, ix.cfg.ID)
	if err != nil {
		observability.ObserveRefresh("none")
		return fmt.Errorf("%w: catalog: %w; snapshot: %w", ErrNotReady, remoteErr, err)
	}
	tree, _, err := quadtree.Decode(raw)
	if err != nil {
		observability.ObserveRefresh("none")
		return fmt.Errorf("%w: catalog: %w; snapshot: %w", ErrNotReady, remoteErr, err)
	}
	ix.swap(tree, int(tree.Totals().Count))
	observability.ObserveRefresh("snapshot")
	ix.logger.Info("restored index from snapshot", "leaves", len(tree.Leaves()))
	return nil
}

func (ix *Index) refreshRemote(ctx context.Context) error {
	resp, err := ix.catalog.Fetch(ctx, ix.cfg.Bounds)
	if err != nil {
		return err
	}
	tree, inline, err := quadtree.FromWire(resp.Facilities)
	if err != nil {
		return err
	}
	stored := ix.storeInline(ctx, inline)
	ix.swap(tree, resp.Total)

	if err := ix.persist(ctx, tree); err != nil {
		ix.logger.Warn("snapshot save failed", "err", err)
	}
	ix.logger.Info("index refreshed from catalog",
		"total", resp.Total, "leaves", len(tree.Leaves()), "payloads", stored)
	return nil
}

// storeInline moves leaf payloads delivered with the tree into the leaf
// store. Failures are logged; the leaf then reads as missing.
func (ix *Index) storeInline(ctx context.Context, inline []quadtree.LeafData) int {
	if len(inline) == 0 {
		return 0
	}
	jobs := make(chan quadtree.LeafData)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stored int
	)
	workerN := min(ix.cfg.LeafWriteWorkers, len(inline))
	wg.Add(workerN)
	for range workerN {
		go func() {
			defer wg.Done()
			for ld := range jobs {
				_, err := ix.leaves.Upsert(ctx, ld.Leaf.Key(), func(leafstore.Document) (leafstore.Document, error) {
					return leafstore.Document{Facilities: ld.Data}, nil
				})
				observability.ObserveLeafWrite(err)
				if err != nil {
					ix.logger.Warn("leaf payload write failed", "key", ld.Leaf.Key(), "err", err)
					continue
				}
				mu.Lock()
				stored++
				mu.Unlock()
			}
		}()
	}
	for _, ld := range inline {
		jobs <- ld
	}
	close(jobs)
	wg.Wait()
	return stored
}

// Persist saves the current tree structure and stats.
func (ix *Index) Persist(ctx context.Context) error {
	t, err := ix.current()
	if err != nil {
		return err
	}
	return ix.persist(ctx, t)
}

func (ix *Index) persist(ctx context.Context, t *quadtree.Tree) error {
	raw, err := t.Encode()
	if err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	return ix.snapshots.Save(ctx, ix.cfg.ID, raw)
}

// Total is the facility count reported by the last catalog fetch, or the
// leaf sum when the tree came from a snapshot.
func (ix *Index) Total() (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.tree == nil {
		return 0, ErrNotReady
	}
	return ix.total, nil
}

type Stats struct {
	Leaves           int    `json:"leaves"`
	PopulatedLeaves  int    `json:"populated_leaves"`
	Count            uint64 `json:"count"`
	UncompressedSize uint64 `json:"uncompressed_size"`
	CompressedSize   uint64 `json:"compressed_size"`
}

func (ix *Index) Stats() (Stats, error) {
	t, err := ix.current()
	if err != nil {
		return Stats{}, err
	}
	leaves := t.Leaves()
	var s Stats
	s.Leaves = len(leaves)
	for _, l := range leaves {
		ls := l.Stats()
		if ls.Count > 0 {
			s.PopulatedLeaves++
		}
		s.Count += ls.Count
		s.UncompressedSize += ls.UncompressedSize
		s.CompressedSize += ls.CompressedSize
	}
	return s, nil
}

func (ix *Index) Leaves() ([]*quadtree.Leaf, error) {
	t, err := ix.current()
	if err != nil {
		return nil, err
	}
	return t.Leaves(), nil
}

func (ix *Index) TotalCount() (uint64, error) {
	s, err := ix.Stats()
	return s.Count, err
}

func (ix *Index) CompressedSize() (uint64, error) {
	s, err := ix.Stats()
	return s.CompressedSize, err
}

func (ix *Index) UncompressedSize() (uint64, error) {
	s, err := ix.Stats()
	return s.UncompressedSize, err
}

func (ix *Index) Print(w io.Writer) error {
	t, err := ix.current()
	if err != nil {
		return err
	}
	return t.Print(w)
}

// Readiness reports whether queries can be served.
func (ix *Index) Readiness() (bool, string) {
	if _, err := ix.current(); err != nil {
		return false, err.Error()
	}
	return true, ""
}
