package index

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/facility-index/internal/catalog"
	"github.com/mohammed-shakir/facility-index/internal/codec"
	"github.com/mohammed-shakir/facility-index/internal/facility"
	"github.com/mohammed-shakir/facility-index/internal/geo"
	"github.com/mohammed-shakir/facility-index/internal/leafstore"
	"github.com/mohammed-shakir/facility-index/internal/quadtree"
	"github.com/mohammed-shakir/facility-index/internal/snapshot"
)

var errOffline = errors.New("offline")

type fakeCatalog struct {
	mu        sync.Mutex
	resp      catalog.Response
	err       error
	fetches   int
	submitted []facility.Facility
}

func (f *fakeCatalog) Fetch(context.Context, geo.BoundingBox) (catalog.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return catalog.Response{}, f.err
	}
	return f.resp, nil
}

func (f *fakeCatalog) Submit(_ context.Context, fc facility.Facility) (catalog.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return catalog.RemoteRecord{}, f.err
	}
	f.submitted = append(f.submitted, fc)
	return catalog.RemoteRecord{Facility: fc}, nil
}

func (f *fakeCatalog) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// at returns a facility dNorth/dEast meters away from (lat, lng).
func at(id string, lat, lng, dNorth, dEast float64) facility.Facility {
	dLat := dNorth / geo.EarthRadiusMeters * 180 / math.Pi
	dLng := dEast / (geo.EarthRadiusMeters * math.Cos(lat*math.Pi/180)) * 180 / math.Pi
	return facility.Facility{ID: id, Name: id, Coordinates: [2]float64{lng + dLng, lat + dLat}}
}

func leaf(t *testing.T, n, w, s, e float64, batch []facility.Facility) *quadtree.Wire {
	t.Helper()
	lw := &quadtree.Wire{
		EN:     [2]float64{e, n},
		WS:     [2]float64{w, s},
		Center: [2]float64{(w + e) / 2, (n + s) / 2},
		IsLeaf: true,
	}
	if len(batch) == 0 {
		return lw
	}
	enc, err := codec.Encode(batch)
	require.NoError(t, err)
	lw.Count = uint64(len(batch))
	lw.UncompressedSize = enc.UncompressedSize
	lw.CompressedSize = enc.CompressedSize
	lw.Data = enc.Data
	return lw
}

func split(nw, ne, sw, se *quadtree.Wire) *quadtree.Wire {
	return &quadtree.Wire{
		EN:       [2]float64{10, 10},
		WS:       [2]float64{0, 0},
		Center:   [2]float64{5, 5},
		IsRoot:   true,
		Children: &quadtree.WireChildren{WN: nw, EN: ne, WS: sw, ES: se},
	}
}

type fixture struct {
	ix     *Index
	cat    *fakeCatalog
	leaves leafstore.Store
	snaps  snapshot.Store
}

func open(t *testing.T, root *quadtree.Wire, total int, fetchErr error) fixture {
	t.Helper()
	return openWith(t, &fakeCatalog{resp: catalog.Response{Total: total, Facilities: root}, err: fetchErr},
		leafstore.NewMemoryStore(), snapshot.NewMemoryStore())
}

func openWith(t *testing.T, cat *fakeCatalog, leaves leafstore.Store, snaps snapshot.Store) fixture {
	t.Helper()
	ctx := context.Background()
	ix, err := Open(ctx, Config{ID: "test", Bounds: geo.NewBox(10, 0, 0, 10), LeafReadWorkers: 2},
		Deps{Leaves: leaves, Snapshots: snaps, Catalog: cat})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = ix.Wait(wctx)
	select {
	case <-ix.Ready():
	default:
		t.Fatalf("index not settled")
	}
	return fixture{ix: ix, cat: cat, leaves: leaves, snaps: snaps}
}

func TestOpen_ValidatesConfig(t *testing.T) {
	deps := Deps{Leaves: leafstore.NewMemoryStore(), Snapshots: snapshot.NewMemoryStore(), Catalog: &fakeCatalog{}}
	_, err := Open(context.Background(), Config{Bounds: geo.NewBox(1, 0, 0, 1)}, deps)
	require.Error(t, err)
	_, err = Open(context.Background(), Config{ID: "x", Bounds: geo.NewBox(0, 0, 1, 1)}, deps)
	require.Error(t, err)
	_, err = Open(context.Background(), Config{ID: "x", Bounds: geo.NewBox(1, 0, 0, 1)}, Deps{})
	require.Error(t, err)
}

func TestOpen_FromCatalogStoresPayloadsAndSnapshot(t *testing.T) {
	nw := []facility.Facility{at("a", 7.5, 2.5, 0, 0), at("b", 7.5, 2.5, 100, 0)}
	fx := open(t, split(leaf(t, 10, 0, 5, 5, nw), leaf(t, 10, 5, 5, 10, nil), nil, nil), 2, nil)
	ctx := context.Background()

	require.NoError(t, fx.ix.Wait(ctx))
	total, err := fx.ix.Total()
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	l, err := fx.ix.NearestLeaf(7.5, 2.5)
	require.NoError(t, err)
	got, err := fx.ix.ReadPayload(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, nw, got)

	raw, err := fx.snaps.Load(ctx, "test")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"data"`)

	st, err := fx.ix.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Leaves)
	assert.Equal(t, 1, st.PopulatedLeaves)
	assert.Equal(t, uint64(2), st.Count)
}

func TestOpen_NotReadyWithoutSnapshot(t *testing.T) {
	fx := open(t, nil, 0, errOffline)
	ctx := context.Background()

	err := fx.ix.Wait(ctx)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, err, errOffline)

	_, err = fx.ix.NearestLeaf(5, 5)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = fx.ix.NodesInBox(geo.NewBox(10, 0, 0, 10))
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = fx.ix.NodesInRadius(5, 5, 100)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = fx.ix.KNearest(ctx, 5, 5, 100, 3)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = fx.ix.AddFacility(ctx, 5, 5, facility.Facility{ID: "x"})
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.ErrorIs(t, fx.ix.Persist(ctx), ErrNotReady)
	_, err = fx.ix.Total()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestOpen_FallsBackToSnapshot(t *testing.T) {
	nw := []facility.Facility{at("a", 7.5, 2.5, 0, 0)}
	first := open(t, split(leaf(t, 10, 0, 5, 5, nw), nil, nil, nil), 1, nil)
	require.NoError(t, first.ix.Wait(context.Background()))

	fx := openWith(t, &fakeCatalog{err: errOffline}, first.leaves, first.snaps)
	require.NoError(t, fx.ix.Wait(context.Background()))

	got, err := fx.ix.KNearest(context.Background(), 7.5, 2.5, 500, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestRefresh_KeepsTreeWhenCatalogFails(t *testing.T) {
	nw := []facility.Facility{at("a", 7.5, 2.5, 0, 0)}
	fx := open(t, split(leaf(t, 10, 0, 5, 5, nw), nil, nil, nil), 1, nil)
	require.NoError(t, fx.ix.Wait(context.Background()))

	fx.cat.fail(errOffline)
	err := fx.ix.Refresh(context.Background())
	assert.ErrorIs(t, err, errOffline)
	assert.NotErrorIs(t, err, ErrNotReady)

	_, err = fx.ix.NearestLeaf(7.5, 2.5)
	assert.NoError(t, err)
}

func TestKNearest_SingleLeafOrdersByDistance(t *testing.T) {
	batch := []facility.Facility{
		at("m100", 5, 5, 100, 0),
		at("m50", 5, 5, 50, 0),
		at("m200", 5, 5, 200, 0),
	}
	fx := open(t, leaf(t, 10, 0, 0, 10, batch), 3, nil)

	got, err := fx.ix.KNearest(context.Background(), 5, 5, 1000, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m50", got[0].ID)
	assert.Equal(t, "m100", got[1].ID)
	assert.InDelta(t, 50, got[0].Distance, 0.5)
	assert.InDelta(t, 100, got[1].Distance, 0.5)
}

func TestKNearest_InterleavesAdjacentLeaves(t *testing.T) {
	const lat, lng = 7.5, 5.0
	nw := []facility.Facility{at("w10", lat, lng, 10, 0), at("w300", lat, lng, 300, 0)}
	ne := []facility.Facility{at("e20", lat, lng, 0, 20), at("e40", lat, lng, 0, 40)}
	fx := open(t, split(leaf(t, 10, 0, 5, 5, nw), leaf(t, 10, 5, 5, 10, ne), nil, nil), 4, nil)

	cands, err := fx.ix.NodesInRadius(lat, lng, 1000)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	got, err := fx.ix.KNearest(context.Background(), lat, lng, 1000, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for i, n := range got {
		ids = append(ids, n.ID)
		if i > 0 {
			assert.LessOrEqual(t, got[i-1].Distance, n.Distance)
		}
	}
	assert.Equal(t, []string{"w10", "e20", "e40", "w300"}, ids)

	got, err = fx.ix.KNearest(context.Background(), lat, lng, 1000, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestKNearest_FailedLeafContributesNothing(t *testing.T) {
	const lat, lng = 7.5, 5.0
	nw := []facility.Facility{at("w10", lat, lng, 10, 0)}
	ne := []facility.Facility{at("e20", lat, lng, 0, 20)}
	fx := open(t, split(leaf(t, 10, 0, 5, 5, nw), leaf(t, 10, 5, 5, 10, ne), nil, nil), 2, nil)
	ctx := context.Background()

	bad, err := fx.ix.NearestLeaf(lat, lng+1)
	require.NoError(t, err)
	_, err = fx.leaves.Upsert(ctx, bad.Key(), func(leafstore.Document) (leafstore.Document, error) {
		return leafstore.Document{Facilities: []string{"%%% not base64"}}, nil
	})
	require.NoError(t, err)

	_, err = fx.ix.ReadPayload(ctx, bad)
	assert.ErrorIs(t, err, codec.ErrCodec)

	got, err := fx.ix.KNearest(ctx, lat, lng, 1000, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "w10", got[0].ID)
}

func TestKNearest_NonPositiveK(t *testing.T) {
	fx := open(t, leaf(t, 10, 0, 0, 10, []facility.Facility{at("a", 5, 5, 0, 0)}), 1, nil)
	got, err := fx.ix.KNearest(context.Background(), 5, 5, 100, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEmptyTree_QueriesReturnEmpty(t *testing.T) {
	fx := open(t, split(leaf(t, 10, 0, 5, 5, nil), leaf(t, 10, 5, 5, 10, nil), nil, nil), 0, nil)
	ctx := context.Background()

	got, err := fx.ix.KNearest(ctx, 5, 5, 100_000, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	leaves, err := fx.ix.NodesInBox(fx.ix.Bounds())
	require.NoError(t, err)
	assert.Empty(t, leaves)

	_, err = fx.ix.NearestLeaf(7, 7)
	assert.ErrorIs(t, err, ErrEmptyRegion)

	n, err := fx.ix.TotalCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAddFacility_RecomputesStats(t *testing.T) {
	nw := []facility.Facility{at("a", 7.5, 2.5, 0, 0), at("b", 7.5, 2.5, 100, 0)}
	fx := open(t, split(leaf(t, 10, 0, 5, 5, nw), nil, nil, nil), 2, nil)
	ctx := context.Background()

	l, err := fx.ix.NearestLeaf(7.5, 2.5)
	require.NoError(t, err)
	_, err = fx.ix.ReadPayload(ctx, l)
	require.NoError(t, err)

	sub := facility.Submission{FacilityID: "c", FacilityName: "New clinic", FacilitySector: "health", Lat: 7.6, Lng: 2.6}
	got, err := fx.ix.AddFacility(ctx, 7.6, 2.6, sub)
	require.NoError(t, err)
	assert.Same(t, l, got)

	batch, err := fx.ix.ReadPayload(ctx, l)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, sub.Facility(), batch[2])

	enc, err := codec.Encode(batch)
	require.NoError(t, err)
	assert.Equal(t, quadtree.Stats{Count: 3, UncompressedSize: enc.UncompressedSize, CompressedSize: enc.CompressedSize}, l.Stats())

	root, err := fx.ix.TotalCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), root)
	cs, err := fx.ix.CompressedSize()
	require.NoError(t, err)
	assert.Equal(t, enc.CompressedSize, cs)
	us, err := fx.ix.UncompressedSize()
	require.NoError(t, err)
	assert.Equal(t, enc.UncompressedSize, us)
}

func TestAddFacility_IntoLeafWithoutPayload(t *testing.T) {
	fx := open(t, leaf(t, 10, 0, 0, 10, nil), 0, nil)
	ctx := context.Background()

	f := at("first", 5, 5, 0, 0)
	l, err := fx.ix.AddFacility(ctx, 5, 5, f)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l.Stats().Count)

	got, err := fx.ix.KNearest(ctx, 5, 5, 10, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].ID)
}

// flakyLeaves fails the first failN upserts.
type flakyLeaves struct {
	leafstore.Store
	mu    sync.Mutex
	failN int
}

func (f *flakyLeaves) Upsert(ctx context.Context, key string, fn leafstore.Mutator) (leafstore.Document, error) {
	f.mu.Lock()
	fail := f.failN > 0
	if fail {
		f.failN--
	}
	f.mu.Unlock()
	if fail {
		return leafstore.Document{}, errors.New("store unavailable")
	}
	return f.Store.Upsert(ctx, key, fn)
}

func TestAddFacility_PopulatedLeafWithMissingPayload(t *testing.T) {
	batch := []facility.Facility{at("a", 5, 5, 0, 0), at("b", 5, 5, 50, 0)}
	cat := &fakeCatalog{resp: catalog.Response{Total: 2, Facilities: leaf(t, 10, 0, 0, 10, batch)}}
	leaves := &flakyLeaves{Store: leafstore.NewMemoryStore(), failN: 1}
	fx := openWith(t, cat, leaves, snapshot.NewMemoryStore())
	ctx := context.Background()

	l, err := fx.ix.NearestLeaf(5, 5)
	require.NoError(t, err)
	before := l.Stats()
	require.Equal(t, uint64(2), before.Count)
	_, err = fx.ix.ReadPayload(ctx, l)
	require.ErrorIs(t, err, leafstore.ErrNotFound)

	_, err = fx.ix.AddFacility(ctx, 5, 5, at("c", 5, 5, 10, 0))
	require.ErrorIs(t, err, leafstore.ErrNotFound)
	assert.Equal(t, before, l.Stats())

	_, err = fx.leaves.Get(ctx, l.Key())
	assert.ErrorIs(t, err, leafstore.ErrNotFound, "failed insert must not create a payload")
}

func TestReadPayload_SeesWritesFromAnotherIndex(t *testing.T) {
	root := leaf(t, 10, 0, 0, 10, []facility.Facility{at("a", 5, 5, 0, 0)})
	shared := leafstore.NewMemoryStore()
	a := openWith(t, &fakeCatalog{resp: catalog.Response{Total: 1, Facilities: root}}, shared, snapshot.NewMemoryStore())
	b := openWith(t, &fakeCatalog{resp: catalog.Response{Total: 1, Facilities: root}}, shared, snapshot.NewMemoryStore())
	ctx := context.Background()

	la, err := a.ix.NearestLeaf(5, 5)
	require.NoError(t, err)
	got, err := a.ix.ReadPayload(ctx, la)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = b.ix.AddFacility(ctx, 5, 5, at("b", 5, 5, 20, 0))
	require.NoError(t, err)

	got, err = a.ix.ReadPayload(ctx, la)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	near, err := a.ix.KNearest(ctx, 5, 5, 1000, 5)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "a", near[0].ID)
	assert.Equal(t, "b", near[1].ID)
}

func TestAddFacility_OutOfBounds(t *testing.T) {
	fx := open(t, split(leaf(t, 10, 0, 5, 5, nil), nil, nil, nil), 0, nil)
	_, err := fx.ix.AddFacility(context.Background(), 50, 50, facility.Facility{ID: "x"})
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = fx.ix.AddFacility(context.Background(), 7, 7, facility.Facility{ID: "x"})
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.ErrorIs(t, err, ErrEmptyRegion)
}

func TestPersist_SurvivesReload(t *testing.T) {
	fx := open(t, leaf(t, 10, 0, 0, 10, []facility.Facility{at("a", 5, 5, 0, 0)}), 1, nil)
	ctx := context.Background()

	_, err := fx.ix.AddFacility(ctx, 5, 5, at("b", 5, 5, 10, 0))
	require.NoError(t, err)
	require.NoError(t, fx.ix.Persist(ctx))

	re := openWith(t, &fakeCatalog{err: errOffline}, fx.leaves, fx.snaps)
	require.NoError(t, re.ix.Wait(ctx))
	n, err := re.ix.TotalCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestWritePayload_Idempotent(t *testing.T) {
	fx := open(t, leaf(t, 10, 0, 0, 10, nil), 0, nil)
	ctx := context.Background()
	l, err := fx.ix.NearestLeaf(5, 5)
	require.NoError(t, err)

	batch := []facility.Facility{at("a", 5, 5, 0, 0), at("b", 5, 5, 5, 0)}
	require.NoError(t, fx.ix.WritePayload(ctx, l, batch))
	first := l.Stats()
	require.NoError(t, fx.ix.WritePayload(ctx, l, batch))
	assert.Equal(t, first, l.Stats())

	got, err := fx.ix.ReadPayload(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, batch, got)
}

func TestReadPayload_ReturnsCopies(t *testing.T) {
	fx := open(t, leaf(t, 10, 0, 0, 10, []facility.Facility{at("a", 5, 5, 0, 0)}), 1, nil)
	ctx := context.Background()
	l, err := fx.ix.NearestLeaf(5, 5)
	require.NoError(t, err)

	got, err := fx.ix.ReadPayload(ctx, l)
	require.NoError(t, err)
	got[0].Name = "mutated"

	again, err := fx.ix.ReadPayload(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Name)
}

func TestSubmitFacility_FormatsRecord(t *testing.T) {
	fx := open(t, leaf(t, 10, 0, 0, 10, nil), 0, nil)
	sub := facility.Submission{FacilityName: "School", FacilitySector: "education", Lat: 1, Lng: 2}

	rec, err := fx.ix.SubmitFacility(context.Background(), sub)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, [2]float64{2, 1}, rec.Coordinates)
	require.Len(t, fx.cat.submitted, 1)
	assert.Equal(t, "education", fx.cat.submitted[0].Properties.Sector)

	// the local tree is not touched
	n, err := fx.ix.TotalCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPrint(t *testing.T) {
	fx := open(t, split(leaf(t, 10, 0, 5, 5, []facility.Facility{at("a", 7.5, 2.5, 0, 0)}), nil, nil, nil), 1, nil)
	var buf bytes.Buffer
	require.NoError(t, fx.ix.Print(&buf))
	assert.Contains(t, buf.String(), "NW leaf")
}

func TestMergeNearest_TiesFavorEarlierLeaf(t *testing.T) {
	n := func(id string, d float64) facility.Nearby {
		return facility.Nearby{Facility: facility.Facility{ID: id}, Distance: d}
	}
	lists := [][]facility.Nearby{
		{n("a1", 5), n("a2", 9)},
		nil,
		{n("c1", 5), n("c2", 6)},
	}
	got := mergeNearest(lists, 10)
	ids := make([]string, 0, len(got))
	for _, g := range got {
		ids = append(ids, g.ID)
	}
	assert.Equal(t, []string{"a1", "c1", "c2", "a2"}, ids)
	assert.Empty(t, mergeNearest(nil, 3))
}
