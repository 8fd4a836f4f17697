// Package quadtree models the spatial partition behind the facility index.
// A node is either an *Interior with up to four children or a *Leaf that
// addresses one compressed facility batch.
package quadtree

import (
	"encoding/json"
	"sync/atomic"

	"github.com/mohammed-shakir/facility-index/internal/cache/keys"
	"github.com/mohammed-shakir/facility-index/internal/geo"
)

type Quadrant int

const (
	NW Quadrant = iota
	NE
	SW
	SE
)

// Quadrants lists quadrants in traversal order.
var Quadrants = [4]Quadrant{NW, NE, SW, SE}

func (q Quadrant) String() string {
	switch q {
	case NW:
		return "NW"
	case NE:
		return "NE"
	case SW:
		return "SW"
	case SE:
		return "SE"
	default:
		return "?"
	}
}

// Cell is the spatial extent shared by interior nodes and leaves.
type Cell struct {
	Bounds geo.BoundingBox
	Center geo.Point
	// Separator is the split the catalog used to produce the children. It is
	// opaque to the index and kept only to round-trip snapshots.
	Separator json.RawMessage
}

func (c Cell) Contains(lat, lng float64) bool { return c.Bounds.Contains(lat, lng) }

func (c Cell) Overlaps(box geo.BoundingBox) bool { return c.Bounds.Overlaps(box) }

// DistanceMeters is the great-circle distance from the cell center.
func (c Cell) DistanceMeters(lat, lng float64) float64 {
	return geo.HaversineMeters(c.Center.Lat, c.Center.Lng, lat, lng)
}

// Stats describe the stored batch of a leaf, or the sum over the leaves below
// an interior node.
type Stats struct {
	Count            uint64 `json:"count"`
	UncompressedSize uint64 `json:"uncompressedSize"`
	CompressedSize   uint64 `json:"compressedSize"`
}

func (s Stats) Add(o Stats) Stats {
	return Stats{
		Count:            s.Count + o.Count,
		UncompressedSize: s.UncompressedSize + o.UncompressedSize,
		CompressedSize:   s.CompressedSize + o.CompressedSize,
	}
}

type Node interface {
	Cell() Cell
	Stats() Stats
	isNode()
}

type base struct {
	cell  Cell
	stats atomic.Pointer[Stats]
}

func (b *base) Cell() Cell { return b.cell }

func (b *base) Stats() Stats {
	if p := b.stats.Load(); p != nil {
		return *p
	}
	return Stats{}
}

func (b *base) setStats(s Stats) { b.stats.Store(&s) }

type Interior struct {
	base
	children [4]Node
}

func (*Interior) isNode() {}

// Child returns the child in quadrant q, or nil when the quadrant is absent.
func (n *Interior) Child(q Quadrant) Node { return n.children[q] }

// populated returns the child in q only when it holds facilities.
func (n *Interior) populated(q Quadrant) Node {
	c := n.children[q]
	if c == nil || c.Stats().Count == 0 {
		return nil
	}
	return c
}

func (n *Interior) materialize() {
	var s Stats
	for _, c := range n.children {
		if c != nil {
			s = s.Add(c.Stats())
		}
	}
	n.setStats(s)
}

type Leaf struct {
	base
	key string
}

func (*Leaf) isNode() {}

// Key addresses the leaf's batch in the leaf store.
func (l *Leaf) Key() string { return l.key }

// NewLeaf builds a leaf whose payload key is derived from its bounds.
func NewLeaf(cell Cell, stats Stats) *Leaf {
	l := &Leaf{base: base{cell: cell}, key: keys.LeafKey(cell.Bounds)}
	l.setStats(stats)
	return l
}

// NewInterior builds an interior node; its stats are the sum of its children.
func NewInterior(cell Cell, children map[Quadrant]Node) *Interior {
	n := &Interior{base: base{cell: cell}}
	for q, c := range children {
		if q >= NW && q <= SE {
			n.children[q] = c
		}
	}
	n.materialize()
	return n
}
