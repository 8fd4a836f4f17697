package quadtree

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mohammed-shakir/facility-index/internal/geo"
)

var (
	// ErrOutOfBounds means the point lies outside the root cell.
	ErrOutOfBounds = errors.New("quadtree: point outside index bounds")
	// ErrEmptyRegion means no populated child covers the point.
	ErrEmptyRegion = errors.New("quadtree: no populated leaf covers point")
	// ErrUnknownLeaf means the leaf does not belong to this tree.
	ErrUnknownLeaf = errors.New("quadtree: leaf not in tree")
)

// Tree owns a root node. Queries are lock-free; stat updates are serialized.
type Tree struct {
	mu   sync.Mutex
	root Node
}

func NewTree(root Node) *Tree { return &Tree{root: root} }

func (t *Tree) Root() Node { return t.root }

func (t *Tree) Bounds() geo.BoundingBox { return t.root.Cell().Bounds }

// NearestLeaf returns the leaf whose cell contains the point.
func (t *Tree) NearestLeaf(lat, lng float64) (*Leaf, error) {
	if !t.root.Cell().Contains(lat, lng) {
		return nil, ErrOutOfBounds
	}
	n := t.root
	for {
		switch cur := n.(type) {
		case *Leaf:
			return cur, nil
		case *Interior:
			var next Node
			for _, q := range Quadrants {
				c := cur.populated(q)
				if c != nil && c.Cell().Contains(lat, lng) {
					next = c
					break
				}
			}
			if next == nil {
				return nil, ErrEmptyRegion
			}
			n = next
		default:
			return nil, ErrEmptyRegion
		}
	}
}

// NodesInBox returns every populated leaf whose cell overlaps box, in
// NW, NE, SW, SE depth-first order.
func (t *Tree) NodesInBox(box geo.BoundingBox) []*Leaf {
	if !t.root.Cell().Overlaps(box) {
		return []*Leaf{}
	}
	out := []*Leaf{}
	walk(t.root, func(n Node) bool {
		if n.Stats().Count == 0 || !n.Cell().Overlaps(box) {
			return false
		}
		if l, ok := n.(*Leaf); ok {
			out = append(out, l)
		}
		return true
	})
	return out
}

// NodesInRadius over-approximates the circle with a box; the result is a
// superset of the leaves intersecting the circle.
func (t *Tree) NodesInRadius(lat, lng, radiusMeters float64) []*Leaf {
	return t.NodesInBox(geo.RadiusBox(lat, lng, radiusMeters))
}

// Leaves returns every leaf, populated or not.
func (t *Tree) Leaves() []*Leaf {
	var out []*Leaf
	walk(t.root, func(n Node) bool {
		if l, ok := n.(*Leaf); ok {
			out = append(out, l)
		}
		return true
	})
	return out
}

// Totals sums stats over all leaves.
func (t *Tree) Totals() Stats {
	var s Stats
	for _, l := range t.Leaves() {
		s = s.Add(l.Stats())
	}
	return s
}

// SetLeafStats replaces the stats of l and re-materializes its ancestors.
func (t *Tree) SetLeafStats(l *Leaf, s Stats) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, ok := pathTo(t.root, l)
	if !ok {
		return ErrUnknownLeaf
	}
	l.setStats(s)
	for i := len(path) - 1; i >= 0; i-- {
		path[i].materialize()
	}
	return nil
}

// pathTo returns the interior nodes from the root down to l's parent.
func pathTo(root Node, l *Leaf) ([]*Interior, bool) {
	if root == Node(l) {
		return nil, true
	}
	in, ok := root.(*Interior)
	if !ok {
		return nil, false
	}
	for _, q := range Quadrants {
		c := in.Child(q)
		if c == nil || !c.Cell().Overlaps(l.Cell().Bounds) {
			continue
		}
		if rest, ok := pathTo(c, l); ok {
			return append([]*Interior{in}, rest...), true
		}
	}
	return nil, false
}

// walk visits nodes depth first; returning false skips the node's children.
func walk(n Node, visit func(Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	if in, ok := n.(*Interior); ok {
		for _, q := range Quadrants {
			walk(in.Child(q), visit)
		}
	}
}

// Print writes an indented dump of the populated quadrants.
func (t *Tree) Print(w io.Writer) error {
	return printNode(w, t.root, "ROOT", 0)
}

func printNode(w io.Writer, n Node, label string, depth int) error {
	c := n.Cell()
	s := n.Stats()
	kind := "node"
	if _, ok := n.(*Leaf); ok {
		kind = "leaf"
	}
	if _, err := fmt.Fprintf(w, "%s%s %s center=%.6f,%.6f count=%d compressed=%d\n",
		strings.Repeat("  ", depth), label, kind, c.Center.Lat, c.Center.Lng,
		s.Count, s.CompressedSize); err != nil {
		return err
	}
	in, ok := n.(*Interior)
	if !ok {
		return nil
	}
	for _, q := range Quadrants {
		if ch := in.populated(q); ch != nil {
			if err := printNode(w, ch, q.String(), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
