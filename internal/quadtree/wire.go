package quadtree

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mohammed-shakir/facility-index/internal/geo"
)

// ErrMalformed reports a wire node the tree cannot be built from.
var ErrMalformed = errors.New("quadtree: malformed node")

// Wire is the JSON form of a node as served by the catalog and as persisted
// in snapshots. Coordinates are [lng, lat].
type Wire struct {
	EN               [2]float64      `json:"en"`
	WS               [2]float64      `json:"ws"`
	Center           [2]float64      `json:"center"`
	Sep              json.RawMessage `json:"sep,omitempty"`
	IsRoot           bool            `json:"isRoot,omitempty"`
	IsLeaf           bool            `json:"isLeaf"`
	Count            uint64          `json:"count"`
	UncompressedSize uint64          `json:"uncompressedSize"`
	CompressedSize   uint64          `json:"compressedSize"`
	Children         *WireChildren   `json:"children,omitempty"`
	Data             []string        `json:"data,omitempty"`
}

type WireChildren struct {
	WN *Wire `json:"wn,omitempty"`
	EN *Wire `json:"en,omitempty"`
	WS *Wire `json:"ws,omitempty"`
	ES *Wire `json:"es,omitempty"`
}

func (c *WireChildren) get(q Quadrant) *Wire {
	switch q {
	case NW:
		return c.WN
	case NE:
		return c.EN
	case SW:
		return c.WS
	case SE:
		return c.ES
	}
	return nil
}

func (c *WireChildren) set(q Quadrant, w *Wire) {
	switch q {
	case NW:
		c.WN = w
	case NE:
		c.EN = w
	case SW:
		c.WS = w
	case SE:
		c.ES = w
	}
}

// LeafData is an inline payload found on a leaf while decoding.
type LeafData struct {
	Leaf *Leaf
	Data []string
}

// FromWire builds a tree from its wire form. Inline leaf payloads are returned
// so the caller can move them into the leaf store.
func FromWire(w *Wire) (*Tree, []LeafData, error) {
	if w == nil {
		return nil, nil, fmt.Errorf("%w: nil root", ErrMalformed)
	}
	var inline []LeafData
	root, err := fromWire(w, &inline, 0)
	if err != nil {
		return nil, nil, err
	}
	return NewTree(root), inline, nil
}

// maxDepth bounds recursion on hostile input; float64 boxes cannot
// meaningfully subdivide further.
const maxDepth = 64

func fromWire(w *Wire, inline *[]LeafData, depth int) (Node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: deeper than %d levels", ErrMalformed, maxDepth)
	}
	cell := Cell{
		Bounds:    geo.NewBox(w.EN[1], w.WS[0], w.WS[1], w.EN[0]),
		Center:    geo.Point{Lat: w.Center[1], Lng: w.Center[0]},
		Separator: w.Sep,
	}
	if err := cell.Bounds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.IsLeaf {
		l := NewLeaf(cell, Stats{
			Count:            w.Count,
			UncompressedSize: w.UncompressedSize,
			CompressedSize:   w.CompressedSize,
		})
		if len(w.Data) > 0 {
			*inline = append(*inline, LeafData{Leaf: l, Data: w.Data})
		}
		return l, nil
	}
	children := make(map[Quadrant]Node, 4)
	if w.Children != nil {
		for _, q := range Quadrants {
			cw := w.Children.get(q)
			if cw == nil {
				continue
			}
			c, err := fromWire(cw, inline, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", q, err)
			}
			children[q] = c
		}
	}
	return NewInterior(cell, children), nil
}

// ToWire renders n without leaf payloads, the form kept in snapshots.
func ToWire(n Node) *Wire {
	w := toWire(n)
	if w != nil {
		w.IsRoot = true
	}
	return w
}

func toWire(n Node) *Wire {
	if n == nil {
		return nil
	}
	c := n.Cell()
	s := n.Stats()
	w := &Wire{
		EN:               [2]float64{c.Bounds.East(), c.Bounds.North()},
		WS:               [2]float64{c.Bounds.West(), c.Bounds.South()},
		Center:           [2]float64{c.Center.Lng, c.Center.Lat},
		Sep:              c.Separator,
		Count:            s.Count,
		UncompressedSize: s.UncompressedSize,
		CompressedSize:   s.CompressedSize,
	}
	switch n := n.(type) {
	case *Leaf:
		w.IsLeaf = true
	case *Interior:
		var ch WireChildren
		hasChild := false
		for _, q := range Quadrants {
			if cn := n.Child(q); cn != nil {
				ch.set(q, toWire(cn))
				hasChild = true
			}
		}
		if hasChild {
			w.Children = &ch
		}
	}
	return w
}

// Decode parses a serialized tree.
func Decode(b []byte) (*Tree, []LeafData, error) {
	var w Wire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return FromWire(&w)
}

// Encode serializes the tree structure and stats without leaf payloads.
func (t *Tree) Encode() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Marshal(ToWire(t.root))
}
