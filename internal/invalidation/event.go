// Package invalidation describes catalog change events: a facility was
// inserted, updated or deleted somewhere inside a bounding box.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/facility-index/internal/geo"
)

type Event struct {
	Version    int       `json:"version"`
	Seq        uint64    `json:"seq,omitempty"`
	Op         string    `json:"op"`
	TS         time.Time `json:"ts"`
	Source     string    `json:"source,omitempty"`
	FacilityID string    `json:"facility_id,omitempty"`
	BBox       *BBox     `json:"bbox,omitempty"`
}

// BBox is x = longitude, y = latitude.
type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

func (b BBox) Bounds() geo.BoundingBox {
	return geo.NewBox(b.Y2, b.X1, b.Y1, b.X2)
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete":
	default:
		return fmt.Errorf("op must be insert|update|delete")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.BBox == nil {
		return fmt.Errorf("bbox is required")
	}
	bb := *e.BBox
	if s := strings.TrimSpace(bb.SRID); s != "" && s != "EPSG:4326" {
		return fmt.Errorf("bbox.srid must be EPSG:4326")
	}
	if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
		return fmt.Errorf("bbox longitude out of range")
	}
	if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
		return fmt.Errorf("bbox latitude out of range")
	}
	// a single facility yields a degenerate box
	if bb.X2 < bb.X1 || bb.Y2 < bb.Y1 {
		return fmt.Errorf("bbox must satisfy x2>=x1 and y2>=y1")
	}
	return nil
}
