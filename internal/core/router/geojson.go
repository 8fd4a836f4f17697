package router

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/facility-index/internal/facility"
	"github.com/mohammed-shakir/facility-index/internal/quadtree"
)

func facilityFeature(f facility.Facility) *geojson.Feature {
	feat := geojson.NewFeature(orb.Point{f.Lng(), f.Lat()})
	feat.ID = f.ID
	feat.Properties["uuid"] = f.ID
	feat.Properties["name"] = f.Name
	feat.Properties["sector"] = f.Properties.Sector
	return feat
}

func nearbyCollection(ns []facility.Nearby) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, n := range ns {
		feat := facilityFeature(n.Facility)
		feat.Properties["distance"] = n.Distance
		fc.Append(feat)
	}
	return fc
}

func facilityCollection(fs []facility.Facility) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range fs {
		fc.Append(facilityFeature(f))
	}
	return fc
}

func leafFeature(l *quadtree.Leaf) *geojson.Feature {
	c := l.Cell()
	b := orb.Bound{
		Min: orb.Point{c.Bounds.West(), c.Bounds.South()},
		Max: orb.Point{c.Bounds.East(), c.Bounds.North()},
	}
	s := l.Stats()
	feat := geojson.NewFeature(b.ToPolygon())
	feat.ID = l.Key()
	feat.Properties["key"] = l.Key()
	feat.Properties["center"] = []float64{c.Center.Lng, c.Center.Lat}
	feat.Properties["count"] = s.Count
	feat.Properties["uncompressedSize"] = s.UncompressedSize
	feat.Properties["compressedSize"] = s.CompressedSize
	return feat
}

func leafCollection(ls []*quadtree.Leaf) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, l := range ls {
		fc.Append(leafFeature(l))
	}
	return fc
}
