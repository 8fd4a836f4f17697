package router

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/facility-index/internal/geo"
)

const (
	defaultRadiusMeters = 1000
	maxRadiusMeters     = 500_000
	defaultK            = 10
	maxK                = 1000
)

type pointQuery struct {
	Lat, Lng float64
}

type nearestQuery struct {
	pointQuery
	Radius float64
	K      int
}

func parsePoint(r *http.Request) (pointQuery, error) {
	q := r.URL.Query()
	lat, err := parseFloat(q.Get("lat"))
	if err != nil {
		return pointQuery{}, fmt.Errorf("lat: %w", err)
	}
	lng, err := parseFloat(q.Get("lng"))
	if err != nil {
		return pointQuery{}, fmt.Errorf("lng: %w", err)
	}
	if lat < -90 || lat > 90 {
		return pointQuery{}, errors.New("lat must be in [-90,90]")
	}
	if lng < -180 || lng > 180 {
		return pointQuery{}, errors.New("lng must be in [-180,180]")
	}
	return pointQuery{Lat: lat, Lng: lng}, nil
}

func parseRadius(r *http.Request) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("radius"))
	if raw == "" {
		return defaultRadiusMeters, nil
	}
	v, err := parseFloat(raw)
	if err != nil {
		return 0, fmt.Errorf("radius: %w", err)
	}
	if v <= 0 || v > maxRadiusMeters {
		return 0, fmt.Errorf("radius must be in (0,%d] meters", maxRadiusMeters)
	}
	return v, nil
}

func parseNearest(r *http.Request) (nearestQuery, error) {
	p, err := parsePoint(r)
	if err != nil {
		return nearestQuery{}, err
	}
	radius, err := parseRadius(r)
	if err != nil {
		return nearestQuery{}, err
	}
	k := defaultK
	if raw := strings.TrimSpace(r.URL.Query().Get("k")); raw != "" {
		k, err = strconv.Atoi(raw)
		if err != nil {
			return nearestQuery{}, fmt.Errorf("k: %w", err)
		}
		if k < 1 || k > maxK {
			return nearestQuery{}, fmt.Errorf("k must be in [1,%d]", maxK)
		}
	}
	return nearestQuery{pointQuery: p, Radius: radius, K: k}, nil
}

// parseBBOX reads "west,south,east,north" with an optional trailing
// EPSG:4326.
func parseBBOX(bboxParam string) (geo.BoundingBox, error) {
	parts := strings.Split(bboxParam, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return geo.BoundingBox{}, errors.New("expected west,south,east,north[,EPSG:4326]")
	}
	if len(parts) == 5 {
		srid := strings.ToUpper(strings.TrimSpace(parts[4]))
		if srid != "EPSG:4326" {
			return geo.BoundingBox{}, fmt.Errorf("only EPSG:4326 is supported (got %q)", srid)
		}
	}
	var v [4]float64
	for i, name := range []string{"west", "south", "east", "north"} {
		f, err := parseFloat(parts[i])
		if err != nil {
			return geo.BoundingBox{}, fmt.Errorf("%s: %w", name, err)
		}
		v[i] = f
	}
	west, south, east, north := v[0], v[1], v[2], v[3]
	if !(west >= -180 && west <= 180 && east >= -180 && east <= 180) {
		return geo.BoundingBox{}, errors.New("longitude must be in [-180,180]")
	}
	if !(south >= -90 && south <= 90 && north >= -90 && north <= 90) {
		return geo.BoundingBox{}, errors.New("latitude must be in [-90,90]")
	}
	if east <= west || north <= south {
		return geo.BoundingBox{}, errors.New("coordinates must satisfy east>west and north>south")
	}
	return geo.NewBox(north, west, south, east), nil
}

func parseFloat(v string) (float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("missing value")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return f, nil
}
