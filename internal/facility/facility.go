// Package facility defines facility records as the catalog stores them and
// the submission shape collected by surveys in the field.
package facility

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Properties struct {
	Sector string `json:"sector"`
}

// Facility is the canonical catalog record. Coordinates are [lng, lat].
type Facility struct {
	ID          string     `json:"uuid"`
	Name        string     `json:"name"`
	Coordinates [2]float64 `json:"coordinates"`
	Properties  Properties `json:"properties"`
}

func (f Facility) Lat() float64 { return f.Coordinates[1] }
func (f Facility) Lng() float64 { return f.Coordinates[0] }

// Facility makes Facility a Record so already-formatted values pass through.
func (f Facility) Facility() Facility { return f }

func (f Facility) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("facility id is required")
	}
	if f.Lat() < -90 || f.Lat() > 90 || f.Lng() < -180 || f.Lng() > 180 {
		return fmt.Errorf("facility %s: coordinates out of range", f.ID)
	}
	return nil
}

// Submission is the facility answer produced by the survey workflow.
type Submission struct {
	FacilityID     string  `json:"facility_id"`
	FacilityName   string  `json:"facility_name"`
	FacilitySector string  `json:"facility_sector"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
}

// Facility converts a submission into catalog format. Submissions without an
// id get a fresh random UUID.
func (s Submission) Facility() Facility {
	id := strings.TrimSpace(s.FacilityID)
	if id == "" {
		id = uuid.NewString()
	}
	return Facility{
		ID:          id,
		Name:        s.FacilityName,
		Coordinates: [2]float64{s.Lng, s.Lat},
		Properties:  Properties{Sector: s.FacilitySector},
	}
}

// Record is anything that can be turned into a catalog Facility.
type Record interface {
	Facility() Facility
}

// Nearby is a facility annotated with its distance to a query point.
type Nearby struct {
	Facility
	Distance float64 `json:"distance"`
}
