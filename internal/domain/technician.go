package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Availability enumerates a technician's live dispatch state.
type Availability string

const (
	AvailabilityAvailable Availability = "AVAILABLE"
	AvailabilityBusy      Availability = "BUSY"
	AvailabilityOffline   Availability = "OFFLINE"
)

// Valid reports whether a is a known availability value.
func (a Availability) Valid() bool {
	switch a {
	case AvailabilityAvailable, AvailabilityBusy, AvailabilityOffline:
		return true
	}
	return false
}

// CapabilityTag labels a technician skill area or a request's issue category.
type CapabilityTag string

const (
	TagBattery  CapabilityTag = "battery"
	TagPanel    CapabilityTag = "panel"
	TagInverter CapabilityTag = "inverter"
	TagWiring   CapabilityTag = "wiring"
	TagGeneral  CapabilityTag = "general"
)

// DefaultCapabilityTags is the tag set used when none is configured.
var DefaultCapabilityTags = []CapabilityTag{TagBattery, TagPanel, TagInverter, TagWiring, TagGeneral}

// NormalizeTag lower-cases and trims a raw tag.
func NormalizeTag(raw string) CapabilityTag {
	return CapabilityTag(strings.ToLower(strings.TrimSpace(raw)))
}

const (
	MinRating = 0.0
	MaxRating = 5.0
)

// Technician models a field technician known to the dispatch registry.
type Technician struct {
	ID                    string
	Name                  string
	Phone                 string
	Location              string
	Languages             []string
	Specializations       []CapabilityTag
	Rating                float64
	Availability          Availability
	ActiveAssignmentCount int
	CompletedJobs         int
	UpdatedAt             time.Time
}

// HasSpecialization reports whether the technician covers tag.
func (t *Technician) HasSpecialization(tag CapabilityTag) bool {
	for _, s := range t.Specializations {
		if s == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to callers.
func (t Technician) Clone() Technician {
	out := t
	out.Languages = append([]string(nil), t.Languages...)
	out.Specializations = append([]CapabilityTag(nil), t.Specializations...)
	return out
}

// Validate checks the invariants a technician record must satisfy at any boundary.
func (t *Technician) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("technician id required")
	}
	if len(t.Specializations) == 0 {
		return fmt.Errorf("technician %s has no specializations", t.ID)
	}
	if t.Rating < MinRating || t.Rating > MaxRating {
		return fmt.Errorf("technician %s rating %.2f outside [%.0f,%.0f]", t.ID, t.Rating, MinRating, MaxRating)
	}
	if !t.Availability.Valid() {
		return fmt.Errorf("technician %s has unknown availability %q", t.ID, t.Availability)
	}
	if t.ActiveAssignmentCount < 0 {
		return fmt.Errorf("technician %s has negative assignment count", t.ID)
	}
	return nil
}

// NormalizeSpecializations lower-cases, de-duplicates and sorts tags.
func NormalizeSpecializations(raw []string) []CapabilityTag {
	seen := make(map[CapabilityTag]struct{}, len(raw))
	out := make([]CapabilityTag, 0, len(raw))
	for _, r := range raw {
		tag := NormalizeTag(r)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TechnicianLoad summarises the live assignment load of one technician.
type TechnicianLoad struct {
	TechnicianID          string
	Availability          Availability
	ActiveAssignmentCount int
}
