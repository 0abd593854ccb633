package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/solsync-africa/dispatch/internal/domain"
)

// TechnicianSeed is one entry of the technician seed file.
type TechnicianSeed struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Phone           string   `yaml:"phone"`
	Location        string   `yaml:"location"`
	Languages       []string `yaml:"languages"`
	Specializations []string `yaml:"specializations"`
	Rating          float64  `yaml:"rating"`
	Availability    string   `yaml:"availability"`
}

type seedFile struct {
	Technicians []TechnicianSeed `yaml:"technicians"`
}

// LoadTechnicianSeed reads technicians from a YAML seed file.
func LoadTechnicianSeed(path string) ([]domain.Technician, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return ParseTechnicianSeed(f)
}

// ParseTechnicianSeed decodes and validates a seed document. Unknown fields
// are rejected so typos do not silently drop data.
func ParseTechnicianSeed(r io.Reader) ([]domain.Technician, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var doc seedFile
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}

	techs := make([]domain.Technician, 0, len(doc.Technicians))
	seen := make(map[string]struct{}, len(doc.Technicians))
	for i, s := range doc.Technicians {
		availability := domain.Availability(s.Availability)
		if availability == "" {
			availability = domain.AvailabilityAvailable
		}
		t := domain.Technician{
			ID:              s.ID,
			Name:            s.Name,
			Phone:           s.Phone,
			Location:        s.Location,
			Languages:       s.Languages,
			Specializations: domain.NormalizeSpecializations(s.Specializations),
			Rating:          s.Rating,
			Availability:    availability,
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("seed entry %d: %w", i, err)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("seed entry %d: duplicate technician %s", i, t.ID)
		}
		seen[t.ID] = struct{}{}
		techs = append(techs, t)
	}
	return techs, nil
}
