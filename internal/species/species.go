// Package species holds physiological profiles used to bound vitals
// extraction and to judge readings as normal.
package species

import (
	"fmt"
	"os"
	"sort"

	"github.com/septivank/vetsync-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

// Profile is the physiological profile of one species.
type Profile struct {
	Species domain.Species `yaml:"species"`

	// Normal is the clinical reference range for an awake, healthy animal.
	Normal domain.VitalRanges `yaml:"normal"`

	// Detection bounds the rates the extractor accepts as physiologically
	// plausible; anything outside is treated as noise.
	Detection DetectionBounds `yaml:"detection"`

	// Animals lighter than SmallWeightKg use the Small* overrides.
	SmallWeightKg       float64 `yaml:"small_weight_kg"`
	SmallNormalHRMax    float64 `yaml:"small_normal_hr_max"`
	SmallDetectionHRMax float64 `yaml:"small_detection_hr_max"`
}

// DetectionBounds limits the rates the extractor will report.
type DetectionBounds struct {
	HeartRate       domain.Range `yaml:"heart_rate"`
	RespirationRate domain.Range `yaml:"respiration_rate"`
}

// Catalog maps species to profiles.
type Catalog struct {
	profiles map[domain.Species]Profile
}

var builtin = []Profile{
	{
		Species: domain.SpeciesDog,
		Normal: domain.VitalRanges{
			HeartRate:       domain.Range{Min: 60, Max: 140},
			RespirationRate: domain.Range{Min: 10, Max: 30},
			Temperature:     domain.Range{Min: 37.5, Max: 39.2},
		},
		Detection: DetectionBounds{
			HeartRate:       domain.Range{Min: 40, Max: 220},
			RespirationRate: domain.Range{Min: 6, Max: 60},
		},
		SmallWeightKg:       10,
		SmallNormalHRMax:    160,
		SmallDetectionHRMax: 240,
	},
	{
		Species: domain.SpeciesCat,
		Normal: domain.VitalRanges{
			HeartRate:       domain.Range{Min: 140, Max: 220},
			RespirationRate: domain.Range{Min: 20, Max: 30},
			Temperature:     domain.Range{Min: 38.1, Max: 39.2},
		},
		Detection: DetectionBounds{
			HeartRate:       domain.Range{Min: 80, Max: 280},
			RespirationRate: domain.Range{Min: 8, Max: 80},
		},
	},
	{
		Species: domain.SpeciesRabbit,
		Normal: domain.VitalRanges{
			HeartRate:       domain.Range{Min: 130, Max: 325},
			RespirationRate: domain.Range{Min: 30, Max: 60},
			Temperature:     domain.Range{Min: 38.5, Max: 40},
		},
		Detection: DetectionBounds{
			HeartRate:       domain.Range{Min: 100, Max: 350},
			RespirationRate: domain.Range{Min: 20, Max: 100},
		},
	},
	{
		Species: domain.SpeciesOther,
		Normal: domain.VitalRanges{
			HeartRate:       domain.Range{Min: 50, Max: 250},
			RespirationRate: domain.Range{Min: 8, Max: 60},
			Temperature:     domain.Range{Min: 36.5, Max: 40.5},
		},
		Detection: DetectionBounds{
			HeartRate:       domain.Range{Min: 30, Max: 350},
			RespirationRate: domain.Range{Min: 4, Max: 100},
		},
	},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c := &Catalog{profiles: make(map[domain.Species]Profile, len(builtin))}
	for _, p := range builtin {
		c.profiles[p.Species] = p
	}
	return c
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadFile returns the built-in catalog with profiles from a YAML file laid
// over it. An empty path returns the built-in catalog.
func LoadFile(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read species profiles: %w", err)
	}
	if err := c.merge(raw); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) merge(raw []byte) error {
	var file profileFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode species profiles: %w", err)
	}
	for _, p := range file.Profiles {
		if p.Species == "" {
			return fmt.Errorf("species profile without species name")
		}
		if p.Detection.HeartRate.Max <= p.Detection.HeartRate.Min ||
			p.Detection.RespirationRate.Max <= p.Detection.RespirationRate.Min {
			return fmt.Errorf("species %q: detection bounds must be increasing", p.Species)
		}
		c.profiles[p.Species] = p
	}
	return nil
}

// For returns the profile for a species adjusted for body weight. Unknown
// species fall back to the "other" profile.
func (c *Catalog) For(s domain.Species, weightKg float64) Profile {
	p, ok := c.profiles[s]
	if !ok {
		p = c.profiles[domain.SpeciesOther]
		p.Species = s
	}
	if p.SmallWeightKg > 0 && weightKg > 0 && weightKg < p.SmallWeightKg {
		if p.SmallNormalHRMax > 0 {
			p.Normal.HeartRate.Max = p.SmallNormalHRMax
		}
		if p.SmallDetectionHRMax > 0 {
			p.Detection.HeartRate.Max = p.SmallDetectionHRMax
		}
	}
	return p
}

// Species lists the species known to the catalog.
func (c *Catalog) Species() []domain.Species {
	out := make([]domain.Species, 0, len(c.profiles))
	for s := range c.profiles {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
