package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/liquidity-tracker/internal/domain"
)

// Registry is the declarative series and index catalog, loaded once at
// startup and read-only afterwards.
type Registry struct {
	Series         map[string]SeriesConfig `yaml:"series"`
	Indices        map[string]IndexConfig  `yaml:"indices"`
	CountryWeights map[string]float64      `yaml:"country_weights"`
}

// SeriesConfig describes one fetchable series.
type SeriesConfig struct {
	Source       string `yaml:"source"`
	SourceID     string `yaml:"source_id"`
	Description  string `yaml:"description"`
	Country      string `yaml:"country"`
	Frequency    string `yaml:"frequency"`
	Unit         string `yaml:"unit"`
	Type         string `yaml:"type"`
	Category     string `yaml:"category"`
	ExpectedSign int    `yaml:"expected_sign"`
}

// FrequencyCode returns the parsed frequency code for the series.
func (s SeriesConfig) FrequencyCode() domain.Frequency {
	return domain.ParseFrequency(s.Frequency)
}

// Sign returns the expected sign, defaulting to +1 when unset.
func (s SeriesConfig) Sign() int {
	if s.ExpectedSign < 0 {
		return -1
	}
	return 1
}

// IndexConfig describes a composite index in either the arithmetic or the
// pillarized form. Exactly one of Components / Pillars is populated.
type IndexConfig struct {
	Method     string                  `yaml:"method"`
	Frequency  string                  `yaml:"frequency"`
	Components []ArithmeticComponent   `yaml:"components"`
	Normalize  *NormalizeConfig        `yaml:"normalize"`
	Pillars    map[string]PillarConfig `yaml:"pillars"`
}

// IsPillarized reports whether the index is composed of factor pillars.
func (i IndexConfig) IsPillarized() bool { return len(i.Pillars) > 0 }

// FrequencyCode returns the parsed target frequency, defaulting to weekly for
// pillarized indices and monthly otherwise.
func (i IndexConfig) FrequencyCode() domain.Frequency {
	if i.Frequency == "" {
		if i.IsPillarized() {
			return domain.Weekly
		}
		return domain.Monthly
	}
	return domain.ParseFrequency(i.Frequency)
}

// NormalizeTarget returns the rescale target, defaulting to mean 100 stdev 10.
func (i IndexConfig) NormalizeTarget() NormalizeConfig {
	if i.Normalize == nil {
		return NormalizeConfig{Mean: 100, Stdev: 10}
	}
	return *i.Normalize
}

// ArithmeticComponent is one term of an arithmetic composite.
type ArithmeticComponent struct {
	Series    string  `yaml:"series"`
	Operation string  `yaml:"operation"` // add | subtract | multiply
	Weight    float64 `yaml:"weight"`
	Country   string  `yaml:"country"` // keys into country_weights for weighted_average
}

// WeightOrDefault returns the component weight, defaulting to 1.
func (c ArithmeticComponent) WeightOrDefault() float64 {
	if c.Weight == 0 {
		return 1
	}
	return c.Weight
}

// NormalizeConfig is the target location and scale of a composite.
type NormalizeConfig struct {
	Mean  float64 `yaml:"mean"`
	Stdev float64 `yaml:"stdev"`
}

// PillarConfig describes a thematic pillar of a pillarized index.
type PillarConfig struct {
	Weight     float64           `yaml:"weight"`
	Sign       int               `yaml:"sign"`
	Transforms []string          `yaml:"transforms"`
	Components []PillarComponent `yaml:"components"`
}

// SignOrDefault returns the pillar sign, defaulting to +1.
func (p PillarConfig) SignOrDefault() int {
	if p.Sign < 0 {
		return -1
	}
	return 1
}

// PillarComponent is one underlying series of a pillar.
type PillarComponent struct {
	Series    string `yaml:"series"`
	Country   string `yaml:"country"`
	Sign      int    `yaml:"sign"`
	Transform string `yaml:"transform"`
}

// SignOrDefault returns the component sign, defaulting to +1.
func (c PillarComponent) SignOrDefault() int {
	if c.Sign < 0 {
		return -1
	}
	return 1
}

// LoadRegistry reads and validates the YAML registry.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// ParseRegistry parses and validates a YAML registry document.
func ParseRegistry(data []byte) (*Registry, error) {
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing registry: %w", err)
	}
	if reg.Series == nil {
		reg.Series = map[string]SeriesConfig{}
	}
	if reg.Indices == nil {
		reg.Indices = map[string]IndexConfig{}
	}
	if reg.CountryWeights == nil {
		reg.CountryWeights = map[string]float64{}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Validate checks descriptor shape and cross references.
func (r *Registry) Validate() error {
	for id, s := range r.Series {
		if s.Source == "" {
			return fmt.Errorf("series %q: source is required", id)
		}
		if s.SourceID == "" {
			return fmt.Errorf("series %q: source_id is required", id)
		}
	}
	for id, idx := range r.Indices {
		if idx.IsPillarized() && len(idx.Components) > 0 {
			return fmt.Errorf("index %q: cannot have both pillars and components", id)
		}
		if !idx.IsPillarized() && len(idx.Components) == 0 {
			return fmt.Errorf("index %q: needs pillars or components", id)
		}
		if idx.IsPillarized() {
			totalWeight := 0.0
			for name, p := range idx.Pillars {
				if p.Weight < 0 {
					return fmt.Errorf("index %q pillar %q: negative weight", id, name)
				}
				totalWeight += p.Weight
				if len(p.Components) == 0 {
					return fmt.Errorf("index %q pillar %q: no components", id, name)
				}
				for _, c := range p.Components {
					if _, ok := r.Series[c.Series]; !ok {
						return fmt.Errorf("index %q pillar %q: unknown series %q", id, name, c.Series)
					}
				}
			}
			if totalWeight <= 0 {
				return fmt.Errorf("index %q: pillar weights must sum to a positive value", id)
			}
			continue
		}
		for _, c := range idx.Components {
			if _, ok := r.Series[c.Series]; !ok {
				return fmt.Errorf("index %q: unknown series %q", id, c.Series)
			}
			switch c.Operation {
			case "", "add", "subtract", "multiply":
			default:
				return fmt.Errorf("index %q series %q: unknown operation %q", id, c.Series, c.Operation)
			}
		}
	}
	return nil
}

// SeriesConfigFor returns the config for one series id.
func (r *Registry) SeriesConfigFor(id string) (SeriesConfig, bool) {
	s, ok := r.Series[id]
	return s, ok
}

// IndexConfigFor returns the config for one index id.
func (r *Registry) IndexConfigFor(id string) (IndexConfig, bool) {
	i, ok := r.Indices[id]
	return i, ok
}

// SeriesIDsBySource returns the series ids configured for a source, or all
// series ids when source is empty.
func (r *Registry) SeriesIDsBySource(source string) []string {
	out := make([]string, 0, len(r.Series))
	for id, s := range r.Series {
		if source == "" || s.Source == source {
			out = append(out, id)
		}
	}
	return out
}
