package registers

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile overrides or extends the register catalog for a particular
// inverter model or firmware.
type Profile struct {
	Version     int                  `json:"version" yaml:"version"`
	Name        string               `json:"name,omitempty" yaml:"name,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Registers   []RegisterDefinition `json:"registers" yaml:"registers"`
}

type RegisterDefinition struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Suffix      string   `json:"suffix,omitempty" yaml:"suffix,omitempty"`
	Address     *int     `json:"address,omitempty" yaml:"address,omitempty"`
	Length      int      `json:"length,omitempty" yaml:"length,omitempty"`
	Kind        string   `json:"kind" yaml:"kind"`
	Aggregation string   `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	Scale       float64  `json:"scale,omitempty" yaml:"scale,omitempty"`
	SplitOffset int      `json:"split_offset,omitempty" yaml:"split_offset,omitempty"`
	Enum        string   `json:"enum,omitempty" yaml:"enum,omitempty"`
	TTLSeconds  int      `json:"ttl_seconds,omitempty" yaml:"ttl_seconds,omitempty"`
	Writable    bool     `json:"writable,omitempty" yaml:"writable,omitempty"`
	Min         *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Formula     string   `json:"formula,omitempty" yaml:"formula,omitempty"`
	Components  []string `json:"components,omitempty" yaml:"components,omitempty"`
}

var profileExtensions = []string{".yaml", ".yml", ".json"}

type ProfileLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewProfileLoader(searchPaths []string) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load finds <name>.yaml, <name>.yml or <name>.json in the search paths.
// A path to an existing file is loaded as is.
func (l *ProfileLoader) Load(name string) (*Profile, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*Profile), nil
	}

	path, err := l.find(name)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	profile, err := l.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}

	l.cache.Store(name, profile)

	return profile, nil
}

func (l *ProfileLoader) find(name string) (string, error) {
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		return name, nil
	}

	for _, dir := range l.searchPaths {
		for _, ext := range profileExtensions {
			path := filepath.Join(dir, name+ext)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	return "", fmt.Errorf("profile not found: %s (searched in: %v)", name, l.searchPaths)
}

// Parse accepts YAML or JSON. Either way the document is checked against
// the profile schema in its JSON form.
func (l *ProfileLoader) Parse(raw []byte) (*Profile, error) {
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	data, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("profile is not representable as JSON: %w", err)
	}

	if err := l.validator.ValidateProfile(data); err != nil {
		return nil, err
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	return &profile, nil
}

func (l *ProfileLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}

// Apply builds a catalog from base with the profile's registers merged in.
// Components may name registers of base or earlier registers of the profile.
func (p *Profile) Apply(base *Catalog) (*Catalog, error) {
	known := make(map[string]*Register, base.Len()+len(p.Registers))
	for _, r := range base.All() {
		known[r.Name] = r
	}

	regs := make([]*Register, 0, len(p.Registers))
	var errs []error

	for _, def := range p.Registers {
		r, err := def.build(known)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		known[r.Name] = r
		regs = append(regs, r)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return base.Merge(regs...)
}

func (d RegisterDefinition) build(known map[string]*Register) (*Register, error) {
	kind, err := ParseKind(d.Kind)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}

	agg, err := ParseAggregation(d.Aggregation)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}

	r := &Register{
		Name:        d.Name,
		Description: d.Description,
		Suffix:      d.Suffix,
		Length:      d.Length,
		Kind:        kind,
		Aggregation: agg,
		Scale:       d.Scale,
		SplitOffset: d.SplitOffset,
		TTL:         time.Duration(d.TTLSeconds) * time.Second,
		Writable:    d.Writable,
	}

	if d.Address != nil {
		r.Address = *d.Address
	}
	if r.Length == 0 {
		r.Length = defaultLength(kind, d.SplitOffset)
	}
	if d.Min != nil {
		r.Min = *d.Min
	}
	if d.Max != nil {
		r.Max = *d.Max
	}

	if d.Enum != "" {
		e, ok := LookupEnumType(d.Enum)
		if !ok {
			return nil, fmt.Errorf("%s: unknown enum %s", d.Name, d.Enum)
		}
		r.Enum = e
	}

	if kind == KindDerived {
		if r.Formula, err = ParseFormula(d.Formula); err != nil {
			return nil, fmt.Errorf("%s: %w", d.Name, err)
		}
		for _, name := range d.Components {
			c, ok := known[name]
			if !ok {
				return nil, fmt.Errorf("%s: unknown component %s", d.Name, name)
			}
			r.Components = append(r.Components, c)
		}
		if d.Aggregation == "" {
			r.Aggregation = Special
		}
	}

	return r, nil
}

func defaultLength(kind Kind, splitOffset int) int {
	switch kind {
	case KindLongFloat:
		return 2
	case KindSplitLongFloat:
		return splitOffset + 1
	case KindSystemTime:
		return SystemTimeLength
	case KindTimeOfUse:
		return TimeOfUseSlots
	}
	return 1
}

// LoadCatalog applies the named profile on top of the default catalog.
// An empty name returns the default catalog.
func LoadCatalog(searchPaths []string, profile string) (*Catalog, error) {
	base := DefaultCatalog()
	if profile == "" {
		return base, nil
	}

	loader, err := NewProfileLoader(searchPaths)
	if err != nil {
		return nil, err
	}

	p, err := loader.Load(profile)
	if err != nil {
		return nil, err
	}

	return p.Apply(base)
}
