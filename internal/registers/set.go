package registers

import (
	"fmt"
	"maps"
	"sync"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
)

const AccumulatedPrefix = "all"

// Registers holds the decoded values of one inverter, or of the synthetic
// accumulated view, after a polling cycle.
type Registers struct {
	prefix      string
	accumulated bool
	catalog     *Catalog

	mu     sync.RWMutex
	values map[string]any
	errs   map[string]error
}

func NewRegisters(prefix string, catalog *Catalog, accumulated bool) *Registers {
	return &Registers{
		prefix:      prefix,
		accumulated: accumulated,
		catalog:     catalog,
		values:      make(map[string]any),
		errs:        make(map[string]error),
	}
}

func (s *Registers) Prefix() string {
	return s.prefix
}

func (s *Registers) Accumulated() bool {
	return s.accumulated
}

func (s *Registers) Catalog() *Catalog {
	return s.catalog
}

// Value returns the last decoded value of name. Registers that exist only
// on the master inverter have no value in an accumulated set over several
// inverters.
func (s *Registers) Value(name string) (any, error) {
	reg, ok := s.catalog.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, types.ErrRegisterNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err, ok := s.errs[name]; ok {
		return nil, err
	}

	if v, ok := s.values[name]; ok {
		return v, nil
	}

	if s.accumulated && reg.Aggregation == OnlyMaster {
		return nil, fmt.Errorf("%s: %w", name, types.ErrNotAggregated)
	}
	return nil, fmt.Errorf("%s: not read in this cycle", name)
}

func (s *Registers) Float(name string) (float64, error) {
	v, err := s.Value(name)
	if err != nil {
		return 0, err
	}
	return toFloat(v)
}

// Load decodes regs from one inverter's words
func (s *Registers) Load(regs []*Register, reader Reader) {
	for _, r := range regs {
		v, err := r.Read(reader)
		s.store(r.Name, v, err)
	}
}

// LoadAccumulated aggregates regs over every inverter. Registers with no
// accumulated meaning are skipped.
func (s *Registers) LoadAccumulated(regs []*Register, readers []Reader, master int) {
	for _, r := range regs {
		if r.Aggregation == OnlyMaster && len(readers) > 1 {
			continue
		}
		v, err := Aggregate(r, readers, master)
		s.store(r.Name, v, err)
	}
}

// Fail marks regs as failed for this cycle, e.g. when their inverter was unreachable
func (s *Registers) Fail(regs []*Register, err error) {
	for _, r := range regs {
		s.store(r.Name, nil, err)
	}
}

// Set records a value obtained outside a read cycle, e.g. after a write
func (s *Registers) Set(name string, v any) {
	s.store(name, v, nil)
}

func (s *Registers) store(name string, v any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		delete(s.values, name)
		s.errs[name] = err
		return
	}
	delete(s.errs, name)
	s.values[name] = v
}

func (s *Registers) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
	s.errs = make(map[string]error)
}

func (s *Registers) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

func (s *Registers) Errors() map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.errs)
}
