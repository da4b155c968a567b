package registers

import (
	"errors"
	"testing"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	c := DefaultCatalog()

	seen := make(map[string]bool)
	for _, r := range c.All() {
		if seen[r.Name] {
			t.Fatalf("duplicate %s", r.Name)
		}
		seen[r.Name] = true

		if r.Writable && r.Kind != KindEnum && r.Kind != KindSystemTime && r.Max == 0 {
			t.Errorf("%s: writable register without range", r.Name)
		}
		if r.Writable && r.Aggregation != None {
			t.Errorf("%s: settings follow the master", r.Name)
		}
	}

	if c.Len() != len(c.Names()) {
		t.Fatalf("Len and Names disagree")
	}
}

func TestCatalogSelect(t *testing.T) {
	c := DefaultCatalog()

	regs, err := c.Select("grid_power", "battery_soc")
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != 2 || regs[0].Name != "grid_power" || regs[1].Name != "battery_soc" {
		t.Fatalf("selection must keep order: %v", regs)
	}

	if _, err := c.Select("grid_power", "flux_capacitor"); !errors.Is(err, types.ErrRegisterNotFound) {
		t.Fatalf("expected ErrRegisterNotFound, got %v", err)
	}

	all, _ := c.Select()
	if len(all) != c.Len() {
		t.Fatalf("empty selection must return everything")
	}
}

func TestNewCatalogRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		reg  *Register
	}{
		{"no name", &Register{Address: 1, Length: 1}},
		{"no length", &Register{Name: "a", Address: 1}},
		{"enum without type", &Register{Name: "a", Address: 1, Length: 1, Kind: KindEnum}},
		{"long of one word", &Register{Name: "a", Address: 1, Length: 1, Kind: KindLongFloat}},
		{"split without offset", &Register{Name: "a", Address: 1, Length: 2, Kind: KindSplitLongFloat}},
		{"derived without components", &Register{Name: "a", Kind: KindDerived}},
		{"sub arity", &Register{Name: "a", Kind: KindDerived, Formula: FormulaSub, Components: []*Register{{Name: "b", Length: 1}}}},
		{"inverted range", &Register{Name: "a", Address: 1, Length: 1, Writable: true, Min: 10, Max: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.reg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	a := &Register{Name: "a", Address: 1, Length: 1}
	if _, err := NewCatalog(a, a); err == nil {
		t.Fatalf("duplicate names must fail")
	}
}

func TestCatalogMerge(t *testing.T) {
	c := DefaultCatalog()

	soc := &Register{Name: "battery_soc", Address: 588, Length: 1, Kind: KindInt, Aggregation: OnlyMaster}
	extra := &Register{Name: "bms_charge_limit", Address: 314, Length: 1, Kind: KindInt, Aggregation: OnlyMaster}

	merged, err := c.Merge(soc, extra)
	if err != nil {
		t.Fatal(err)
	}

	if merged.Len() != c.Len()+1 {
		t.Fatalf("expected one new register, got %d -> %d", c.Len(), merged.Len())
	}
	if r, _ := merged.Get("battery_soc"); r.Address != 588 {
		t.Fatalf("override not applied")
	}
	if names := merged.Names(); names[len(names)-1] != "bms_charge_limit" {
		t.Fatalf("new registers go last: %v", names[len(names)-1])
	}
	if r, _ := c.Get("battery_soc"); r.Address != 184 {
		t.Fatalf("merge must not touch the base catalog")
	}
}

func TestAggregationText(t *testing.T) {
	for a := range aggregationNames {
		text, _ := a.MarshalText()
		var back Aggregation
		if err := back.UnmarshalText(text); err != nil || back != a {
			t.Fatalf("%v does not survive text encoding: %v", a, err)
		}
	}
	if _, err := ParseAggregation("sum"); err == nil {
		t.Fatalf("unknown aggregation must fail")
	}
}
