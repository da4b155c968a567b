package registers

import (
	"errors"
	"fmt"
	"time"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
)

// Catalog is an ordered, name indexed set of register definitions
type Catalog struct {
	order  []*Register
	byName map[string]*Register
}

func NewCatalog(regs ...*Register) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]*Register, len(regs))}

	var errs []error
	for _, r := range regs {
		if err := validateRegister(r); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.byName[r.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate register: %s", r.Name))
			continue
		}
		c.order = append(c.order, r)
		c.byName[r.Name] = r
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

func validateRegister(r *Register) error {
	if r.Name == "" {
		return errors.New("register without name")
	}

	switch r.Kind {
	case KindDerived:
		if len(r.Components) == 0 {
			return fmt.Errorf("%s: derived register needs components", r.Name)
		}
		if n := r.Formula.Arity(); n > 0 && len(r.Components) != n {
			return fmt.Errorf("%s: formula %s takes %d components, got %d", r.Name, r.Formula, n, len(r.Components))
		}
		return nil
	case KindEnum:
		if r.Enum == nil {
			return fmt.Errorf("%s: enum register needs an enum type", r.Name)
		}
	case KindLongFloat:
		if r.Length != 2 {
			return fmt.Errorf("%s: long value spans 2 words", r.Name)
		}
	case KindSplitLongFloat:
		if r.SplitOffset < 1 || r.Length != r.SplitOffset+1 {
			return fmt.Errorf("%s: split value needs length offset+1", r.Name)
		}
	case KindSystemTime:
		if r.Length != SystemTimeLength {
			return fmt.Errorf("%s: system time spans %d words", r.Name, SystemTimeLength)
		}
	}

	if r.Address < 0 || r.Length < 1 {
		return fmt.Errorf("%s: invalid block %d+%d", r.Name, r.Address, r.Length)
	}
	if r.Writable && r.Min > r.Max {
		return fmt.Errorf("%s: min %v above max %v", r.Name, r.Min, r.Max)
	}
	return nil
}

func MustCatalog(regs ...*Register) *Catalog {
	c, err := NewCatalog(regs...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Get(name string) (*Register, bool) {
	r, ok := c.byName[name]
	return r, ok
}

func (c *Catalog) All() []*Register {
	return append([]*Register(nil), c.order...)
}

func (c *Catalog) Names() []string {
	names := make([]string, len(c.order))
	for i, r := range c.order {
		names[i] = r.Name
	}
	return names
}

func (c *Catalog) Len() int {
	return len(c.order)
}

// Select resolves names in order; no names selects the whole catalog
func (c *Catalog) Select(names ...string) ([]*Register, error) {
	if len(names) == 0 {
		return c.All(), nil
	}

	out := make([]*Register, 0, len(names))
	for _, name := range names {
		r, ok := c.byName[name]
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, types.ErrRegisterNotFound)
		}
		out = append(out, r)
	}
	return out, nil
}

// Merge returns a catalog where regs replace same-named entries and the
// rest are appended.
func (c *Catalog) Merge(regs ...*Register) (*Catalog, error) {
	replaced := make(map[string]*Register, len(regs))
	for _, r := range regs {
		replaced[r.Name] = r
	}

	out := make([]*Register, 0, len(c.order)+len(regs))
	for _, r := range c.order {
		if nr, ok := replaced[r.Name]; ok {
			out = append(out, nr)
			delete(replaced, r.Name)
			continue
		}
		out = append(out, r)
	}
	for _, r := range regs {
		if _, ok := replaced[r.Name]; ok {
			out = append(out, r)
		}
	}

	return NewCatalog(out...)
}

const (
	todayTTL  = 5 * time.Minute
	totalTTL  = 15 * time.Minute
	staticTTL = 3 * time.Hour
)

func word(name, desc, suffix string, addr int, kind Kind, agg Aggregation) *Register {
	return &Register{
		Name:        name,
		Description: desc,
		Suffix:      suffix,
		Address:     addr,
		Length:      1,
		Kind:        kind,
		Aggregation: agg,
	}
}

func today(name, desc string, addr int) *Register {
	r := word(name, desc, "kWh", addr, KindFloat, Accumulate)
	r.TTL = todayTTL
	return r
}

func total(name, desc string, addr int) *Register {
	return &Register{
		Name:        name,
		Description: desc,
		Suffix:      "kWh",
		Address:     addr,
		Length:      2,
		Kind:        KindLongFloat,
		Aggregation: Accumulate,
		TTL:         totalTTL,
	}
}

func splitTotal(name, desc string, addr, offset int) *Register {
	r := total(name, desc, addr)
	r.Kind = KindSplitLongFloat
	r.Length = offset + 1
	r.SplitOffset = offset
	return r
}

func setting(r *Register, min, max float64) *Register {
	r.Writable = true
	r.Min = min
	r.Max = max
	return r
}

func derived(name, desc, suffix string, f Formula, components ...*Register) *Register {
	return &Register{
		Name:        name,
		Description: desc,
		Suffix:      suffix,
		Kind:        KindDerived,
		Aggregation: Special,
		Formula:     f,
		Components:  components,
	}
}

// DefaultCatalog describes the registers of a Deye SUN hybrid inverter
func DefaultCatalog() *Catalog {
	pv1Power := word("pv1_power", "PV1 power", "W", 186, KindInt, Accumulate)
	pv2Power := word("pv2_power", "PV2 power", "W", 187, KindInt, Accumulate)

	batteryCapacity := word("battery_capacity", "Battery capacity", "Ah", 107, KindInt, OnlyMaster)
	batteryCapacity.TTL = staticTTL

	systemTime := &Register{
		Name:        "system_time",
		Description: "Inverter system time",
		Address:     22,
		Length:      SystemTimeLength,
		Kind:        KindSystemTime,
		Aggregation: None,
		TTL:         time.Minute,
		Writable:    true,
	}

	workMode := word("system_work_mode", "System work mode", "", 244, KindEnum, None)
	workMode.Enum = SystemWorkMode
	workMode.Writable = true

	genPortMode := word("gen_port_mode", "GEN port mode", "", 235, KindEnum, None)
	genPortMode.Enum = GenPortMode
	genPortMode.Writable = true

	gridState := word("grid_state", "Grid connection state", "", 194, KindEnum, Special)
	gridState.Enum = GridState

	touSOC := &Register{
		Name:        "time_of_use_soc",
		Description: "Time of use battery SOC",
		Suffix:      "%",
		Address:     268,
		Length:      TimeOfUseSlots,
		Kind:        KindTimeOfUse,
		Aggregation: None,
	}
	touPower := &Register{
		Name:        "time_of_use_power",
		Description: "Time of use power",
		Suffix:      "W",
		Address:     256,
		Length:      TimeOfUseSlots,
		Kind:        KindTimeOfUse,
		Aggregation: None,
	}

	todayProduction := today("today_production", "Today production", 108)
	todayPurchased := today("today_grid_purchased_energy", "Today energy purchased from grid", 76)
	todayFeedIn := today("today_grid_feed_in_energy", "Today energy fed into grid", 77)
	todayCharged := today("today_battery_charged_energy", "Today battery charged energy", 70)
	todayDischarged := today("today_battery_discharged_energy", "Today battery discharged energy", 71)
	todayLoad := today("today_load_consumption", "Today load consumption", 84)

	totalProduction := total("total_production", "Total production", 96)
	totalPurchased := splitTotal("total_grid_purchased_energy", "Total energy purchased from grid", 78, 2)
	totalFeedIn := total("total_grid_feed_in_energy", "Total energy fed into grid", 81)
	totalCharged := total("total_battery_charged_energy", "Total battery charged energy", 72)
	totalDischarged := total("total_battery_discharged_energy", "Total battery discharged energy", 74)
	totalLoad := total("total_load_consumption", "Total load consumption", 85)

	batteryVoltage := word("battery_voltage", "Battery voltage", "V", 183, KindFloat, Average)
	batteryVoltage.Scale = 100
	batteryCurrent := word("battery_current", "Battery current", "A", 191, KindSignedFloat, Accumulate)
	batteryCurrent.Scale = 100
	gridFrequency := word("grid_frequency", "Grid frequency", "Hz", 79, KindFloat, Average)
	gridFrequency.Scale = 100

	batteryPower := word("battery_power", "Battery power", "W", 190, KindSignedInt, Accumulate)
	gridPower := word("grid_power", "Grid power", "W", 169, KindSignedInt, Accumulate)
	loadPower := word("load_power", "Load power", "W", 178, KindInt, Accumulate)
	pvTotalPower := derived("pv_total_power", "PV total power", "W", FormulaSum, pv1Power, pv2Power)

	return MustCatalog(
		batteryPower,
		word("battery_soc", "Battery SOC", "%", 184, KindInt, OnlyMaster),
		batteryVoltage,
		batteryCurrent,
		word("battery_temperature", "Battery temperature", "°C", 182, KindTemperature, OnlyMaster),
		batteryCapacity,
		setting(word("battery_max_charge_current", "Battery max charge current", "A", 210, KindInt, None), 0, 80),

		gridPower,
		word("grid_voltage", "Grid voltage", "V", 150, KindFloat, Average),
		gridFrequency,
		gridState,
		setting(word("grid_peak_shaving_power", "Grid peak shaving power", "W", 293, KindInt, None), 1000, 6000),
		setting(word("zero_export_power", "Zero export power", "W", 206, KindInt, None), 0, 100),

		loadPower,
		derived("self_consumption_power", "Inverter self consumption power", "W", FormulaPowerBalance,
			pvTotalPower, gridPower, batteryPower, loadPower),

		pv1Power,
		pv2Power,
		pvTotalPower,
		word("pv1_voltage", "PV1 voltage", "V", 109, KindFloat, Average),
		word("pv2_voltage", "PV2 voltage", "V", 111, KindFloat, Average),
		word("pv1_current", "PV1 current", "A", 110, KindFloat, Accumulate),
		word("pv2_current", "PV2 current", "A", 112, KindFloat, Accumulate),

		word("inverter_ac_temperature", "Inverter AC temperature", "°C", 91, KindTemperature, Average),
		word("inverter_dc_temperature", "Inverter DC temperature", "°C", 90, KindTemperature, Average),

		todayProduction,
		todayPurchased,
		todayFeedIn,
		todayCharged,
		todayDischarged,
		todayLoad,
		today("today_gen_energy", "Today generator energy", 62),
		derived("today_self_consumption", "Today self consumption", "kWh", FormulaSelfConsumption,
			todayProduction, todayPurchased, todayFeedIn, todayCharged, todayDischarged, todayLoad),

		totalProduction,
		totalPurchased,
		totalFeedIn,
		totalCharged,
		totalDischarged,
		totalLoad,
		splitTotal("total_gen_energy", "Total generator energy", 92, 3),
		derived("total_self_consumption", "Total self consumption", "kWh", FormulaSelfConsumption,
			totalProduction, totalPurchased, totalFeedIn, totalCharged, totalDischarged, totalLoad),

		systemTime,
		workMode,
		genPortMode,
		setting(touSOC, 15, 100),
		setting(touPower, 0, 6000),
	)
}
