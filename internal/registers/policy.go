package registers

import (
	"fmt"
)

// Aggregation says how a register combines across inverters in the accumulated set
type Aggregation int

const (
	None Aggregation = iota
	Accumulate
	Average
	OnlyMaster
	Special
)

var aggregationNames = map[Aggregation]string{
	None:       "none",
	Accumulate: "accumulate",
	Average:    "average",
	OnlyMaster: "only_master",
	Special:    "special",
}

func (a Aggregation) String() string {
	if name, ok := aggregationNames[a]; ok {
		return name
	}
	return fmt.Sprintf("aggregation(%d)", int(a))
}

func (a Aggregation) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Aggregation) UnmarshalText(text []byte) error {
	parsed, err := ParseAggregation(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func ParseAggregation(s string) (Aggregation, error) {
	if s == "" {
		return None, nil
	}
	for a, name := range aggregationNames {
		if name == s {
			return a, nil
		}
	}
	return None, fmt.Errorf("unknown aggregation: %s", s)
}

// CanAccumulate reports whether the accumulated set computes its own value
func (a Aggregation) CanAccumulate() bool {
	return a != None && a != OnlyMaster
}
