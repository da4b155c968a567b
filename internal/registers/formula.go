package registers

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
)

// Formula combines the decoded component values of a derived register
type Formula int

const (
	FormulaSum Formula = iota
	FormulaSub
	FormulaSelfConsumption
	FormulaPowerBalance
)

var formulaNames = map[Formula]string{
	FormulaSum:             "sum",
	FormulaSub:             "sub",
	FormulaSelfConsumption: "self_consumption",
	FormulaPowerBalance:    "power_balance",
}

func (f Formula) String() string {
	return formulaNames[f]
}

func ParseFormula(s string) (Formula, error) {
	for f, name := range formulaNames {
		if name == s {
			return f, nil
		}
	}
	return FormulaSum, fmt.Errorf("unknown formula: %s", s)
}

// Arity is the exact component count, or 0 for any number
func (f Formula) Arity() int {
	switch f {
	case FormulaSub:
		return 2
	case FormulaSelfConsumption:
		return 6
	case FormulaPowerBalance:
		return 4
	}
	return 0
}

// apply expects components in formula order. Self consumption takes
// pv, grid purchased, grid feed-in, battery charged, battery discharged, load.
// Power balance takes pv, grid, battery, load.
func (f Formula) apply(v []float64) float64 {
	var out float64
	switch f {
	case FormulaSum:
		for _, x := range v {
			out += x
		}
	case FormulaSub:
		out = v[0] - v[1]
	case FormulaSelfConsumption:
		out = v[0] + v[1] - v[2] - v[3] + v[4] - v[5]
	case FormulaPowerBalance:
		out = v[0] + v[1] + v[2] - v[3]
	}
	return round(out, 1)
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

// roundAccumulated keeps two decimals only when the second one is significant
func roundAccumulated(v float64) float64 {
	if math.Abs(v-math.Round(v)) < 0.005 {
		return math.Round(v)
	}
	two := round(v, 2)
	if math.Abs(two*10-math.Round(two*10)) > 1e-9 {
		return two
	}
	return round(v, 1)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: can't convert %q to number", types.ErrTypeMismatch, v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T is not a number", types.ErrTypeMismatch, value)
}
