package registers

import (
	"errors"
	"fmt"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
)

// Aggregate computes the accumulated value of r over every inverter.
// readers[master] is the master inverter; with a single inverter its own
// value is the accumulated one.
func Aggregate(r *Register, readers []Reader, master int) (any, error) {
	if len(readers) == 0 {
		return nil, errors.New("no inverters to aggregate")
	}
	if master < 0 || master >= len(readers) {
		master = 0
	}

	if len(readers) == 1 {
		return r.Read(readers[0])
	}

	switch r.Aggregation {
	case OnlyMaster:
		return nil, fmt.Errorf("%s: %w", r.Name, types.ErrNotAggregated)

	case None:
		return r.Read(readers[master])

	case Accumulate, Average:
		return combine(r, readers)

	case Special:
		switch r.Kind {
		case KindDerived:
			return aggregateDerived(r, readers, master)
		case KindEnum:
			return aggregateEnum(r, readers)
		}
		return combine(r, readers)
	}

	return nil, fmt.Errorf("%s: unknown aggregation %s", r.Name, r.Aggregation)
}

func combine(r *Register, readers []Reader) (any, error) {
	var sum float64
	ints := true

	for _, reader := range readers {
		v, err := r.Read(reader)
		if err != nil {
			return nil, err
		}

		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Name, err)
		}

		if _, ok := v.(int); !ok {
			ints = false
		}
		sum += f
	}

	if r.Aggregation == Average {
		sum /= float64(len(readers))
	} else if ints {
		return int(sum), nil
	}

	return roundAccumulated(sum), nil
}

// derived registers combine their components first, then apply the formula
func aggregateDerived(r *Register, readers []Reader, master int) (any, error) {
	values := make([]float64, len(r.Components))

	for i, c := range r.Components {
		var v any
		var err error
		if c.Aggregation == OnlyMaster {
			v, err = c.Read(readers[master])
		} else {
			v, err = Aggregate(c, readers, master)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Name, err)
		}

		if values[i], err = toFloat(v); err != nil {
			return nil, fmt.Errorf("%s: component %s: %w", r.Name, c.Name, err)
		}
	}

	return r.Formula.apply(values), nil
}

// enums report a value only when every inverter agrees on it
func aggregateEnum(r *Register, readers []Reader) (any, error) {
	code := UnknownCode

	for i, reader := range readers {
		v, err := r.Read(reader)
		if err != nil {
			return nil, err
		}

		ev, ok := v.(EnumValue)
		if !ok {
			return nil, fmt.Errorf("%s: %w: %T", r.Name, types.ErrTypeMismatch, v)
		}

		if i == 0 {
			code = ev.Code
		} else if ev.Code != code {
			return r.Enum.Lookup(r.Enum.Mixed), nil
		}
	}

	return r.Enum.Lookup(code), nil
}
