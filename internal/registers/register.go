package registers

import (
	"fmt"
	"math"
	"time"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/types"
)

// Kind selects how raw words turn into a value
type Kind int

const (
	KindInt Kind = iota
	KindSignedInt
	KindFloat
	KindSignedFloat
	KindLongFloat
	KindSplitLongFloat
	KindTemperature
	KindEnum
	KindSystemTime
	KindTimeOfUse
	KindDerived
)

var kindNames = map[Kind]string{
	KindInt:            "int",
	KindSignedInt:      "signed_int",
	KindFloat:          "float",
	KindSignedFloat:    "signed_float",
	KindLongFloat:      "long_float",
	KindSplitLongFloat: "split_long_float",
	KindTemperature:    "temperature",
	KindEnum:           "enum",
	KindSystemTime:     "system_time",
	KindTimeOfUse:      "time_of_use",
	KindDerived:        "derived",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindInt, fmt.Errorf("unknown register kind: %s", s)
}

// Numeric kinds produce float64 or int values that can be summed
func (k Kind) Numeric() bool {
	switch k {
	case KindEnum, KindSystemTime:
		return false
	}
	return true
}

const (
	DefaultScale      = 10
	SystemTimeLength  = 3
	TimeOfUseSlots    = 6
	systemTimeLayout  = "2006-01-02 15:04:05"
	temperatureOffset = 1000
)

// Reader gives access to the words fetched for one inverter in the current cycle
type Reader interface {
	ReadRegister(address, length int) []uint16
}

// Enqueuer collects the blocks to fetch from one inverter
type Enqueuer interface {
	Enqueue(address, length, ttl int)
}

// Register describes one named value: where it lives, how it decodes and
// how it combines across inverters.
type Register struct {
	Name        string
	Description string
	Suffix      string
	Address     int
	Length      int
	TTL         time.Duration
	Aggregation Aggregation
	Kind        Kind
	Scale       float64
	SplitOffset int
	Enum        *EnumType
	Min         float64
	Max         float64
	Writable    bool
	Formula     Formula
	Components  []*Register
}

func (r *Register) CanWrite() bool {
	return r.Writable && r.Kind != KindDerived
}

// Addresses lists every word the register occupies
func (r *Register) Addresses() []int {
	switch r.Kind {
	case KindDerived:
		seen := make(map[int]bool)
		var out []int
		for _, c := range r.Components {
			for _, a := range c.Addresses() {
				if !seen[a] {
					seen[a] = true
					out = append(out, a)
				}
			}
		}
		return out
	case KindSplitLongFloat:
		return []int{r.Address, r.Address + r.SplitOffset}
	}

	out := make([]int, r.Length)
	for i := range out {
		out[i] = r.Address + i
	}
	return out
}

func (r *Register) ttlSeconds() int {
	if r.TTL <= 0 {
		return -1
	}
	return int(r.TTL / time.Second)
}

// Enqueue queues the register's words unless it is only meaningful on the master
func (r *Register) Enqueue(q Enqueuer, master bool) {
	if r.Aggregation == OnlyMaster && !master {
		return
	}

	if r.Kind == KindDerived {
		for _, c := range r.Components {
			c.Enqueue(q, master)
		}
		return
	}

	q.Enqueue(r.Address, r.Length, r.ttlSeconds())
}

// Read decodes the register from one inverter's words
func (r *Register) Read(reader Reader) (any, error) {
	if r.Kind == KindDerived {
		values := make([]float64, len(r.Components))
		for i, c := range r.Components {
			v, err := c.Read(reader)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", r.Name, err)
			}
			if values[i], err = toFloat(v); err != nil {
				return nil, fmt.Errorf("%s: component %s: %w", r.Name, c.Name, err)
			}
		}
		return r.Formula.apply(values), nil
	}

	return r.Decode(reader.ReadRegister(r.Address, r.Length))
}

// Decode turns raw words into the register's value type: int, float64,
// EnumValue or time.Time.
func (r *Register) Decode(words []uint16) (any, error) {
	if len(words) < r.Length {
		return nil, fmt.Errorf("%s: expected %d words, got %d", r.Name, r.Length, len(words))
	}

	switch r.Kind {
	case KindInt:
		return int(words[0]), nil
	case KindSignedInt:
		return int(int16(words[0])), nil
	case KindFloat:
		return float64(words[0]) / r.scale(), nil
	case KindSignedFloat:
		return float64(int16(words[0])) / r.scale(), nil
	case KindLongFloat:
		return fromLongWords(words[0], words[1], r.scale()), nil
	case KindSplitLongFloat:
		return fromLongWords(words[0], words[r.SplitOffset], r.scale()), nil
	case KindTemperature:
		return round(float64(int(words[0])-temperatureOffset)/10, 1), nil
	case KindEnum:
		return r.Enum.Lookup(int(words[0])), nil
	case KindSystemTime:
		return decodeSystemTime(words), nil
	case KindTimeOfUse:
		var sum float64
		for _, w := range words[:r.Length] {
			sum += float64(w)
		}
		return round(sum/float64(r.Length), 1), nil
	default:
		return nil, fmt.Errorf("%s: kind %s has no word encoding", r.Name, r.Kind)
	}
}

// Encode validates a user supplied value and returns the words to write
func (r *Register) Encode(value any) ([]uint16, error) {
	return r.EncodeAt(value, time.Now())
}

func (r *Register) EncodeAt(value any, now time.Time) ([]uint16, error) {
	if !r.CanWrite() {
		return nil, fmt.Errorf("%s: %w", r.Name, types.ErrReadOnly)
	}

	switch r.Kind {
	case KindInt, KindTimeOfUse:
		v, err := toFloat(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Name, err)
		}
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("%s: %w: %v is not an integer", r.Name, types.ErrTypeMismatch, value)
		}
		if err := r.checkRange(v); err != nil {
			return nil, err
		}
		n := 1
		if r.Kind == KindTimeOfUse {
			n = r.Length
		}
		words := make([]uint16, n)
		for i := range words {
			words[i] = uint16(v)
		}
		return words, nil

	case KindFloat:
		v, err := toFloat(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Name, err)
		}
		if err := r.checkRange(v); err != nil {
			return nil, err
		}
		return []uint16{uint16(math.Round(v * r.scale()))}, nil

	case KindEnum:
		var ev EnumValue
		switch v := value.(type) {
		case EnumValue:
			ev = r.Enum.Lookup(v.Code)
		case string:
			parsed, err := r.Enum.Parse(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w: %w", r.Name, types.ErrValueOutOfRange, err)
			}
			ev = parsed
		default:
			f, err := toFloat(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", r.Name, err)
			}
			ev = r.Enum.Lookup(int(f))
		}
		if ev.Code == UnknownCode {
			return nil, fmt.Errorf("%s: %w: %v", r.Name, types.ErrValueOutOfRange, value)
		}
		return []uint16{uint16(ev.Code)}, nil

	case KindSystemTime:
		t, err := toTime(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Name, err)
		}
		if t.Year() != now.Year() || t.Month() != now.Month() || t.Day() != now.Day() {
			return nil, fmt.Errorf("%s: %w: date must be today", r.Name, types.ErrValueOutOfRange)
		}
		return encodeSystemTime(t), nil
	}

	return nil, fmt.Errorf("%s: %w: kind %s is not writable", r.Name, types.ErrTypeMismatch, r.Kind)
}

func (r *Register) checkRange(v float64) error {
	if v < r.Min || v > r.Max {
		return fmt.Errorf("%s: %w: value should be from %v to %v", r.Name, types.ErrValueOutOfRange, r.Min, r.Max)
	}
	return nil
}

func (r *Register) scale() float64 {
	if r.Scale == 0 {
		return DefaultScale
	}
	return r.Scale
}

// fromLongWords joins a 32-bit value stored low word first
func fromLongWords(low, high uint16, scale float64) float64 {
	return float64(uint32(high)<<16|uint32(low)) / scale
}

// system time is packed as bytes YY MM DD hh mm ss, two per word
func decodeSystemTime(words []uint16) time.Time {
	b := make([]int, 0, 6)
	for _, w := range words[:SystemTimeLength] {
		b = append(b, int(w>>8), int(w&0xff))
	}

	if b[1] < 1 || b[1] > 12 || b[2] < 1 || b[2] > 31 || b[3] > 23 || b[4] > 59 || b[5] > 59 {
		return time.Date(1970, 1, 1, 0, 0, 0, 0, time.Local)
	}

	t := time.Date(2000+b[0], time.Month(b[1]), b[2], b[3], b[4], b[5], 0, time.Local)
	if t.Day() != b[2] {
		return time.Date(1970, 1, 1, 0, 0, 0, 0, time.Local)
	}
	return t
}

func encodeSystemTime(t time.Time) []uint16 {
	pack := func(hi, lo int) uint16 {
		return uint16(hi&0xff)<<8 | uint16(lo&0xff)
	}
	return []uint16{
		pack(t.Year()-2000, int(t.Month())),
		pack(t.Day(), t.Hour()),
		pack(t.Minute(), t.Second()),
	}
}

func toTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.ParseInLocation(systemTimeLayout, v, time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: value doesn't match date/time format", types.ErrTypeMismatch)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %T is not a time", types.ErrTypeMismatch, value)
}
