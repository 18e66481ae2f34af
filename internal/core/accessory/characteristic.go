package accessory

import (
	"encoding/json"
	"fmt"
	"math"
)

// Characteristic is one controllable property of an accessory.
type Characteristic uint8

const (
	On Characteristic = iota + 1
	Brightness
	TargetPosition
	TargetHorizontalTiltAngle
	TargetVerticalTiltAngle
	TargetRelativeHumidity
	TargetTemperature
)

// Kind is the value type a characteristic accepts.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt
	KindFloat
)

// Rule describes the accepted values of a characteristic.
type Rule struct {
	Name       string
	Kind       Kind
	Min, Max   float64
	Step       float64
	Continuous bool
}

var rules = map[Characteristic]Rule{
	On:                        {Name: "On", Kind: KindBool},
	Brightness:                {Name: "Brightness", Kind: KindInt, Min: 0, Max: 100, Step: 1, Continuous: true},
	TargetPosition:            {Name: "TargetPosition", Kind: KindInt, Min: 0, Max: 100, Step: 1, Continuous: true},
	TargetHorizontalTiltAngle: {Name: "TargetHorizontalTiltAngle", Kind: KindInt, Min: -90, Max: 90, Step: 1, Continuous: true},
	TargetVerticalTiltAngle:   {Name: "TargetVerticalTiltAngle", Kind: KindInt, Min: -90, Max: 90, Step: 1, Continuous: true},
	TargetRelativeHumidity:    {Name: "TargetRelativeHumidity", Kind: KindFloat, Min: 0, Max: 100, Step: 1, Continuous: true},
	TargetTemperature:         {Name: "TargetTemperature", Kind: KindFloat, Min: 10, Max: 38, Step: 0.1, Continuous: true},
}

var byName = func() map[string]Characteristic {
	m := make(map[string]Characteristic, len(rules))
	for c, r := range rules {
		m[r.Name] = c
	}
	return m
}()

// Characteristics returns every known characteristic in declaration order.
func Characteristics() []Characteristic {
	return []Characteristic{
		On, Brightness, TargetPosition,
		TargetHorizontalTiltAngle, TargetVerticalTiltAngle,
		TargetRelativeHumidity, TargetTemperature,
	}
}

// ParseCharacteristic maps a wire name such as "Brightness" to its Characteristic.
func ParseCharacteristic(name string) (Characteristic, error) {
	c, ok := byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCharacteristic, name)
	}
	return c, nil
}

func (c Characteristic) String() string {
	if r, ok := rules[c]; ok {
		return r.Name
	}
	return fmt.Sprintf("Characteristic(%d)", uint8(c))
}

// Rule returns the value rule for c.
func (c Characteristic) Rule() (Rule, bool) {
	r, ok := rules[c]
	return r, ok
}

// Continuous reports whether writes to c are debounced.
func (c Characteristic) Continuous() bool {
	return rules[c].Continuous
}

// MarshalText encodes c by name.
func (c Characteristic) MarshalText() ([]byte, error) {
	if _, ok := rules[c]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCharacteristic, uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText decodes a characteristic name.
func (c *Characteristic) UnmarshalText(text []byte) error {
	parsed, err := ParseCharacteristic(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// defaultValue is the value an accessory starts with before any update.
func (r Rule) defaultValue() any {
	switch r.Kind {
	case KindBool:
		return false
	case KindInt:
		return int(clamp(0, r.Min, r.Max))
	default:
		return clamp(0, r.Min, r.Max)
	}
}

// Normalize checks v against the rule and returns it in canonical form:
// bool for KindBool, int for KindInt and float64 snapped to Step for KindFloat.
func (r Rule) Normalize(v any) (any, error) {
	if v == nil {
		return nil, ErrMissingValue
	}

	if r.Kind == KindBool {
		if b, ok := v.(bool); ok {
			return b, nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants bool, got %T", ErrOutOfRange, r.Name, v)
		}
		return f != 0, nil
	}

	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s wants number, got %T", ErrOutOfRange, r.Name, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %s got %v", ErrOutOfRange, r.Name, f)
	}

	if r.Kind == KindInt {
		n := math.Round(f)
		if n < r.Min || n > r.Max {
			return nil, fmt.Errorf("%w: %s %v not in [%v, %v]", ErrOutOfRange, r.Name, f, r.Min, r.Max)
		}
		return int(n), nil
	}

	snapped := snap(f, r.Min, r.Step)
	if snapped < r.Min || snapped > r.Max {
		return nil, fmt.Errorf("%w: %s %v not in [%v, %v]", ErrOutOfRange, r.Name, f, r.Min, r.Max)
	}
	return snapped, nil
}

func snap(f, base, step float64) float64 {
	if step <= 0 {
		return f
	}
	n := math.Round((f - base) / step)
	out := base + n*step
	// trim float noise such as 21.600000000000001
	scale := math.Pow(10, decimals(step))
	return math.Round(out*scale) / scale
}

func decimals(step float64) float64 {
	d := 0.0
	for step < 1 && d < 6 {
		step *= 10
		d++
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
