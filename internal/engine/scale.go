package engine

import (
	"errors"
	"strconv"
)

// Card is a single value on a voting scale.
type Card string

// Special cards may appear on any scale. They are legal votes but never
// enter numeric statistics.
const (
	CardUnsure Card = "?"
	CardCoffee Card = "coffee"
)

// Scale is the ordered set of legal vote values for a session. Order matters:
// outlier detection measures distance in list positions, not arithmetic
// distance, so non-linear scales like Fibonacci behave sensibly.
type Scale struct {
	Name   string `json:"name"`
	Values []Card `json:"values"`

	numeric map[Card]float64
	index   map[Card]int
}

// Built-in scale names accepted by NewScale.
const (
	ScaleFibonacci = "fibonacci"
	ScaleTShirt    = "tshirt"
	ScalePowers    = "powers"
)

var builtinScales = map[string][]Card{
	ScaleFibonacci: {"1", "2", "3", "5", "8", "13", "21", CardUnsure, CardCoffee},
	ScaleTShirt:    {"XS", "S", "M", "L", "XL"},
	ScalePowers:    {"1", "2", "4", "8", "16", "32"},
}

// NewScale builds a scale from a built-in name, or from a custom value list
// when values is non-empty (name is then just a label).
func NewScale(name string, values []Card) (Scale, error) {
	if len(values) == 0 {
		builtin, ok := builtinScales[name]
		if !ok {
			return Scale{}, errors.New("unknown scale: " + name)
		}
		values = builtin
	}
	s := Scale{Name: name, Values: values}
	s.reindex()
	return s, nil
}

// DefaultScale is used when a create request names no scale.
func DefaultScale() Scale {
	s, _ := NewScale(ScaleFibonacci, nil)
	return s
}

func (s *Scale) reindex() {
	s.numeric = make(map[Card]float64, len(s.Values))
	s.index = make(map[Card]int, len(s.Values))
	for i, v := range s.Values {
		s.index[v] = i
		if v == CardUnsure || v == CardCoffee {
			continue
		}
		if n, err := strconv.ParseFloat(string(v), 64); err == nil {
			s.numeric[v] = n
		}
	}
}

func (s Scale) ensureIndexed() Scale {
	if s.index == nil {
		s.reindex()
	}
	return s
}

// Contains reports whether v is a legal vote on this scale.
func (s Scale) Contains(v Card) bool {
	s = s.ensureIndexed()
	_, ok := s.index[v]
	return ok
}

// IndexOf returns v's position in the ordered value list.
func (s Scale) IndexOf(v Card) (int, bool) {
	s = s.ensureIndexed()
	i, ok := s.index[v]
	return i, ok
}

// NumericValue returns v as a number. Special cards and non-numeric values
// (t-shirt sizes) have no numeric value.
func (s Scale) NumericValue(v Card) (float64, bool) {
	s = s.ensureIndexed()
	n, ok := s.numeric[v]
	return n, ok
}

// IsNumeric reports whether the scale supports numeric statistics: every
// value except the special cards parses as a number.
func (s Scale) IsNumeric() bool {
	s = s.ensureIndexed()
	for _, v := range s.Values {
		if v == CardUnsure || v == CardCoffee {
			continue
		}
		if _, ok := s.numeric[v]; !ok {
			return false
		}
	}
	return len(s.numeric) > 0
}
