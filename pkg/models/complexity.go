package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Complexity is the ordinal difficulty rating of a subtask. It drives both
// model selection and the default reasoning strategy.
type Complexity int

const (
	// ComplexityTrivial is a lookup or one-line change.
	ComplexityTrivial Complexity = iota + 1
	// ComplexitySimple is a small, well-understood change.
	ComplexitySimple
	// ComplexityMedium needs some design but stays within one area.
	ComplexityMedium
	// ComplexityComplex spans several areas or has subtle edge cases.
	ComplexityComplex
	// ComplexityExpert needs deep domain knowledge or novel design.
	ComplexityExpert
)

var complexityNames = map[Complexity]string{
	ComplexityTrivial: "TRIVIAL",
	ComplexitySimple:  "SIMPLE",
	ComplexityMedium:  "MEDIUM",
	ComplexityComplex: "COMPLEX",
	ComplexityExpert:  "EXPERT",
}

// AllComplexities lists every complexity in ascending order.
func AllComplexities() []Complexity {
	return []Complexity{ComplexityTrivial, ComplexitySimple, ComplexityMedium, ComplexityComplex, ComplexityExpert}
}

// Valid returns true if the complexity is a known value.
func (c Complexity) Valid() bool {
	return c >= ComplexityTrivial && c <= ComplexityExpert
}

// String returns the upper-case name of the complexity.
func (c Complexity) String() string {
	if name, ok := complexityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Complexity(%d)", int(c))
}

// ParseComplexity accepts a name (any case) or the ordinal 1-5.
func ParseComplexity(s string) (Complexity, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		c := Complexity(n)
		if !c.Valid() {
			return 0, fmt.Errorf("complexity %d out of range 1-5", n)
		}
		return c, nil
	}
	upper := strings.ToUpper(s)
	for c, name := range complexityNames {
		if name == upper {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown complexity %q", s)
}

// MarshalText encodes the complexity by name.
func (c Complexity) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid complexity %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText decodes a name or ordinal.
func (c *Complexity) UnmarshalText(text []byte) error {
	parsed, err := ParseComplexity(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
