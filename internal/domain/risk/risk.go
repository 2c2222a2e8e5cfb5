// Package risk defines tool-call risk levels and input-driven escalation.
package risk

import "fmt"

// Level classifies a tool call's potential for harm.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// rank orders levels for escalation comparisons. Higher is riskier.
var rank = map[Level]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// Rank returns the ordinal position of the level (low=0 .. critical=3).
func (l Level) Rank() int {
	return rank[l]
}

// Valid reports whether the level is one of the four defined values.
func (l Level) Valid() bool {
	_, ok := rank[l]
	return ok
}

// Parse converts a string to a Level.
func Parse(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return l, nil
}

// Max returns the riskier of two levels.
func Max(a, b Level) Level {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
