package armlink

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Normalization modes
const (
	NormModeDegrees   = 0 // Plain angles in degrees
	NormModeRange100  = 1 // Normalized to 0-100 range
	NormModeRangeM100 = 2 // Normalized to -100 to +100 range
)

// ServoLimit bounds the usable travel of one servo on the arm.
type ServoLimit struct {
	Index    int  `json:"index"`               // Position in the frame, 0-based
	Min      int  `json:"min"`                 // Minimum angle in degrees
	Max      int  `json:"max"`                 // Maximum angle in degrees
	Inverted bool `json:"inverted"`            // Mirror normalized values around the center
	NormMode int  `json:"norm_mode,omitempty"` // Normalization mode (optional, defaults to degrees)
}

// NewServoLimit creates a limit covering the full firmware range.
func NewServoLimit(index int) *ServoLimit {
	return &ServoLimit{
		Index:    index,
		Min:      MinAngle,
		Max:      MaxAngle,
		NormMode: NormModeDegrees,
	}
}

// DefaultLimits returns full-range limits for n servos.
func DefaultLimits(n int) []*ServoLimit {
	limits := make([]*ServoLimit, n)
	for i := range limits {
		limits[i] = NewServoLimit(i)
	}
	return limits
}

// Validate checks if the limit parameters are valid
func (c *ServoLimit) Validate() error {
	if c.Index < 0 {
		return fmt.Errorf("invalid servo index: %d", c.Index)
	}

	if c.Min >= c.Max {
		return fmt.Errorf("invalid range: min (%d) must be less than max (%d)", c.Min, c.Max)
	}

	if c.Min < MinAngle || c.Max > MaxAngle {
		return fmt.Errorf("range values must be between %d-%d, got min=%d max=%d", MinAngle, MaxAngle, c.Min, c.Max)
	}

	if c.NormMode < NormModeDegrees || c.NormMode > NormModeRangeM100 {
		return fmt.Errorf("invalid normalization mode: %d", c.NormMode)
	}

	return nil
}

// Clone creates a copy of the limit
func (c *ServoLimit) Clone() *ServoLimit {
	cp := *c
	return &cp
}

// Span returns the usable range size in degrees.
func (c *ServoLimit) Span() int {
	return c.Max - c.Min
}

// Center returns the middle of the usable range.
func (c *ServoLimit) Center() int {
	return (c.Min + c.Max) / 2
}

// Contains reports whether angle lies within the limit.
func (c *ServoLimit) Contains(angle int) bool {
	return angle >= c.Min && angle <= c.Max
}

// Clamp saturates angle into the limit.
func (c *ServoLimit) Clamp(angle int) int {
	return min(max(angle, c.Min), c.Max)
}

// Check returns an AngleError if angle lies outside the limit.
func (c *ServoLimit) Check(angle int) error {
	if !c.Contains(angle) {
		return &AngleError{Index: c.Index, Angle: angle, Min: c.Min, Max: c.Max}
	}
	return nil
}

// NormalizationModeString returns a human-readable string for the normalization mode
func (c *ServoLimit) NormalizationModeString() string {
	switch c.NormMode {
	case NormModeDegrees:
		return "Degrees"
	case NormModeRange100:
		return "0-100"
	case NormModeRangeM100:
		return "-100 to +100"
	default:
		return "Unknown"
	}
}

func (c *ServoLimit) String() string {
	direction := "Normal"
	if c.Inverted {
		direction = "Inverted"
	}
	return fmt.Sprintf("servo %d: range[%d-%d] %s %s",
		c.Index, c.Min, c.Max, c.NormalizationModeString(), direction)
}

// Normalize converts an angle to the limit's normalized scale.
func (c *ServoLimit) Normalize(angle int) float64 {
	a := float64(c.Clamp(angle))
	center := float64(c.Min+c.Max) / 2.0
	halfRange := float64(c.Max-c.Min) / 2.0

	var normalized float64
	switch c.NormMode {
	case NormModeRange100:
		normalized = (a - float64(c.Min)) / float64(c.Span()) * 100.0
		if c.Inverted {
			normalized = 100.0 - normalized
		}
	case NormModeRangeM100:
		normalized = (a - center) / halfRange * 100.0
		if c.Inverted {
			normalized = -normalized
		}
	default:
		normalized = a
		if c.Inverted {
			normalized = 2*center - normalized
		}
	}
	return normalized
}

// Denormalize converts a normalized value back to an angle within the limit.
func (c *ServoLimit) Denormalize(value float64) int {
	center := float64(c.Min+c.Max) / 2.0
	halfRange := float64(c.Max-c.Min) / 2.0

	var angle float64
	switch c.NormMode {
	case NormModeRange100:
		v := math.Max(0, math.Min(100, value))
		if c.Inverted {
			v = 100.0 - v
		}
		angle = float64(c.Min) + v/100.0*float64(c.Span())
	case NormModeRangeM100:
		v := math.Max(-100, math.Min(100, value))
		if c.Inverted {
			v = -v
		}
		angle = center + v/100.0*halfRange
	default:
		angle = value
		if c.Inverted {
			angle = 2*center - angle
		}
	}
	return c.Clamp(int(math.Round(angle)))
}

// LoadLimits reads servo limits from a JSON file keyed by joint name.
func LoadLimits(filename string) ([]*ServoLimit, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read limits file: %w", err)
	}

	var byName map[string]*ServoLimit
	if err := json.Unmarshal(data, &byName); err != nil {
		return nil, fmt.Errorf("failed to parse limits file: %w", err)
	}

	maxIndex := -1
	seen := make(map[int]string, len(byName))
	for name, l := range byName {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("invalid limits for joint %s: %w", name, err)
		}
		if other, dup := seen[l.Index]; dup {
			return nil, fmt.Errorf("joints %s and %s share servo index %d", other, name, l.Index)
		}
		seen[l.Index] = name
		maxIndex = max(maxIndex, l.Index)
	}

	limits := DefaultLimits(maxIndex + 1)
	for _, l := range byName {
		limits[l.Index] = l
	}
	return limits, nil
}

// SaveLimits writes servo limits to a JSON file keyed by joint name.
func SaveLimits(filename string, limits []*ServoLimit, names map[int]string) error {
	byName := make(map[string]*ServoLimit, len(limits))
	for _, l := range limits {
		name, ok := names[l.Index]
		if !ok {
			name = fmt.Sprintf("servo_%d", l.Index)
		}
		byName[name] = l
	}

	data, err := json.MarshalIndent(byName, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal limits: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write limits file: %w", err)
	}

	return nil
}
