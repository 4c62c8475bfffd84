package pileup

import "math"

// Config holds the transmission parameters shared by every session
type Config struct {
	WPM               int `json:"wpm"`
	DelayBetweenItems int `json:"delayBetweenItems"` // milliseconds
	DitFrequency      int `json:"ditFrequency"`      // Hz
	DahFrequency      int `json:"dahFrequency"`      // Hz
}

// DefaultConfig returns the settings a fresh server starts with
func DefaultConfig() Config {
	return Config{
		WPM:               20,
		DelayBetweenItems: 1000,
		DitFrequency:      600,
		DahFrequency:      600,
	}
}

// Range is an inclusive integer bound
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Contains reports whether v lies within the range
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// Bounds are the accepted ranges for each config field
type Bounds struct {
	WPM       Range `yaml:"wpm" json:"wpm"`
	Delay     Range `yaml:"delay_between_items" json:"delayBetweenItems"`
	Frequency Range `yaml:"frequency" json:"frequency"` // applies to both dit and dah
}

// DefaultBounds returns the standard limits
func DefaultBounds() Bounds {
	return Bounds{
		WPM:       Range{Min: 5, Max: 50},
		Delay:     Range{Min: 0, Max: 10000},
		Frequency: Range{Min: 200, Max: 1500},
	}
}

// Valid reports whether every field of c is within b
func (b Bounds) Valid(c Config) bool {
	return b.WPM.Contains(c.WPM) &&
		b.Delay.Contains(c.DelayBetweenItems) &&
		b.Frequency.Contains(c.DitFrequency) &&
		b.Frequency.Contains(c.DahFrequency)
}

// ConfigPatch is a partial config update. A nil field was not sent.
type ConfigPatch struct {
	WPM               *float64
	DelayBetweenItems *float64
	DitFrequency      *float64
	DahFrequency      *float64
}

// Empty reports whether the patch carries no fields at all
func (p ConfigPatch) Empty() bool {
	return p.WPM == nil && p.DelayBetweenItems == nil && p.DitFrequency == nil && p.DahFrequency == nil
}

// patchValue converts a patch field to an int within r.
// ok is false for absent, non-finite or out-of-range values.
func patchValue(v *float64, r Range) (int, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	rounded := math.Round(*v)
	if rounded < math.MinInt32 || rounded > math.MaxInt32 {
		return 0, false
	}
	n := int(rounded)
	if !r.Contains(n) {
		return 0, false
	}
	return n, true
}

// Apply merges the valid fields of p into c and reports which changed value.
// Invalid fields are dropped.
func (p ConfigPatch) Apply(c Config, b Bounds) (Config, []string) {
	var changed []string

	if v, ok := patchValue(p.WPM, b.WPM); ok && v != c.WPM {
		c.WPM = v
		changed = append(changed, "wpm")
	}
	if v, ok := patchValue(p.DelayBetweenItems, b.Delay); ok && v != c.DelayBetweenItems {
		c.DelayBetweenItems = v
		changed = append(changed, "delayBetweenItems")
	}
	if v, ok := patchValue(p.DitFrequency, b.Frequency); ok && v != c.DitFrequency {
		c.DitFrequency = v
		changed = append(changed, "ditFrequency")
	}
	if v, ok := patchValue(p.DahFrequency, b.Frequency); ok && v != c.DahFrequency {
		c.DahFrequency = v
		changed = append(changed, "dahFrequency")
	}

	return c, changed
}
