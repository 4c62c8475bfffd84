package pileup

import (
	"math"
	"reflect"
	"testing"
)

func f(v float64) *float64 { return &v }

func TestUpdateConfigMerge(t *testing.T) {
	tests := []struct {
		name    string
		patch   ConfigPatch
		want    Config
		changed []string
	}{
		{
			name:  "out of bound wpm dropped",
			patch: ConfigPatch{WPM: f(999)},
			want:  DefaultConfig(),
		},
		{
			name:    "valid wpm only changes wpm",
			patch:   ConfigPatch{WPM: f(25)},
			want:    Config{WPM: 25, DelayBetweenItems: 1000, DitFrequency: 600, DahFrequency: 600},
			changed: []string{"wpm"},
		},
		{
			name:    "mixed valid and invalid",
			patch:   ConfigPatch{WPM: f(4), DelayBetweenItems: f(0), DitFrequency: f(700), DahFrequency: f(1501)},
			want:    Config{WPM: 20, DelayBetweenItems: 0, DitFrequency: 700, DahFrequency: 600},
			changed: []string{"delayBetweenItems", "ditFrequency"},
		},
		{
			name:    "fractional values are rounded",
			patch:   ConfigPatch{WPM: f(24.6)},
			want:    Config{WPM: 25, DelayBetweenItems: 1000, DitFrequency: 600, DahFrequency: 600},
			changed: []string{"wpm"},
		},
		{
			name:  "non finite dropped",
			patch: ConfigPatch{WPM: f(math.NaN()), DelayBetweenItems: f(math.Inf(1))},
			want:  DefaultConfig(),
		},
		{
			name:  "same value is no change",
			patch: ConfigPatch{WPM: f(20), DitFrequency: f(600)},
			want:  DefaultConfig(),
		},
		{
			name:  "empty patch",
			patch: ConfigPatch{},
			want:  DefaultConfig(),
		},
		{
			name:    "bounds are inclusive",
			patch:   ConfigPatch{WPM: f(50), DelayBetweenItems: f(10000), DitFrequency: f(200), DahFrequency: f(1500)},
			want:    Config{WPM: 50, DelayBetweenItems: 10000, DitFrequency: 200, DahFrequency: 1500},
			changed: []string{"wpm", "delayBetweenItems", "ditFrequency", "dahFrequency"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(DefaultConfig())
			changed := s.UpdateConfig(tt.patch)
			if !reflect.DeepEqual(changed, tt.changed) {
				t.Errorf("changed = %v, want %v", changed, tt.changed)
			}
			if got := s.Config(); got != tt.want {
				t.Errorf("config = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCustomBounds(t *testing.T) {
	b := DefaultBounds()
	b.WPM = Range{Min: 10, Max: 15}
	s := NewStore(Config{WPM: 12, DelayBetweenItems: 0, DitFrequency: 600, DahFrequency: 600}, WithBounds(b))

	if changed := s.UpdateConfig(ConfigPatch{WPM: f(20)}); len(changed) != 0 {
		t.Fatalf("wpm 20 accepted under max 15: %v", changed)
	}
	if changed := s.UpdateConfig(ConfigPatch{WPM: f(15)}); len(changed) != 1 {
		t.Fatalf("wpm 15 rejected: %v", changed)
	}
}

func TestBoundsValid(t *testing.T) {
	b := DefaultBounds()
	if !b.Valid(DefaultConfig()) {
		t.Fatal("default config outside default bounds")
	}
	if b.Valid(Config{WPM: 60, DelayBetweenItems: 0, DitFrequency: 600, DahFrequency: 600}) {
		t.Fatal("wpm 60 reported valid")
	}
}
