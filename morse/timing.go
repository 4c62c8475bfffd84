package morse

import "time"

// Timing holds the element durations derived from a words-per-minute speed.
// Uses the PARIS standard: one unit is 1200/wpm milliseconds.
type Timing struct {
	Unit      time.Duration
	Dit       time.Duration // 1 unit
	Dah       time.Duration // 3 units
	IntraChar time.Duration // gap between symbols of a character, 1 unit
	InterChar time.Duration // gap between characters, 3 units
	InterWord time.Duration // gap between words, 7 units
}

// TimingFor returns the element durations for wpm.
// Non-positive speeds are treated as 1 wpm.
func TimingFor(wpm int) Timing {
	if wpm < 1 {
		wpm = 1
	}
	unit := 1200 * time.Millisecond / time.Duration(wpm)
	return Timing{
		Unit:      unit,
		Dit:       unit,
		Dah:       3 * unit,
		IntraChar: unit,
		InterChar: 3 * unit,
		InterWord: 7 * unit,
	}
}

// CallsignDuration returns how long text takes to send at wpm, counting
// only supported characters and the gaps between them.
func CallsignDuration(text string, wpm int) time.Duration {
	t := TimingFor(wpm)
	var total time.Duration
	chars := 0
	for _, ch := range text {
		p, ok := Pattern(ch)
		if !ok {
			continue
		}
		if chars > 0 {
			total += t.InterChar
		}
		chars++
		for i, sym := range p {
			if i > 0 {
				total += t.IntraChar
			}
			if sym == '-' {
				total += t.Dah
			} else {
				total += t.Dit
			}
		}
	}
	return total
}
