package waterfall

import "math"

// Downsample reduces raw to n bins by taking the maximum of each group.
// Only raw[:limit] is considered; limit <= 0 or beyond len(raw) means all
// of raw. Output bin i covers [floor(i*s), floor((i+1)*s)) with
// s = limit/n. When the input is shorter than n, bins that cover no input
// sample repeat the nearest sample at or below them.
func Downsample(raw []byte, n, limit int) []byte {
	if n <= 0 {
		return nil
	}
	if limit <= 0 || limit > len(raw) {
		limit = len(raw)
	}
	out := make([]byte, n)
	if limit == 0 {
		return out
	}

	s := float64(limit) / float64(n)
	for i := 0; i < n; i++ {
		start := int(math.Floor(float64(i) * s))
		end := int(math.Floor(float64(i+1) * s))
		if end > limit {
			end = limit
		}
		if start >= limit {
			start = limit - 1
		}
		if end <= start {
			out[i] = raw[start]
			continue
		}
		var peak byte
		for _, v := range raw[start:end] {
			if v > peak {
				peak = v
			}
		}
		out[i] = peak
	}
	return out
}

// BinLimit returns how many FFT bins lie below maxHz for an analysis of
// fftSize samples at sampleRate. Zero maxHz selects every bin.
func BinLimit(maxHz float64, sampleRate, fftSize int) int {
	bins := fftSize / 2
	if maxHz <= 0 || sampleRate <= 0 {
		return bins
	}
	binWidth := float64(sampleRate) / float64(fftSize)
	limit := int(math.Ceil(maxHz / binWidth))
	if limit < 1 {
		limit = 1
	}
	if limit > bins {
		limit = bins
	}
	return limit
}
