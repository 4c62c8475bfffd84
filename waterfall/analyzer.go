package waterfall

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// DefaultFFTSize is the analysis window length in samples
	DefaultFFTSize = 2048

	// DefaultSmoothing blends each spectrum with the previous one
	DefaultSmoothing = 0.8

	// DefaultMinDecibels maps to byte 0
	DefaultMinDecibels = -100.0

	// DefaultMaxDecibels maps to byte 255
	DefaultMaxDecibels = -30.0
)

// Analyzer keeps the most recent FFTSize samples of a PCM stream and turns
// them into byte magnitudes per frequency bin, smoothed over time.
type Analyzer struct {
	SampleRate  int
	Smoothing   float64
	MinDecibels float64
	MaxDecibels float64

	mu       sync.Mutex
	fftSize  int
	fft      *fourier.FFT
	window   []float64
	ring     []float64
	pos      int
	smoothed []float64
	scratch  []float64
	coeffs   []complex128
}

// NewAnalyzer creates an analyzer for sampleRate using a Hann window of
// fftSize samples. fftSize <= 0 selects DefaultFFTSize.
func NewAnalyzer(sampleRate, fftSize int) *Analyzer {
	if fftSize <= 0 {
		fftSize = DefaultFFTSize
	}

	a := &Analyzer{
		SampleRate:  sampleRate,
		Smoothing:   DefaultSmoothing,
		MinDecibels: DefaultMinDecibels,
		MaxDecibels: DefaultMaxDecibels,
		fftSize:     fftSize,
		fft:         fourier.NewFFT(fftSize),
		window:      make([]float64, fftSize),
		ring:        make([]float64, fftSize),
		smoothed:    make([]float64, fftSize/2),
		scratch:     make([]float64, fftSize),
	}

	// Hann window
	for i := 0; i < fftSize; i++ {
		a.window[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(fftSize-1)))
	}

	return a
}

// FFTSize returns the analysis length
func (a *Analyzer) FFTSize() int {
	return a.fftSize
}

// BinCount returns the number of bins Frame produces
func (a *Analyzer) BinCount() int {
	return a.fftSize / 2
}

// Write appends PCM samples to the analysis window
func (a *Analyzer) Write(samples []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range samples {
		a.ring[a.pos] = float64(s) / 32768.0
		a.pos = (a.pos + 1) % a.fftSize
	}
}

// Frame analyses the current window and returns one byte per bin.
// Each call advances the smoothing state.
func (a *Analyzer) Frame() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Oldest sample first, windowed
	for i := 0; i < a.fftSize; i++ {
		a.scratch[i] = a.ring[(a.pos+i)%a.fftSize] * a.window[i]
	}

	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)

	out := make([]byte, len(a.smoothed))
	span := a.MaxDecibels - a.MinDecibels
	for i := range a.smoothed {
		mag := math.Hypot(real(a.coeffs[i]), imag(a.coeffs[i])) / float64(a.fftSize)
		a.smoothed[i] = a.Smoothing*a.smoothed[i] + (1-a.Smoothing)*mag

		db := math.Inf(-1)
		if a.smoothed[i] > 0 {
			db = 20 * math.Log10(a.smoothed[i])
		}
		scaled := 255 * (db - a.MinDecibels) / span
		switch {
		case math.IsNaN(scaled) || scaled <= 0:
			out[i] = 0
		case scaled >= 255:
			out[i] = 255
		default:
			out[i] = byte(scaled)
		}
	}
	return out
}

// Reset clears the sample window and smoothing state
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.ring {
		a.ring[i] = 0
	}
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
	a.pos = 0
}
