package waterfall

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
	"testing"
	"time"
)

func TestGate(t *testing.T) {
	g := NewGate(DefaultMinInterval)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	steps := []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},
		{16 * time.Millisecond, false},
		{99 * time.Millisecond, false},
		{100 * time.Millisecond, true},
		{150 * time.Millisecond, false},
		{216 * time.Millisecond, true},
	}
	for _, s := range steps {
		if got := g.Allow(start.Add(s.offset)); got != s.want {
			t.Errorf("Allow(+%v) = %v, want %v", s.offset, got, s.want)
		}
	}

	g.Reset()
	if !g.Allow(start.Add(217 * time.Millisecond)) {
		t.Error("first frame after reset rejected")
	}
}

func TestDownsampleMaxPool(t *testing.T) {
	raw := []byte{1, 9, 3, 4, 5, 6, 7, 2}
	got := Downsample(raw, 4, 0)
	want := []byte{9, 4, 6, 7}
	if !bytes.Equal(got, want) {
		t.Fatalf("Downsample = %v, want %v", got, want)
	}
}

func TestDownsampleLimit(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 200, 200, 200, 200}
	got := Downsample(raw, 2, 4)
	if !bytes.Equal(got, []byte{2, 4}) {
		t.Fatalf("Downsample with limit = %v", got)
	}
}

func TestDownsampleUneven(t *testing.T) {
	raw := make([]byte, 1024)
	for i := range raw {
		raw[i] = byte(i % 256)
	}
	got := Downsample(raw, DefaultBins, 0)
	if len(got) != DefaultBins {
		t.Fatalf("len = %d", len(got))
	}
	// bin 0 covers raw[0:8]
	if got[0] != 7 {
		t.Errorf("bin 0 = %d, want 7", got[0])
	}
}

func TestDownsampleShortInput(t *testing.T) {
	got := Downsample([]byte{10, 20}, 4, 0)
	if !bytes.Equal(got, []byte{10, 10, 20, 20}) {
		t.Fatalf("Downsample short = %v", got)
	}
	if got := Downsample(nil, 4, 0); !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("Downsample empty = %v", got)
	}
}

func TestBinLimit(t *testing.T) {
	// 12000 Hz / 2048 = 5.86 Hz per bin
	if got := BinLimit(3000, 12000, 2048); got != 512 {
		t.Errorf("BinLimit(3000) = %d, want 512", got)
	}
	if got := BinLimit(0, 12000, 2048); got != 1024 {
		t.Errorf("BinLimit(0) = %d, want 1024", got)
	}
	if got := BinLimit(1e9, 12000, 2048); got != 1024 {
		t.Errorf("BinLimit(huge) = %d, want 1024", got)
	}
}

func TestAnalyzerFindsTone(t *testing.T) {
	const rate = 12000
	a := NewAnalyzer(rate, 0)

	samples := make([]int16, a.FFTSize())
	for i := range samples {
		samples[i] = int16(0.5 * math.MaxInt16 * math.Sin(2*math.Pi*600*float64(i)/rate))
	}

	var frame []byte
	for i := 0; i < 20; i++ {
		a.Write(samples)
		frame = a.Frame()
	}
	if len(frame) != a.BinCount() {
		t.Fatalf("frame len = %d, want %d", len(frame), a.BinCount())
	}

	peak := 0
	for i, v := range frame {
		if v > frame[peak] {
			peak = i
		}
	}
	toneBin := int(math.Round(600 * float64(a.FFTSize()) / rate))
	if peak < toneBin-2 || peak > toneBin+2 {
		t.Errorf("peak at bin %d, want near %d", peak, toneBin)
	}
	if frame[peak] < 200 {
		t.Errorf("peak magnitude %d unexpectedly low", frame[peak])
	}
	if frame[a.BinCount()-1] > 50 {
		t.Errorf("top bin %d unexpectedly loud", frame[a.BinCount()-1])
	}
}

func TestAnalyzerSilence(t *testing.T) {
	a := NewAnalyzer(12000, 256)
	a.Write(make([]int16, 256))
	for _, v := range a.Frame() {
		if v != 0 {
			t.Fatalf("silence produced magnitude %d", v)
		}
	}
}

func TestColour(t *testing.T) {
	if got := Colour(0); got != (color.RGBA{R: 20, G: 80, B: 120, A: 255}) {
		t.Errorf("Colour(0) = %v", got)
	}
	if got := Colour(255); got != (color.RGBA{R: 100, G: 240, B: 255, A: 255}) {
		t.Errorf("Colour(255) = %v", got)
	}
}

func TestRowBin(t *testing.T) {
	if got := RowBin(0, 100, 128); got != 127 {
		t.Errorf("top row bin = %d, want 127", got)
	}
	if got := RowBin(99, 100, 128); got != 1 {
		t.Errorf("bottom row bin = %d, want 1", got)
	}
	if got := RowBin(50, 100, 128); got != 64 {
		t.Errorf("middle row bin = %d, want 64", got)
	}
}

func TestImageScrollsLeft(t *testing.T) {
	img := NewImage(3, 2)

	loud := []byte{255, 255}
	img.PushColumn(loud)
	if got := img.At(2, 0); got != Colour(255) {
		t.Fatalf("new column = %v", got)
	}
	if got := img.At(1, 0); got != Background {
		t.Fatalf("column 1 before scroll = %v", got)
	}

	img.PushColumn([]byte{0, 0})
	if got := img.At(1, 0); got != Colour(255) {
		t.Errorf("column did not scroll left: %v", got)
	}
	if got := img.At(2, 0); got != Colour(0) {
		t.Errorf("rightmost column = %v, want quiet colour", got)
	}

	img.PushColumn(nil)
	if got := img.At(2, 0); got != Colour(0) {
		t.Errorf("empty frame changed the image")
	}

	img.Clear()
	if got := img.At(1, 0); got != Background {
		t.Errorf("clear left %v", got)
	}
}

func TestImageWritePNG(t *testing.T) {
	img := NewImage(16, 8)
	img.PushColumn([]byte{0, 128, 255})

	var buf bytes.Buffer
	if err := img.WritePNG(&buf); err != nil {
		t.Fatal(err)
	}
	decoded, err := png.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Bounds().Dx() != 16 || decoded.Bounds().Dy() != 8 {
		t.Fatalf("bounds = %v", decoded.Bounds())
	}
}
