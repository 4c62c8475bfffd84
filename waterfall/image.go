package waterfall

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"sync"
)

// Background is the colour of an empty waterfall
var Background = color.RGBA{R: 10, G: 10, B: 20, A: 255}

// Colour maps a magnitude to the waterfall palette: brightness is
// (mag/255)^1.4 and the colour runs from dark blue towards pale cyan.
func Colour(mag byte) color.RGBA {
	b := math.Pow(float64(mag)/255.0, 1.4)
	return color.RGBA{
		R: uint8(20 + 80*b),
		G: uint8(80 + 160*b),
		B: uint8(120 + 135*b),
		A: 255,
	}
}

// Image is a scrolling time/frequency picture. New columns enter at the
// right edge; the top row shows the highest bin.
type Image struct {
	mu  sync.Mutex
	img *image.RGBA
}

// NewImage creates a width x height waterfall filled with Background
func NewImage(width, height int) *Image {
	w := &Image{img: image.NewRGBA(image.Rect(0, 0, width, height))}
	w.clear()
	return w
}

// Bounds returns the image size
func (w *Image) Bounds() image.Rectangle {
	return w.img.Bounds()
}

// PushColumn scrolls the image left by one column and draws bins in the
// rightmost column. Empty frames are ignored.
func (w *Image) PushColumn(bins []byte) {
	if len(bins) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	b := w.img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width == 0 || height == 0 {
		return
	}

	for y := 0; y < height; y++ {
		row := w.img.Pix[y*w.img.Stride : y*w.img.Stride+width*4]
		copy(row, row[4:])
	}

	for y := 0; y < height; y++ {
		w.img.SetRGBA(width-1, y, Colour(bins[RowBin(y, height, len(bins))]))
	}
}

// RowBin returns which of n bins is drawn at row y of an image height rows
// tall. Row 0 is the top of the image and shows the highest bin.
func RowBin(y, height, n int) int {
	rel := 1 - float64(y)/float64(height)
	i := int(math.Floor(rel * float64(n)))
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return i
}

// Clear resets the image to Background
func (w *Image) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clear()
}

func (w *Image) clear() {
	b := w.img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			w.img.SetRGBA(x, y, Background)
		}
	}
}

// At returns the colour at x, y
func (w *Image) At(x, y int) color.RGBA {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.img.RGBAAt(x, y)
}

// WritePNG encodes the current picture as PNG
func (w *Image) WritePNG(out io.Writer) error {
	w.mu.Lock()
	snapshot := image.NewRGBA(w.img.Bounds())
	copy(snapshot.Pix, w.img.Pix)
	w.mu.Unlock()

	if err := png.Encode(out, snapshot); err != nil {
		return fmt.Errorf("encode waterfall png: %w", err)
	}
	return nil
}
