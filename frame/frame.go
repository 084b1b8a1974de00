// Package frame provides the float RGB frame buffer exchanged between the
// decoder, the grading/warp pipeline, and the frame writers.
package frame

import (
	"fmt"
	"image"
	"image/color"

	"github.com/mdouchement/hdr/hdrcolor"
)

// StereoView selects an eye from a stereo clip.
type StereoView int

const (
	ViewLeft StereoView = iota
	ViewRight
)

func (v StereoView) String() string {
	if v == ViewRight {
		return "right"
	}
	return "left"
}

// Buffer is an RGB float32 frame, interleaved row-major. The pipeline owns
// these buffers; nothing downstream retains them past a call.
type Buffer struct {
	Width  int
	Height int
	Data   []float32
}

// New returns a zeroed buffer of the given size.
func New(width, height int) *Buffer {
	b := &Buffer{}
	b.Resize(width, height)
	return b
}

// Resize adjusts dimensions, reusing the payload when capacity allows.
func (b *Buffer) Resize(width, height int) {
	b.Width = width
	b.Height = height
	n := width * height * 3
	if cap(b.Data) >= n {
		b.Data = b.Data[:n]
		return
	}
	b.Data = make([]float32, n)
}

// Clone returns a deep copy.
func (b *Buffer) Clone() *Buffer {
	out := New(b.Width, b.Height)
	copy(out.Data, b.Data)
	return out
}

// PixelCount returns the number of pixels.
func (b *Buffer) PixelCount() int { return b.Width * b.Height }

// MergeSBS concatenates left and right horizontally into one side-by-side
// frame. Heights must match.
func MergeSBS(left, right *Buffer) (*Buffer, error) {
	if left.Height != right.Height {
		return nil, fmt.Errorf("frame: SBS height mismatch %d vs %d", left.Height, right.Height)
	}
	out := New(left.Width+right.Width, left.Height)

	leftStride := left.Width * 3
	rightStride := right.Width * 3
	outStride := out.Width * 3

	for y := 0; y < out.Height; y++ {
		copy(out.Data[y*outStride:], left.Data[y*leftStride:(y+1)*leftStride])
		copy(out.Data[y*outStride+leftStride:], right.Data[y*rightStride:(y+1)*rightStride])
	}
	return out, nil
}

// ToRGBA quantizes the buffer to an 8-bit image, clamping to [0, 1] and
// rounding to nearest.
func (b *Buffer) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			s := b.Data[(y*b.Width+x)*3:]
			d := img.Pix[y*img.Stride+x*4:]
			d[0] = quantize8(s[0])
			d[1] = quantize8(s[1])
			d[2] = quantize8(s[2])
			d[3] = 255
		}
	}
	return img
}

// FromImage normalizes any image into a float buffer with channels in [0, 1].
func FromImage(img image.Image) *Buffer {
	bounds := img.Bounds()
	b := New(bounds.Dx(), bounds.Dy())
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			r, g, bl, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := (y*b.Width + x) * 3
			b.Data[i+0] = float32(r) / 65535.0
			b.Data[i+1] = float32(g) / 65535.0
			b.Data[i+2] = float32(bl) / 65535.0
		}
	}
	return b
}

func quantize8(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

// Buffer doubles as an hdr.Image so the Radiance encoder can stream it
// without a copy.

func (b *Buffer) ColorModel() color.Model { return hdrcolor.RGBModel }

func (b *Buffer) Bounds() image.Rectangle { return image.Rect(0, 0, b.Width, b.Height) }

func (b *Buffer) At(x, y int) color.Color { return b.HDRAt(x, y) }

func (b *Buffer) HDRAt(x, y int) hdrcolor.Color {
	i := (y*b.Width + x) * 3
	return hdrcolor.RGB{R: float64(b.Data[i]), G: float64(b.Data[i+1]), B: float64(b.Data[i+2])}
}

func (b *Buffer) Size() int { return b.PixelCount() }
