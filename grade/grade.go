// Package grade applies viewing adjustments (exposure, color matrix, gamma)
// to float frames and owns the settings snapshot discipline: one mutex
// guards a single Settings value, and each frame's processing starts from a
// copy so it can never observe a half-updated configuration.
package grade

import (
	"image"
	"math"
	"sync"

	"github.com/nfnt/resize"
	"gonum.org/v1/gonum/mat"

	"github.com/stevecastle/parallax/frame"
)

// StereoMode selects how a stereo clip is presented.
type StereoMode int

const (
	StereoLeft StereoMode = iota
	StereoRight
	StereoSBS
)

func (m StereoMode) String() string {
	switch m {
	case StereoRight:
		return "right"
	case StereoSBS:
		return "sbs"
	default:
		return "left"
	}
}

// Settings is the complete per-frame viewing configuration. Copy by value.
type Settings struct {
	Exposure    float64 // stops
	Gamma       float64
	Scale       float64 // preview scale factor
	Stereo      StereoMode
	WarpEnabled bool
	ColorMatrix [9]float64 // row-major 3x3, applied after exposure
}

// DefaultSettings returns a neutral grade.
func DefaultSettings() Settings {
	return Settings{
		Gamma:       1,
		Scale:       1,
		ColorMatrix: Identity(),
	}
}

// Identity returns the no-op color matrix.
func Identity() [9]float64 {
	return [9]float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}
}

// Store guards the live Settings. Writers mutate through Update; readers
// take a Snapshot at the start of each frame and never touch the live value.
type Store struct {
	mu sync.Mutex
	s  Settings
}

func NewStore() *Store {
	return &Store{s: DefaultSettings()}
}

// Snapshot returns a copy of the current settings.
func (st *Store) Snapshot() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

// Update applies fn to the live settings under the lock.
func (st *Store) Update(fn func(*Settings)) {
	st.mu.Lock()
	fn(&st.s)
	st.mu.Unlock()
}

// Set replaces the live settings.
func (st *Store) Set(s Settings) {
	st.mu.Lock()
	st.s = s
	st.mu.Unlock()
}

// Apply grades buf in place: exposure gain, color matrix, gamma curve.
// Negative values are clamped to zero before the gamma power.
func Apply(buf *frame.Buffer, s Settings) {
	gain := math.Pow(2, s.Exposure)

	m := mat.NewDense(3, 3, s.ColorMatrix[:])
	identity := s.ColorMatrix == Identity()

	in := mat.NewVecDense(3, nil)
	out := mat.NewVecDense(3, nil)

	invGamma := 1.0
	if s.Gamma > 0 {
		invGamma = 1 / s.Gamma
	}

	for i := 0; i < len(buf.Data); i += 3 {
		r := float64(buf.Data[i+0]) * gain
		g := float64(buf.Data[i+1]) * gain
		b := float64(buf.Data[i+2]) * gain

		if !identity {
			in.SetVec(0, r)
			in.SetVec(1, g)
			in.SetVec(2, b)
			out.MulVec(m, in)
			r, g, b = out.AtVec(0), out.AtVec(1), out.AtVec(2)
		}

		if s.Gamma != 1 && s.Gamma != 0 {
			r = gammaCurve(r, invGamma)
			g = gammaCurve(g, invGamma)
			b = gammaCurve(b, invGamma)
		}

		buf.Data[i+0] = float32(r)
		buf.Data[i+1] = float32(g)
		buf.Data[i+2] = float32(b)
	}
}

func gammaCurve(v, invGamma float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Pow(v, invGamma)
}

// Preview grades a copy of buf and quantizes it to a display image, scaled
// by s.Scale with bilinear filtering.
func Preview(buf *frame.Buffer, s Settings) image.Image {
	graded := buf.Clone()
	Apply(graded, s)
	img := graded.ToRGBA()
	if s.Scale > 0 && s.Scale != 1 {
		w := uint(float64(buf.Width)*s.Scale + 0.5)
		return resize.Resize(w, 0, img, resize.Bilinear)
	}
	return img
}
