// Package decode defines the capability boundary to RAW clip decoders. The
// rest of the pipeline depends only on this interface and the float frame
// buffers it fills, never on any vendor SDK types.
package decode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stevecastle/parallax/frame"
)

// DecodeTimeout bounds a single frame decode. The warp and grading stages
// are pure computation and carry no timeout of their own.
const DecodeTimeout = 30 * time.Second

// ClipInfo describes an opened clip.
type ClipInfo struct {
	Path       string
	Width      int
	Height     int
	FrameCount int
	FrameRate  float64
	ViewCount  int
	HasStereo  bool
}

// Settings are the per-clip decode parameters. A copy is taken at the start
// of each frame's processing; see grade.Store for the snapshot discipline.
type Settings struct {
	WhiteBalanceTemp float64
	WhiteBalanceTint float64
	ISO              float64
	ExposureAdjust   float64
	UseGPU           bool
}

// DefaultSettings mirrors the camera-neutral defaults.
func DefaultSettings() Settings {
	return Settings{
		WhiteBalanceTemp: 5600,
		WhiteBalanceTint: 10,
		ISO:              800,
		UseGPU:           true,
	}
}

// Decoder produces planar float RGB frames from a clip. Implementations are
// not required to be safe for concurrent DecodeFrame calls.
type Decoder interface {
	Open(path string) error
	Info() ClipInfo
	DecodeFrame(ctx context.Context, frameIndex int, view frame.StereoView, out *frame.Buffer) error
	Close() error
}

var ErrNotOpen = errors.New("decode: no clip open")

// GpuContext is an explicitly owned handle to the decoder's GPU pipeline.
// Decoders that accelerate on the GPU receive one at construction and must
// Acquire before first use and Release when done; there is no process-wide
// shared context.
type GpuContext struct {
	mu       sync.Mutex
	acquired bool
}

func NewGpuContext() *GpuContext { return &GpuContext{} }

func (g *GpuContext) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.acquired {
		return errors.New("decode: gpu context already acquired")
	}
	g.acquired = true
	return nil
}

func (g *GpuContext) Release() {
	g.mu.Lock()
	g.acquired = false
	g.mu.Unlock()
}

func (g *GpuContext) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acquired
}
