package export

import (
	"context"
	"fmt"

	"github.com/stevecastle/parallax/decode"
	"github.com/stevecastle/parallax/frame"
	"github.com/stevecastle/parallax/grade"
	"github.com/stevecastle/parallax/stmap"
)

// Eye names accepted by the CLIs and stored on farm jobs.
const (
	EyeLeft  = "left"
	EyeRight = "right"
	EyeSBS   = "sbs"
)

// EyeSubdir maps an eye name to its output subdirectory.
func EyeSubdir(eye string) (string, error) {
	switch eye {
	case EyeLeft:
		return "L", nil
	case EyeRight:
		return "R", nil
	case EyeSBS:
		return "SBS", nil
	}
	return "", fmt.Errorf("export: unknown eye %q", eye)
}

// Renderer runs the decode, grade, warp stages for one frame at a time.
// It is not safe for concurrent use; give each worker its own Renderer.
type Renderer struct {
	Dec     decode.Decoder
	Warper  *stmap.Warper
	Grade   grade.Settings
	OutSize int // square warp output edge; 0 picks the shorter source edge

	scratch frame.Buffer
}

// RenderEye produces the finished frame for one eye name. "sbs" decodes
// both views and merges them side by side.
func (r *Renderer) RenderEye(ctx context.Context, frameIndex int, eye string) (*frame.Buffer, error) {
	switch eye {
	case EyeLeft:
		return r.renderView(ctx, frameIndex, frame.ViewLeft)
	case EyeRight:
		return r.renderView(ctx, frameIndex, frame.ViewRight)
	case EyeSBS:
		left, err := r.renderView(ctx, frameIndex, frame.ViewLeft)
		if err != nil {
			return nil, err
		}
		right, err := r.renderView(ctx, frameIndex, frame.ViewRight)
		if err != nil {
			return nil, err
		}
		return frame.MergeSBS(left, right)
	}
	return nil, fmt.Errorf("export: unknown eye %q", eye)
}

func (r *Renderer) renderView(ctx context.Context, frameIndex int, view frame.StereoView) (*frame.Buffer, error) {
	decodeCtx, cancel := context.WithTimeout(ctx, decode.DecodeTimeout)
	err := r.Dec.DecodeFrame(decodeCtx, frameIndex, view, &r.scratch)
	cancel()
	if err != nil {
		return nil, err
	}
	grade.Apply(&r.scratch, r.Grade)

	if r.Warper == nil || !r.Warper.Enabled() || !r.Warper.IsLoaded() {
		return r.scratch.Clone(), nil
	}

	size := r.OutSize
	if size <= 0 {
		size = r.scratch.Width
		if r.scratch.Height < size {
			size = r.scratch.Height
		}
	}
	out := frame.New(size, size)
	if err := r.Warper.WarpFloat(r.scratch.Data, r.scratch.Width, r.scratch.Height, out.Data, size); err != nil {
		return nil, err
	}
	return out, nil
}
