package export

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stevecastle/parallax/decode"
	"github.com/stevecastle/parallax/grade"
	"github.com/stevecastle/parallax/stmap"
)

func writeSolidPNG(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

// stereo clip with a solid red left eye and solid blue right eye
func makeRenderClip(t *testing.T, frames, w, h int) string {
	t.Helper()
	dir := t.TempDir()
	colors := map[string]color.RGBA{
		"L": {R: 255, A: 255},
		"R": {B: 255, A: 255},
	}
	for eye, c := range colors {
		sub := filepath.Join(dir, eye)
		if err := os.MkdirAll(sub, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		for i := 0; i < frames; i++ {
			writeSolidPNG(t, filepath.Join(sub, frameFileName(i)), w, h, c)
		}
	}
	return dir
}

func frameFileName(i int) string {
	return "frame_" + string(rune('0'+i)) + ".png"
}

func openRenderer(t *testing.T, clip string) *Renderer {
	t.Helper()
	dec := decode.NewSequenceDecoder(decode.DefaultSettings())
	if err := dec.Open(clip); err != nil {
		t.Fatalf("open clip: %v", err)
	}
	t.Cleanup(func() { dec.Close() })
	return &Renderer{Dec: dec, Warper: stmap.NewWarper(), Grade: grade.DefaultSettings()}
}

func TestEyeSubdir(t *testing.T) {
	tests := []struct {
		eye  string
		want string
		ok   bool
	}{
		{"left", "L", true},
		{"right", "R", true},
		{"sbs", "SBS", true},
		{"both", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := EyeSubdir(tt.eye)
		if tt.ok != (err == nil) || got != tt.want {
			t.Errorf("EyeSubdir(%q) = %q, %v; want %q, ok=%v", tt.eye, got, err, tt.want, tt.ok)
		}
	}
}

func TestRenderEyeViews(t *testing.T) {
	clip := makeRenderClip(t, 2, 6, 4)
	r := openRenderer(t, clip)
	ctx := context.Background()

	left, err := r.RenderEye(ctx, 0, EyeLeft)
	if err != nil {
		t.Fatalf("render left: %v", err)
	}
	if left.Width != 6 || left.Height != 4 {
		t.Fatalf("left size %dx%d; want 6x4", left.Width, left.Height)
	}
	if left.Data[0] < 0.99 || left.Data[2] > 0.01 {
		t.Errorf("left eye should be red, got %v", left.Data[:3])
	}

	right, err := r.RenderEye(ctx, 0, EyeRight)
	if err != nil {
		t.Fatalf("render right: %v", err)
	}
	if right.Data[2] < 0.99 || right.Data[0] > 0.01 {
		t.Errorf("right eye should be blue, got %v", right.Data[:3])
	}
}

func TestRenderEyeSBSMergesViews(t *testing.T) {
	clip := makeRenderClip(t, 1, 6, 4)
	r := openRenderer(t, clip)

	sbs, err := r.RenderEye(context.Background(), 0, EyeSBS)
	if err != nil {
		t.Fatalf("render sbs: %v", err)
	}
	if sbs.Width != 12 || sbs.Height != 4 {
		t.Fatalf("sbs size %dx%d; want 12x4", sbs.Width, sbs.Height)
	}
	// Left half red, right half blue.
	if sbs.Data[0] < 0.99 {
		t.Errorf("left half should be red, got %v", sbs.Data[:3])
	}
	rightStart := 6 * 3
	if sbs.Data[rightStart+2] < 0.99 {
		t.Errorf("right half should be blue, got %v", sbs.Data[rightStart:rightStart+3])
	}
}

func TestRenderEyeUnknownName(t *testing.T) {
	clip := makeRenderClip(t, 1, 4, 4)
	r := openRenderer(t, clip)
	if _, err := r.RenderEye(context.Background(), 0, "middle"); err == nil {
		t.Error("expected error for unknown eye")
	}
}

func TestRenderEyeAppliesGrade(t *testing.T) {
	clip := makeRenderClip(t, 1, 4, 4)
	r := openRenderer(t, clip)
	r.Grade.Exposure = 1 // one stop up doubles values

	buf, err := r.RenderEye(context.Background(), 0, EyeLeft)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if buf.Data[0] < 1.99 {
		t.Errorf("exposure +1 should double red to ~2, got %f", buf.Data[0])
	}
}

func TestRenderEyeWarpsToSquare(t *testing.T) {
	clip := makeRenderClip(t, 1, 8, 4)
	r := openRenderer(t, clip)

	// Identity map: each pixel addresses itself (with the bottom-up V axis).
	m := identityCoordMap(4, 4)
	mapPath := writeCoordMapPNG(t, m)
	if err := r.Warper.LoadMap(mapPath); err != nil {
		t.Fatalf("load map: %v", err)
	}
	r.Warper.SetEnabled(true)
	r.OutSize = 4

	buf, err := r.RenderEye(context.Background(), 0, EyeLeft)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if buf.Width != 4 || buf.Height != 4 {
		t.Errorf("warped size %dx%d; want 4x4", buf.Width, buf.Height)
	}
	if buf.Data[0] < 0.99 {
		t.Errorf("warped frame should stay red, got %v", buf.Data[:3])
	}
}

// identityCoordMap builds a map whose (u, v) at grid position (x, y) is the
// normalized position itself, v measured bottom-up.
func identityCoordMap(w, h int) *image.NRGBA64 {
	img := image.NewNRGBA64(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			u := float64(x) / float64(w-1)
			v := 1 - float64(y)/float64(h-1)
			img.SetNRGBA64(x, y, color.NRGBA64{
				R: uint16(u*65535 + 0.5),
				G: uint16(v*65535 + 0.5),
				A: 65535,
			})
		}
	}
	return img
}

func writeCoordMapPNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "map.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create map: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode map: %v", err)
	}
	return path
}
