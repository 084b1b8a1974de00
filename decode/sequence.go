package decode

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/stevecastle/parallax/frame"
)

// SequenceDecoder reads numbered image sequences from a directory. A clip
// with L/ and R/ subdirectories is treated as stereo; a flat directory is
// mono. It fills in for the hardware RAW decoder in tests and on machines
// without the vendor SDK.
type SequenceDecoder struct {
	info     ClipInfo
	settings Settings
	frames   [2][]string // per view, sorted
}

var seqExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// NewSequenceDecoder returns an unopened decoder.
func NewSequenceDecoder(settings Settings) *SequenceDecoder {
	return &SequenceDecoder{settings: settings}
}

func (d *SequenceDecoder) Open(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("open clip %s: %w", path, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("open clip %s: not a sequence directory", path)
	}

	leftDir := filepath.Join(path, "L")
	rightDir := filepath.Join(path, "R")
	stereo := isDir(leftDir) && isDir(rightDir)

	var left, right []string
	if stereo {
		if left, err = listFrames(leftDir); err != nil {
			return err
		}
		if right, err = listFrames(rightDir); err != nil {
			return err
		}
		if len(left) != len(right) {
			return fmt.Errorf("open clip %s: %d left frames vs %d right", path, len(left), len(right))
		}
	} else {
		if left, err = listFrames(path); err != nil {
			return err
		}
	}
	if len(left) == 0 {
		return fmt.Errorf("open clip %s: no image frames found", path)
	}

	w, h, err := probeSize(left[0])
	if err != nil {
		return err
	}

	d.frames[frame.ViewLeft] = left
	d.frames[frame.ViewRight] = right
	d.info = ClipInfo{
		Path:       path,
		Width:      w,
		Height:     h,
		FrameCount: len(left),
		FrameRate:  24,
		ViewCount:  1,
		HasStereo:  stereo,
	}
	if stereo {
		d.info.ViewCount = 2
	}
	return nil
}

func (d *SequenceDecoder) Info() ClipInfo { return d.info }

func (d *SequenceDecoder) DecodeFrame(ctx context.Context, frameIndex int, view frame.StereoView, out *frame.Buffer) error {
	if d.info.FrameCount == 0 {
		return ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if frameIndex < 0 || frameIndex >= d.info.FrameCount {
		return fmt.Errorf("decode: frame %d out of range [0,%d)", frameIndex, d.info.FrameCount)
	}
	files := d.frames[view]
	if files == nil {
		if view == frame.ViewRight && !d.info.HasStereo {
			return fmt.Errorf("decode: clip %s has no right view", d.info.Path)
		}
		return ErrNotOpen
	}

	f, err := os.Open(files[frameIndex])
	if err != nil {
		return fmt.Errorf("decode frame %d: %w", frameIndex, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode frame %d (%s): %w", frameIndex, files[frameIndex], err)
	}

	decoded := frame.FromImage(img)
	out.Resize(decoded.Width, decoded.Height)
	copy(out.Data, decoded.Data)

	if ev := d.settings.ExposureAdjust; ev != 0 {
		gain := float32(math.Pow(2, ev))
		for i := range out.Data {
			out.Data[i] *= gain
		}
	}
	return ctx.Err()
}

func (d *SequenceDecoder) Close() error {
	d.info = ClipInfo{}
	d.frames = [2][]string{}
	return nil
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sequence dir %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seqExts[strings.ToLower(filepath.Ext(e.Name()))] {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func probeSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("probe %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}
