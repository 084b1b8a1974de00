// Package stmap implements ST map distortion correction: a per-pixel
// resampler driven by a dense 2-channel (U,V) lookup texture. The map is
// loaded once from a float image file (with a binary cache sibling for fast
// reloads) and then applied per frame to produce a square output.
package stmap

import (
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/stevecastle/parallax/platform"
)

// CoordinateMap holds a dense field of normalized (U,V) source coordinates.
// Data is interleaved U,V float32 pairs, row-major, origin top-left.
// A loaded map is never mutated; reloading replaces it wholesale.
type CoordinateMap struct {
	Width  int
	Height int
	Data   []float32
}

// Valid reports whether the map has positive dimensions and a full payload.
func (m *CoordinateMap) Valid() bool {
	return m != nil && m.Width > 0 && m.Height > 0 && len(m.Data) == m.Width*m.Height*2
}

// Warper applies an ST map warp to RGB frames. It performs no I/O and takes
// no locks during Warp calls; callers that reload the map or toggle the
// enabled flag concurrently with warping own the synchronization.
type Warper struct {
	m       *CoordinateMap
	enabled bool
}

// NewWarper returns a Warper with no map loaded and warping disabled.
func NewWarper() *Warper {
	return &Warper{}
}

// IsLoaded reports whether a valid coordinate map is currently held.
func (w *Warper) IsLoaded() bool { return w.m.Valid() }

// SetEnabled toggles warping. Enabling with no map loaded is legal; Warp
// degrades to a copy or center crop until a map arrives.
func (w *Warper) SetEnabled(enabled bool) { w.enabled = enabled }

// Enabled reports whether warping is switched on.
func (w *Warper) Enabled() bool { return w.enabled }

// MapDims returns the dimensions of the loaded map, or (0, 0) if none.
func (w *Warper) MapDims() (int, int) {
	if !w.m.Valid() {
		return 0, 0
	}
	return w.m.Width, w.m.Height
}

// Map returns the currently loaded coordinate map, or nil.
func (w *Warper) Map() *CoordinateMap { return w.m }

// LoadMap loads a coordinate map from an image file with float R,G channels
// (R is U, G is V). A binary cache sibling (same base name, ".stcache"
// extension) is preferred when it is at least as new as the source, with the
// per-user cache directory checked next; a stale, corrupt, or truncated
// cache falls back to a full parse. On success the cache is rewritten
// best-effort. On failure any previously loaded map is kept.
func (w *Warper) LoadMap(path string) error {
	cachePath := CachePath(path)

	if m, ok := tryLoadCache(cachePath, path); ok {
		w.m = m
		return nil
	}
	if m, ok := tryLoadCache(fallbackCachePath(path), path); ok {
		w.m = m
		return nil
	}

	m, err := decodeMapFile(path)
	if err != nil {
		return fmt.Errorf("load stmap %s: %w", path, err)
	}
	w.m = m

	// A failed cache write never fails the load; the parsed map is good.
	if err := writeCacheFile(cachePath, m); err != nil {
		// Map directories are often read-only shares; keep the cache in the
		// per-user cache dir instead.
		fb := fallbackCachePath(path)
		if fbErr := writeFallbackCache(fb, m); fbErr != nil {
			log.Printf("stmap: cache write %s: %v (fallback %s: %v)", cachePath, err, fb, fbErr)
		}
	}
	return nil
}

// CachePath returns the binary cache sibling for a map source path.
func CachePath(path string) string {
	ext := strings.LastIndexByte(path, '.')
	slash := strings.LastIndexAny(path, "/\\")
	if ext > slash {
		return path[:ext] + CacheExt
	}
	return path + CacheExt
}

// cacheDir resolves the per-user cache directory for maps whose own
// directory cannot hold the sibling cache. Swapped out in tests.
var cacheDir = func() string {
	return filepath.Join(platform.GetCacheDir(), "stmap")
}

// fallbackCachePath keys the per-user cache copy by the absolute source
// path, so same-named maps in different directories do not collide.
func fallbackCachePath(srcPath string) string {
	abs, err := filepath.Abs(srcPath)
	if err != nil {
		abs = srcPath
	}
	h := fnv.New64a()
	h.Write([]byte(abs))
	return filepath.Join(cacheDir(), fmt.Sprintf("%016x%s", h.Sum64(), CacheExt))
}

func writeFallbackCache(path string, m *CoordinateMap) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return writeCacheFile(path, m)
}

func tryLoadCache(cachePath, srcPath string) (*CoordinateMap, bool) {
	ci, err := os.Stat(cachePath)
	if err != nil {
		return nil, false
	}
	si, err := os.Stat(srcPath)
	if err != nil {
		return nil, false
	}
	if ci.ModTime().Before(si.ModTime()) {
		return nil, false
	}
	m, err := readCacheFile(cachePath)
	if err != nil {
		return nil, false
	}
	return m, true
}

// decodeMapFile parses the two coordinate channels out of an image file.
// Formats registered by package imports (Radiance HDR, 16-bit TIFF/PNG)
// are accepted; only R and G are inspected.
func decodeMapFile(path string) (*CoordinateMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	model := img.ColorModel()
	if model == color.GrayModel || model == color.Gray16Model || model == color.AlphaModel {
		return nil, errors.New("image has no R/G coordinate channels")
	}

	b := img.Bounds()
	m := &CoordinateMap{
		Width:  b.Dx(),
		Height: b.Dy(),
	}
	if m.Width <= 0 || m.Height <= 0 {
		return nil, errors.New("empty image")
	}
	m.Data = make([]float32, m.Width*m.Height*2)

	if fimg, ok := img.(floatImage); ok {
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				u, v, _, _ := fimg.HDRAt(b.Min.X+x, b.Min.Y+y).HDRRGBA()
				i := (y*m.Width + x) * 2
				m.Data[i+0] = float32(u)
				m.Data[i+1] = float32(v)
			}
		}
		return m, nil
	}

	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			r, g, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*m.Width + x) * 2
			m.Data[i+0] = float32(r) / 65535.0
			m.Data[i+1] = float32(g) / 65535.0
		}
	}
	return m, nil
}

// sampleMap bilinearly samples the map at (fx, fy) in map pixel space with
// edge clamping, returning the interpolated normalized (u, v).
func sampleMap(m *CoordinateMap, fx, fy float32) (u, v float32) {
	fx = clampF(fx, 0, float32(m.Width-1))
	fy = clampF(fy, 0, float32(m.Height-1))

	x0 := int(math.Floor(float64(fx)))
	y0 := int(math.Floor(float64(fy)))
	x1 := minInt(x0+1, m.Width-1)
	y1 := minInt(y0+1, m.Height-1)

	tx := fx - float32(x0)
	ty := fy - float32(y0)

	p00 := m.Data[(y0*m.Width+x0)*2:]
	p10 := m.Data[(y0*m.Width+x1)*2:]
	p01 := m.Data[(y1*m.Width+x0)*2:]
	p11 := m.Data[(y1*m.Width+x1)*2:]

	uTop := p00[0] + (p10[0]-p00[0])*tx
	vTop := p00[1] + (p10[1]-p00[1])*tx
	uBot := p01[0] + (p11[0]-p01[0])*tx
	vBot := p01[1] + (p11[1]-p01[1])*tx

	u = uTop + (uBot-uTop)*ty
	v = vTop + (vBot-vTop)*ty
	return u, v
}

// sampleSourceFloat bilinearly samples an RGB float32 source at (sx, sy)
// with edge clamping, writing the three channels to out.
func sampleSourceFloat(src []float32, w, h int, sx, sy float32, out []float32) {
	sx = clampF(sx, 0, float32(w-1))
	sy = clampF(sy, 0, float32(h-1))

	x0 := int(math.Floor(float64(sx)))
	y0 := int(math.Floor(float64(sy)))
	x1 := minInt(x0+1, w-1)
	y1 := minInt(y0+1, h-1)

	tx := sx - float32(x0)
	ty := sy - float32(y0)

	p00 := src[(y0*w+x0)*3:]
	p10 := src[(y0*w+x1)*3:]
	p01 := src[(y1*w+x0)*3:]
	p11 := src[(y1*w+x1)*3:]

	for c := 0; c < 3; c++ {
		top := p00[c] + (p10[c]-p00[c])*tx
		bot := p01[c] + (p11[c]-p01[c])*tx
		out[c] = top + (bot-top)*ty
	}
}

// sampleSourceBytes is the RGB888 flavor of sampleSourceFloat; the final
// value is rounded to nearest and clamped to [0, 255].
func sampleSourceBytes(src []byte, w, h int, sx, sy float32, out []byte) {
	sx = clampF(sx, 0, float32(w-1))
	sy = clampF(sy, 0, float32(h-1))

	x0 := int(math.Floor(float64(sx)))
	y0 := int(math.Floor(float64(sy)))
	x1 := minInt(x0+1, w-1)
	y1 := minInt(y0+1, h-1)

	tx := sx - float32(x0)
	ty := sy - float32(y0)

	p00 := src[(y0*w+x0)*3:]
	p10 := src[(y0*w+x1)*3:]
	p01 := src[(y1*w+x0)*3:]
	p11 := src[(y1*w+x1)*3:]

	for c := 0; c < 3; c++ {
		top := float32(p00[c]) + (float32(p10[c])-float32(p00[c]))*tx
		bot := float32(p01[c]) + (float32(p11[c])-float32(p01[c]))*tx
		out[c] = byte(clampF(top+(bot-top)*ty+0.5, 0, 255))
	}
}

// WarpFloat resamples an RGB float32 source of srcW x srcH into a square
// dst of outSize x outSize. With warping disabled or no map loaded it
// degrades to a full copy (matching sizes) or a center crop. dst must hold
// outSize*outSize*3 samples.
func (w *Warper) WarpFloat(src []float32, srcW, srcH int, dst []float32, outSize int) error {
	if err := checkWarpArgs(len(src), srcW, srcH, len(dst), outSize); err != nil {
		return err
	}

	if !w.enabled || !w.m.Valid() {
		cropFloat(src, srcW, srcH, dst, outSize)
		return nil
	}

	sx := mapScale(w.m.Width, outSize)
	sy := mapScale(w.m.Height, outSize)

	for y := 0; y < outSize; y++ {
		for x := 0; x < outSize; x++ {
			u, v := sampleMap(w.m, float32(x)*sx, float32(y)*sy)

			// The map's V axis is bottom-up (GL texture convention).
			srcX := u * float32(srcW-1)
			srcY := (1 - v) * float32(srcH-1)

			sampleSourceFloat(src, srcW, srcH, srcX, srcY, dst[(y*outSize+x)*3:])
		}
	}
	return nil
}

// WarpBytes is WarpFloat for RGB888 buffers. Resampling logic is identical;
// only the final quantization differs.
func (w *Warper) WarpBytes(src []byte, srcW, srcH int, dst []byte, outSize int) error {
	if err := checkWarpArgs(len(src), srcW, srcH, len(dst), outSize); err != nil {
		return err
	}

	if !w.enabled || !w.m.Valid() {
		cropBytes(src, srcW, srcH, dst, outSize)
		return nil
	}

	sx := mapScale(w.m.Width, outSize)
	sy := mapScale(w.m.Height, outSize)

	for y := 0; y < outSize; y++ {
		for x := 0; x < outSize; x++ {
			u, v := sampleMap(w.m, float32(x)*sx, float32(y)*sy)

			srcX := u * float32(srcW-1)
			srcY := (1 - v) * float32(srcH-1)

			sampleSourceBytes(src, srcW, srcH, srcX, srcY, dst[(y*outSize+x)*3:])
		}
	}
	return nil
}

func checkWarpArgs(srcLen, srcW, srcH, dstLen, outSize int) error {
	if srcW <= 0 || srcH <= 0 || outSize <= 0 {
		return fmt.Errorf("stmap: invalid dimensions %dx%d -> %d", srcW, srcH, outSize)
	}
	if srcLen < srcW*srcH*3 {
		return fmt.Errorf("stmap: source buffer %d short of %d", srcLen, srcW*srcH*3)
	}
	if dstLen < outSize*outSize*3 {
		return fmt.Errorf("stmap: dest buffer %d short of %d", dstLen, outSize*outSize*3)
	}
	return nil
}

// mapScale maps destination index range [0, outSize-1] onto map index range
// [0, dim-1]. A degenerate 1-pixel axis pins the coordinate at 0.
func mapScale(dim, outSize int) float32 {
	if outSize <= 1 {
		return 0
	}
	return float32(dim-1) / float32(outSize-1)
}

// cropFloat copies the outSize square centered in the source. When the
// requested square exceeds the source, the uncovered border is zero-filled.
func cropFloat(src []float32, srcW, srcH int, dst []float32, outSize int) {
	if outSize == srcW && outSize == srcH {
		copy(dst, src[:outSize*outSize*3])
		return
	}
	offX := (srcW - outSize) / 2
	offY := (srcH - outSize) / 2
	for y := 0; y < outSize; y++ {
		dstRow := dst[y*outSize*3 : (y+1)*outSize*3]
		sy := y + offY
		if sy < 0 || sy >= srcH {
			zeroFloat(dstRow)
			continue
		}
		for x := 0; x < outSize; x++ {
			sx := x + offX
			d := dstRow[x*3 : x*3+3]
			if sx < 0 || sx >= srcW {
				d[0], d[1], d[2] = 0, 0, 0
				continue
			}
			s := src[(sy*srcW+sx)*3:]
			d[0], d[1], d[2] = s[0], s[1], s[2]
		}
	}
}

func cropBytes(src []byte, srcW, srcH int, dst []byte, outSize int) {
	if outSize == srcW && outSize == srcH {
		copy(dst, src[:outSize*outSize*3])
		return
	}
	offX := (srcW - outSize) / 2
	offY := (srcH - outSize) / 2
	for y := 0; y < outSize; y++ {
		dstRow := dst[y*outSize*3 : (y+1)*outSize*3]
		sy := y + offY
		if sy < 0 || sy >= srcH {
			for i := range dstRow {
				dstRow[i] = 0
			}
			continue
		}
		for x := 0; x < outSize; x++ {
			sx := x + offX
			d := dstRow[x*3 : x*3+3]
			if sx < 0 || sx >= srcW {
				d[0], d[1], d[2] = 0, 0, 0
				continue
			}
			s := src[(sy*srcW+sx)*3:]
			d[0], d[1], d[2] = s[0], s[1], s[2]
		}
	}
}

func zeroFloat(s []float32) {
	for i := range s {
		s[i] = 0
	}
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
