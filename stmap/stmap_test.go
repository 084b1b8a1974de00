package stmap

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// identityMap builds a w x h map where pixel (x, y) stores (x/(w-1), y/(h-1)).
func identityMap(w, h int) *CoordinateMap {
	m := &CoordinateMap{Width: w, Height: h, Data: make([]float32, w*h*2)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 2
			m.Data[i+0] = float32(x) / float32(w-1)
			m.Data[i+1] = float32(y) / float32(h-1)
		}
	}
	return m
}

// gradientFloat fills a w x h RGB buffer where pixel (x, y) encodes its own
// position: R=x, G=y, B=x+y.
func gradientFloat(w, h int) []float32 {
	buf := make([]float32, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			buf[i+0] = float32(x)
			buf[i+1] = float32(y)
			buf[i+2] = float32(x + y)
		}
	}
	return buf
}

func gradientBytes(w, h int) []byte {
	buf := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			buf[i+0] = byte(x)
			buf[i+1] = byte(y)
			buf[i+2] = byte(x + y)
		}
	}
	return buf
}

func TestDisabledIdentityCopy(t *testing.T) {
	w := NewWarper()

	src := gradientFloat(6, 6)
	dst := make([]float32, len(src))
	if err := w.WarpFloat(src, 6, 6, dst, 6); err != nil {
		t.Fatalf("WarpFloat: %v", err)
	}
	for i := range src {
		if math.Float32bits(dst[i]) != math.Float32bits(src[i]) {
			t.Fatalf("float sample %d = %v; want %v", i, dst[i], src[i])
		}
	}

	bsrc := gradientBytes(6, 6)
	bdst := make([]byte, len(bsrc))
	if err := w.WarpBytes(bsrc, 6, 6, bdst, 6); err != nil {
		t.Fatalf("WarpBytes: %v", err)
	}
	if !bytes.Equal(bsrc, bdst) {
		t.Fatal("byte copy not byte-for-byte identical")
	}
}

func TestDisabledCenterCrop(t *testing.T) {
	// Enabled but no map loaded must behave exactly like disabled.
	w := NewWarper()
	w.SetEnabled(true)

	const srcW, srcH, out = 8, 6, 4
	src := gradientFloat(srcW, srcH)
	dst := make([]float32, out*out*3)
	if err := w.WarpFloat(src, srcW, srcH, dst, out); err != nil {
		t.Fatalf("WarpFloat: %v", err)
	}

	offX := (srcW - out) / 2
	offY := (srcH - out) / 2
	for y := 0; y < out; y++ {
		for x := 0; x < out; x++ {
			i := (y*out + x) * 3
			if dst[i] != float32(x+offX) || dst[i+1] != float32(y+offY) {
				t.Fatalf("crop pixel (%d,%d) = (%v,%v); want (%d,%d)",
					x, y, dst[i], dst[i+1], x+offX, y+offY)
			}
		}
	}
}

func TestCropLargerThanSourceZeroFills(t *testing.T) {
	w := NewWarper()
	src := gradientBytes(2, 2)
	dst := make([]byte, 4*4*3)
	for i := range dst {
		dst[i] = 0xAB
	}
	if err := w.WarpBytes(src, 2, 2, dst, 4); err != nil {
		t.Fatalf("WarpBytes: %v", err)
	}
	// Corner lies outside the source window and must be zeroed, not stale.
	if dst[0] != 0 || dst[1] != 0 || dst[2] != 0 {
		t.Fatalf("uncovered corner = %v; want zeros", dst[:3])
	}
}

func TestBilinearExactAtPixelCenters(t *testing.T) {
	m := identityMap(5, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			u, v := sampleMap(m, float32(x), float32(y))
			i := (y*5 + x) * 2
			if u != m.Data[i] || v != m.Data[i+1] {
				t.Fatalf("sampleMap(%d,%d) = (%v,%v); want (%v,%v)",
					x, y, u, v, m.Data[i], m.Data[i+1])
			}
		}
	}

	src := gradientFloat(5, 4)
	var rgb [3]float32
	sampleSourceFloat(src, 5, 4, 3, 2, rgb[:])
	if rgb[0] != 3 || rgb[1] != 2 || rgb[2] != 5 {
		t.Fatalf("source sample at center = %v; want [3 2 5]", rgb)
	}
}

func TestClampNotWrap(t *testing.T) {
	src := gradientFloat(4, 4)
	var rgb [3]float32

	sampleSourceFloat(src, 4, 4, -0.5, 0, rgb[:])
	if rgb[0] != 0 {
		t.Fatalf("sample at x=-0.5 = %v; want edge pixel 0", rgb[0])
	}

	sampleSourceFloat(src, 4, 4, 3.5, 0, rgb[:])
	if rgb[0] != 3 {
		t.Fatalf("sample at x=3.5 = %v; want edge pixel 3", rgb[0])
	}

	m := identityMap(4, 4)
	u, _ := sampleMap(m, -0.5, 1)
	if u != 0 {
		t.Fatalf("map sample at x=-0.5 u = %v; want 0", u)
	}
	u, _ = sampleMap(m, 3.5, 1)
	if u != 1 {
		t.Fatalf("map sample at x=3.5 u = %v; want 1", u)
	}
}

func TestIdentityMapProducesVerticalFlip(t *testing.T) {
	w := NewWarper()
	w.m = identityMap(4, 4)
	w.SetEnabled(true)

	const size = 8
	src := gradientBytes(size, size)
	dst := make([]byte, size*size*3)
	if err := w.WarpBytes(src, size, size, dst, size); err != nil {
		t.Fatalf("WarpBytes: %v", err)
	}

	// The 1-v convention flips the image vertically; (0,0) must equal
	// source (0,7).
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			d := dst[(y*size+x)*3:]
			s := src[((size-1-y)*size+x)*3:]
			if d[0] != s[0] || d[1] != s[1] || d[2] != s[2] {
				t.Fatalf("out(%d,%d) = %v; want src(%d,%d) = %v",
					x, y, d[:3], x, size-1-y, s[:3])
			}
		}
	}
}

func TestOutputSizeOneNoDivideByZero(t *testing.T) {
	w := NewWarper()
	w.m = identityMap(4, 4)
	w.SetEnabled(true)

	src := gradientFloat(3, 3)
	dst := make([]float32, 3)
	if err := w.WarpFloat(src, 3, 3, dst, 1); err != nil {
		t.Fatalf("WarpFloat: %v", err)
	}
	// Map pinned at (0,0) -> (u,v)=(0,0) -> src (0, srcH-1).
	if dst[0] != 0 || dst[1] != 2 {
		t.Fatalf("1x1 output = %v; want [0 2 2]", dst)
	}
}

func TestWarpArgValidation(t *testing.T) {
	w := NewWarper()
	src := gradientFloat(4, 4)

	if err := w.WarpFloat(src, 4, 4, make([]float32, 3), 4); err == nil {
		t.Error("short dst buffer accepted")
	}
	if err := w.WarpFloat(src, 0, 4, make([]float32, 48), 4); err == nil {
		t.Error("zero source width accepted")
	}
	if err := w.WarpFloat(src[:5], 4, 4, make([]float32, 48), 4); err == nil {
		t.Error("short src buffer accepted")
	}
}

// writeMapPNG writes a 16-bit PNG whose R,G channels hold the map values.
func writeMapPNG(t *testing.T, path string, m *CoordinateMap) {
	t.Helper()
	img := image.NewNRGBA64(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			i := (y*m.Width + x) * 2
			img.SetNRGBA64(x, y, color.NRGBA64{
				R: uint16(m.Data[i+0]*65535 + 0.5),
				G: uint16(m.Data[i+1]*65535 + 0.5),
				A: 65535,
			})
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

func TestLoadMapAndCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "undistort.png")
	writeMapPNG(t, src, identityMap(4, 4))

	w := NewWarper()
	if err := w.LoadMap(src); err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	if !w.IsLoaded() {
		t.Fatal("IsLoaded = false after successful load")
	}
	if mw, mh := w.MapDims(); mw != 4 || mh != 4 {
		t.Fatalf("MapDims = %dx%d; want 4x4", mw, mh)
	}

	cache := CachePath(src)
	if _, err := os.Stat(cache); err != nil {
		t.Fatalf("cache not written: %v", err)
	}

	// The cache must reproduce every value bit-for-bit.
	got, err := readCacheFile(cache)
	if err != nil {
		t.Fatalf("readCacheFile: %v", err)
	}
	if got.Width != w.m.Width || got.Height != w.m.Height {
		t.Fatalf("cache dims %dx%d; want %dx%d", got.Width, got.Height, w.m.Width, w.m.Height)
	}
	for i := range got.Data {
		if math.Float32bits(got.Data[i]) != math.Float32bits(w.m.Data[i]) {
			t.Fatalf("cache value %d = %x; want %x", i,
				math.Float32bits(got.Data[i]), math.Float32bits(w.m.Data[i]))
		}
	}
}

func TestCacheInvalidatedByNewerSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "map.png")
	writeMapPNG(t, src, identityMap(4, 4))

	w := NewWarper()
	if err := w.LoadMap(src); err != nil {
		t.Fatalf("first LoadMap: %v", err)
	}

	// Replace the source with different content and push its mtime past
	// the cache; the stale cache must lose.
	flat := &CoordinateMap{Width: 4, Height: 4, Data: make([]float32, 32)}
	for i := 0; i < len(flat.Data); i += 2 {
		flat.Data[i], flat.Data[i+1] = 1, 1
	}
	writeMapPNG(t, src, flat)
	future := time.Now().Add(5 * time.Second)
	if err := os.Chtimes(src, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := w.LoadMap(src); err != nil {
		t.Fatalf("second LoadMap: %v", err)
	}
	if w.m.Data[0] != 1 || w.m.Data[1] != 1 {
		t.Fatalf("stale cache won: map[0] = (%v,%v); want (1,1)", w.m.Data[0], w.m.Data[1])
	}
}

func TestFreshCachePreferredOverSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "map.png")
	writeMapPNG(t, src, identityMap(4, 4))

	// Hand-write a cache with recognizably different content and a newer
	// mtime than the source.
	flat := &CoordinateMap{Width: 2, Height: 2, Data: []float32{
		0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5,
	}}
	if err := writeCacheFile(CachePath(src), flat); err != nil {
		t.Fatalf("writeCacheFile: %v", err)
	}
	future := time.Now().Add(5 * time.Second)
	if err := os.Chtimes(CachePath(src), future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w := NewWarper()
	if err := w.LoadMap(src); err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	if mw, mh := w.MapDims(); mw != 2 || mh != 2 {
		t.Fatalf("MapDims = %dx%d; want cache dims 2x2", mw, mh)
	}
}

func TestCorruptCacheFallsBackToSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "map.png")
	writeMapPNG(t, src, identityMap(4, 4))

	if err := os.WriteFile(CachePath(src), []byte("NOPE\x01\x00\x00\x00"), 0644); err != nil {
		t.Fatalf("write bogus cache: %v", err)
	}
	future := time.Now().Add(5 * time.Second)
	if err := os.Chtimes(CachePath(src), future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	w := NewWarper()
	if err := w.LoadMap(src); err != nil {
		t.Fatalf("LoadMap with corrupt cache: %v", err)
	}
	if mw, mh := w.MapDims(); mw != 4 || mh != 4 {
		t.Fatalf("MapDims = %dx%d; want source dims 4x4", mw, mh)
	}
}

func TestUnknownCacheVersionRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v9"+CacheExt)

	m := identityMap(2, 2)
	if err := writeCacheFile(path, m); err != nil {
		t.Fatalf("writeCacheFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	raw[4] = 9 // bump version field
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("rewrite cache: %v", err)
	}

	if _, err := readCacheFile(path); err == nil {
		t.Fatal("version 9 cache accepted")
	}
}

func TestTruncatedCacheRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short"+CacheExt)

	m := identityMap(4, 4)
	if err := writeCacheFile(path, m); err != nil {
		t.Fatalf("writeCacheFile: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if err := os.WriteFile(path, raw[:len(raw)-7], 0644); err != nil {
		t.Fatalf("truncate cache: %v", err)
	}

	if _, err := readCacheFile(path); err == nil {
		t.Fatal("truncated cache accepted")
	}
}

func TestFailedLoadKeepsPriorMap(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "map.png")
	writeMapPNG(t, src, identityMap(4, 4))

	w := NewWarper()
	if err := w.LoadMap(src); err != nil {
		t.Fatalf("LoadMap: %v", err)
	}
	if err := w.LoadMap(filepath.Join(dir, "missing.png")); err == nil {
		t.Fatal("load of missing file succeeded")
	}
	if !w.IsLoaded() {
		t.Fatal("prior map discarded after failed load")
	}
	if mw, mh := w.MapDims(); mw != 4 || mh != 4 {
		t.Fatalf("MapDims = %dx%d after failed load; want 4x4", mw, mh)
	}
}

func TestGrayscaleMapRejected(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "gray.png")

	img := image.NewGray(image.Rect(0, 0, 4, 4))
	f, err := os.Create(src)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()

	w := NewWarper()
	if err := w.LoadMap(src); err == nil {
		t.Fatal("grayscale image accepted as coordinate map")
	}
	if w.IsLoaded() {
		t.Fatal("IsLoaded = true after rejected load")
	}
}

func TestCacheFallbackDirWhenSiblingUnwritable(t *testing.T) {
	restore := cacheDir
	fallback := t.TempDir()
	cacheDir = func() string { return fallback }
	defer func() { cacheDir = restore }()

	dir := t.TempDir()
	mapPath := filepath.Join(dir, "lens.png")
	writeMapPNG(t, mapPath, identityMap(3, 3))

	// Occupy the sibling cache path with a directory so the write there fails.
	if err := os.Mkdir(CachePath(mapPath), 0755); err != nil {
		t.Fatalf("mkdir sibling: %v", err)
	}

	w := NewWarper()
	if err := w.LoadMap(mapPath); err != nil {
		t.Fatalf("load with blocked sibling: %v", err)
	}
	fbPath := fallbackCachePath(mapPath)
	if _, err := os.Stat(fbPath); err != nil {
		t.Fatalf("fallback cache not written: %v", err)
	}

	// Plant sentinel values in the fallback cache; a reload must come from
	// the cache, not a re-parse of the image.
	sentinel := &CoordinateMap{Width: 2, Height: 2, Data: []float32{
		0.25, 0.75, 0.25, 0.75,
		0.25, 0.75, 0.25, 0.75,
	}}
	if err := writeCacheFile(fbPath, sentinel); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	w2 := NewWarper()
	if err := w2.LoadMap(mapPath); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := w2.Map()
	if got.Width != 2 || got.Height != 2 || got.Data[0] != 0.25 {
		t.Errorf("reload did not use fallback cache: %dx%d data[0]=%f", got.Width, got.Height, got.Data[0])
	}
}

func TestFallbackCachePathDistinctPerSource(t *testing.T) {
	a := fallbackCachePath("/shows/a/lens.png")
	b := fallbackCachePath("/shows/b/lens.png")
	if a == b {
		t.Errorf("same fallback path for different sources: %s", a)
	}
	if filepath.Ext(a) != CacheExt {
		t.Errorf("fallback path %s missing %s extension", a, CacheExt)
	}
}

func TestCachePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"maps/lens.exr", "maps/lens" + CacheExt},
		{"lens.png", "lens" + CacheExt},
		{"noext", "noext" + CacheExt},
		{"dir.with.dots/noext", "dir.with.dots/noext" + CacheExt},
	}
	for _, tt := range tests {
		if got := CachePath(tt.in); got != tt.want {
			t.Errorf("CachePath(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
