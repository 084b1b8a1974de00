// Package export writes processed frames to disk in the formats the batch
// exporter supports, and optionally delivers finished files to S3.
package export

import (
	"bufio"
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/mdouchement/hdr/codec/rgbe"

	"github.com/stevecastle/parallax/frame"
)

// Format selects the on-disk frame encoding.
type Format string

const (
	FormatPPM Format = "ppm"
	FormatPNG Format = "png"
	FormatHDR Format = "hdr"
)

// ParseFormat maps a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPPM, FormatPNG, FormatHDR:
		return Format(s), nil
	}
	return "", fmt.Errorf("export: unknown format %q", s)
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string { return "." + string(f) }

// OutputPath builds the frame filename: <dir>/<prefix>_%06d<ext>.
func OutputPath(dir, prefix string, frameIndex int, format Format) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%06d%s", prefix, frameIndex, format.Ext()))
}

// EyeDir returns the per-eye output subdirectory (L, R, or SBS), creating
// it if needed.
func EyeDir(base, eye string) (string, error) {
	dir := filepath.Join(base, eye)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("export: create %s: %w", dir, err)
	}
	return dir, nil
}

// Write encodes buf to path in the given format.
func Write(path string, buf *frame.Buffer, format Format) error {
	switch format {
	case FormatPPM:
		return WritePPM16(path, buf)
	case FormatPNG:
		return WritePNG(path, buf)
	case FormatHDR:
		return WriteHDR(path, buf)
	}
	return fmt.Errorf("export: unknown format %q", format)
}

// WritePPM16 writes a binary P6 PPM with 16-bit samples, clamping float
// values to [0, 1] and rounding to nearest.
func WritePPM16(path string, buf *frame.Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	w := bufio.NewWriter(f)

	fmt.Fprintf(w, "P6\n%d %d\n65535\n", buf.Width, buf.Height)
	for i := 0; i < len(buf.Data); i++ {
		v := clampUint16(buf.Data[i])
		w.WriteByte(byte(v >> 8))
		w.WriteByte(byte(v))
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("export: %w", err)
	}
	return f.Close()
}

// WritePNG quantizes to 8-bit and writes a PNG.
func WritePNG(path string, buf *frame.Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := png.Encode(f, buf.ToRGBA()); err != nil {
		f.Close()
		return fmt.Errorf("export: %w", err)
	}
	return f.Close()
}

// WriteHDR writes Radiance RGBE, preserving the full float range.
func WriteHDR(path string, buf *frame.Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := rgbe.Encode(f, buf); err != nil {
		f.Close()
		return fmt.Errorf("export: %w", err)
	}
	return f.Close()
}

func clampUint16(v float32) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 65535
	}
	return uint16(v*65535 + 0.5)
}
