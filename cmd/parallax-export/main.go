// parallax-export decodes a clip, applies grading and optional lens
// correction, and writes numbered frames for one or both eyes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/browser"

	"github.com/stevecastle/parallax/decode"
	"github.com/stevecastle/parallax/export"
	"github.com/stevecastle/parallax/grade"
	"github.com/stevecastle/parallax/stmap"
)

func main() {
	clipPath := flag.String("clip", "", "clip path (image sequence directory, L/ R/ subdirs for stereo)")
	outDir := flag.String("out", "renders", "output directory")
	frameRange := flag.String("frames", "", "frame range as start-end (default: all)")
	eye := flag.String("eye", "left", "eye mode: left|right|both|sbs")
	format := flag.String("format", "ppm", "output format: ppm|png|hdr")
	stmapPath := flag.String("stmap", "", "ST map path for lens correction")
	outSize := flag.Int("size", 0, "square warp output edge (0 = shorter source edge)")
	prefix := flag.String("prefix", "frame", "output filename prefix")
	exposure := flag.Float64("exposure", 0, "exposure adjust in stops")
	gamma := flag.Float64("gamma", 1, "gamma")
	quiet := flag.Bool("quiet", false, "suppress progress output")
	openDir := flag.Bool("open", false, "open the output directory when done")
	info := flag.Bool("info", false, "print clip metadata and exit")

	flag.Parse()
	if *clipPath == "" {
		fmt.Fprintln(os.Stderr, "usage: parallax-export --clip <path> [--out <dir>] [--frames a-b] [--eye left|right|both|sbs] ...")
		os.Exit(2)
	}

	fmtParsed, err := export.ParseFormat(*format)
	if err != nil {
		log.Fatalf("parallax-export: %v", err)
	}

	dec := decode.NewSequenceDecoder(decode.DefaultSettings())
	if err := dec.Open(*clipPath); err != nil {
		log.Fatalf("parallax-export: open clip: %v", err)
	}
	defer dec.Close()
	clip := dec.Info()

	if *info {
		printInfo(clip)
		return
	}

	start, end, err := parseRange(*frameRange, clip.FrameCount)
	if err != nil {
		log.Fatalf("parallax-export: %v", err)
	}

	eyes, err := eyeList(*eye, clip.HasStereo)
	if err != nil {
		log.Fatalf("parallax-export: %v", err)
	}

	warper := stmap.NewWarper()
	if *stmapPath != "" {
		if err := warper.LoadMap(*stmapPath); err != nil {
			log.Fatalf("parallax-export: load st map: %v", err)
		}
		warper.SetEnabled(true)
	}

	gradeSettings := grade.DefaultSettings()
	gradeSettings.Exposure = *exposure
	gradeSettings.Gamma = *gamma

	renderer := &export.Renderer{
		Dec:     dec,
		Warper:  warper,
		Grade:   gradeSettings,
		OutSize: *outSize,
	}

	ctx := context.Background()
	total := (end - start + 1) * len(eyes)
	done := 0
	began := time.Now()

	for _, eyeName := range eyes {
		sub, err := export.EyeSubdir(eyeName)
		if err != nil {
			log.Fatalf("parallax-export: %v", err)
		}
		dir, err := export.EyeDir(*outDir, sub)
		if err != nil {
			log.Fatalf("parallax-export: %v", err)
		}
		for idx := start; idx <= end; idx++ {
			buf, err := renderer.RenderEye(ctx, idx, eyeName)
			if err != nil {
				log.Fatalf("parallax-export: frame %d (%s): %v", idx, eyeName, err)
			}
			path := export.OutputPath(dir, *prefix, idx, fmtParsed)
			if err := export.Write(path, buf, fmtParsed); err != nil {
				log.Fatalf("parallax-export: write %s: %v", path, err)
			}
			done++
			if !*quiet {
				elapsed := time.Since(began).Seconds()
				fps := 0.0
				if elapsed > 0 {
					fps = float64(done) / elapsed
				}
				fmt.Printf("\r%3d%% (%d/%d) %.1f fps", done*100/total, done, total, fps)
			}
		}
	}
	if !*quiet {
		fmt.Printf("\ndone: %d frames in %s\n", done, time.Since(began).Round(time.Millisecond))
	}

	if *openDir {
		if err := browser.OpenFile(*outDir); err != nil {
			log.Printf("parallax-export: open output dir: %v", err)
		}
	}
}

func printInfo(clip decode.ClipInfo) {
	fmt.Printf("PATH=%s\n", clip.Path)
	fmt.Printf("WIDTH=%d\n", clip.Width)
	fmt.Printf("HEIGHT=%d\n", clip.Height)
	fmt.Printf("FRAME_COUNT=%d\n", clip.FrameCount)
	fmt.Printf("FRAME_RATE=%g\n", clip.FrameRate)
	fmt.Printf("VIEW_COUNT=%d\n", clip.ViewCount)
	fmt.Printf("STEREO=%t\n", clip.HasStereo)
}

// parseRange parses "a-b" into an inclusive frame range clamped to the clip.
func parseRange(s string, frameCount int) (int, int, error) {
	if frameCount == 0 {
		return 0, 0, fmt.Errorf("clip has no frames")
	}
	if s == "" {
		return 0, frameCount - 1, nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad frame range %q (want start-end)", s)
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad frame range %q: %v", s, err)
	}
	end, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad frame range %q: %v", s, err)
	}
	if start < 0 || end < start || end >= frameCount {
		return 0, 0, fmt.Errorf("frame range %d-%d outside clip [0,%d)", start, end, frameCount)
	}
	return start, end, nil
}

// eyeList expands an eye mode into the eyes to render.
func eyeList(mode string, hasStereo bool) ([]string, error) {
	switch mode {
	case "left":
		return []string{export.EyeLeft}, nil
	case "right", "sbs":
		if !hasStereo {
			return nil, fmt.Errorf("eye mode %q needs a stereo clip", mode)
		}
		if mode == "right" {
			return []string{export.EyeRight}, nil
		}
		return []string{export.EyeSBS}, nil
	case "both":
		if !hasStereo {
			return nil, fmt.Errorf("eye mode %q needs a stereo clip", mode)
		}
		return []string{export.EyeLeft, export.EyeRight}, nil
	}
	return nil, fmt.Errorf("unknown eye mode %q", mode)
}
