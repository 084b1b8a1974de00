// parallax-farm submits render jobs to the shared farm database, runs a
// worker loop against it, or reports queue status.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stevecastle/parallax/appconfig"
	"github.com/stevecastle/parallax/decode"
	"github.com/stevecastle/parallax/export"
	"github.com/stevecastle/parallax/farm"
	"github.com/stevecastle/parallax/grade"
	"github.com/stevecastle/parallax/stmap"
)

func main() {
	mode := flag.String("mode", "status", "mode: submit|work|status")
	dbPath := flag.String("db", "", "farm database path (default: from config)")
	pool := flag.String("pool", "", "worker pool (default: from config)")

	// submit flags
	clipPath := flag.String("clip", "", "clip path to render")
	outDir := flag.String("out", "", "output directory (default: farm root + clip name)")
	startFrame := flag.Int("start", 0, "first frame")
	endFrame := flag.Int("end", -1, "last frame (inclusive, -1 = probe clip)")
	eyes := flag.String("eyes", "left", "comma-separated eyes: left,right,sbs")
	format := flag.String("format", "", "output format: ppm|png|hdr (default: from config)")
	stmapPath := flag.String("stmap", "", "ST map path (default: from config)")
	priority := flag.Int("priority", 50, "job priority 0-100")

	// work flags
	once := flag.Bool("once", false, "process a single claim and exit")

	flag.Parse()

	cfg, _, err := appconfig.Load()
	if err != nil {
		log.Fatalf("parallax-farm: load config: %v", err)
	}
	if *dbPath == "" {
		*dbPath = cfg.DBPath
	}
	if *pool == "" {
		*pool = cfg.Pool
	}
	if *format == "" {
		*format = cfg.ExportFormat
	}
	if *stmapPath == "" {
		*stmapPath = cfg.DefaultSTMapPath
	}

	db, err := farm.Open(*dbPath)
	if err != nil {
		log.Fatalf("parallax-farm: open db %s: %v", *dbPath, err)
	}
	defer db.Close()

	switch *mode {
	case "submit":
		submit(db, cfg, *pool, *clipPath, *outDir, *startFrame, *endFrame, *eyes, *format, *stmapPath, *priority)
	case "work":
		work(db, cfg, *pool, *once)
	case "status":
		status(db)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (want submit|work|status)\n", *mode)
		os.Exit(2)
	}
}

func submit(db *farm.Database, cfg appconfig.Config, pool, clipPath, outDir string, start, end int, eyes, format, stmapPath string, priority int) {
	if clipPath == "" {
		log.Fatal("parallax-farm: submit needs --clip")
	}
	if end < 0 {
		dec := decode.NewSequenceDecoder(decode.DefaultSettings())
		if err := dec.Open(clipPath); err != nil {
			log.Fatalf("parallax-farm: probe clip: %v", err)
		}
		end = dec.Info().FrameCount - 1
		dec.Close()
	}
	if outDir == "" {
		outDir = filepath.Join(cfg.FarmRoot, filepath.Base(clipPath))
	}

	var eyeNames []string
	for _, e := range strings.Split(eyes, ",") {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, err := export.EyeSubdir(e); err != nil {
			log.Fatalf("parallax-farm: %v", err)
		}
		eyeNames = append(eyeNames, e)
	}

	job := &farm.Job{
		Pool:       pool,
		ClipPath:   clipPath,
		OutputDir:  outDir,
		StartFrame: start,
		EndFrame:   end,
		Eyes:       eyeNames,
		Format:     format,
		STMapPath:  stmapPath,
		UseSTMap:   stmapPath != "",
		Priority:   priority,
	}
	if host, err := os.Hostname(); err == nil {
		job.CreatedBy = host
	}
	id, err := db.SubmitJob(job)
	if err != nil {
		log.Fatalf("parallax-farm: submit: %v", err)
	}
	fmt.Printf("submitted job %s: %d frames x %d eyes\n", id, end-start+1, len(eyeNames))
}

func work(db *farm.Database, cfg appconfig.Config, pool string, once bool) {
	host, _ := os.Hostname()
	workerID, err := db.RegisterWorker(&farm.Worker{Pool: pool, Hostname: host})
	if err != nil {
		log.Fatalf("parallax-farm: register worker: %v", err)
	}
	log.Printf("worker %s up on %s (pool %s)", workerID, host, pool)

	ctx := context.Background()
	framesDone := 0
	for {
		claim, err := db.ClaimFrames(pool, workerID, cfg.ClaimBatchSize)
		if err != nil {
			// Lock contention or a transient I/O error on the shared DB;
			// the claim left no partial state, so just try again.
			if once {
				log.Fatalf("parallax-farm: claim: %v", err)
			}
			log.Printf("parallax-farm: claim: %v; retrying", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if claim == nil {
			if once {
				return
			}
			if err := db.Heartbeat(workerID, "idle", "", framesDone); err != nil {
				log.Printf("parallax-farm: heartbeat: %v", err)
			}
			time.Sleep(5 * time.Second)
			continue
		}

		if err := db.Heartbeat(workerID, "active", claim.JobID, framesDone); err != nil {
			log.Printf("parallax-farm: heartbeat: %v", err)
		}

		n, err := renderClaim(ctx, db, cfg, claim)
		framesDone += n
		if err != nil {
			log.Printf("parallax-farm: job %s: %v; releasing %d frames", claim.JobID, err, len(claim.Frames)-n)
			rest := &farm.Claim{JobID: claim.JobID, Eye: claim.Eye, Frames: claim.Frames[n:]}
			if relErr := db.ReleaseFrames(rest, workerID); relErr != nil {
				log.Printf("parallax-farm: release: %v", relErr)
			}
			doneClaim := &farm.Claim{JobID: claim.JobID, Eye: claim.Eye, Frames: claim.Frames[:n]}
			if _, cErr := db.CompleteFrames(doneClaim); cErr != nil {
				log.Printf("parallax-farm: complete: %v", cErr)
			}
		} else {
			if _, err := db.CompleteFrames(claim); err != nil {
				log.Printf("parallax-farm: complete: %v", err)
			}
			log.Printf("job %s: completed frames %d-%d (%s)", claim.JobID, claim.Frames[0], claim.Frames[len(claim.Frames)-1], claim.Eye)
		}
		if once {
			return
		}
	}
}

// renderClaim renders a claim's frames in order and returns how many were
// written before the first failure.
func renderClaim(ctx context.Context, db *farm.Database, cfg appconfig.Config, claim *farm.Claim) (int, error) {
	job, err := db.GetJob(claim.JobID)
	if err != nil {
		return 0, fmt.Errorf("load job: %w", err)
	}
	fmtParsed, err := export.ParseFormat(job.Format)
	if err != nil {
		return 0, err
	}

	settings := decode.DefaultSettings()
	settings.WhiteBalanceTemp = cfg.Decode.WhiteBalanceKelvin
	settings.WhiteBalanceTint = cfg.Decode.WhiteBalanceTint
	settings.ISO = float64(cfg.Decode.ISO)
	settings.UseGPU = cfg.Decode.UseGPU

	dec := decode.NewSequenceDecoder(settings)
	if err := dec.Open(job.ClipPath); err != nil {
		return 0, fmt.Errorf("open clip: %w", err)
	}
	defer dec.Close()

	warper := stmap.NewWarper()
	if job.UseSTMap && job.STMapPath != "" {
		if err := warper.LoadMap(job.STMapPath); err != nil {
			return 0, fmt.Errorf("load st map: %w", err)
		}
		warper.SetEnabled(true)
	}

	renderer := &export.Renderer{Dec: dec, Warper: warper, Grade: grade.DefaultSettings()}

	sub, err := export.EyeSubdir(claim.Eye)
	if err != nil {
		return 0, err
	}
	dir, err := export.EyeDir(job.OutputDir, sub)
	if err != nil {
		return 0, err
	}

	var sink *export.S3Sink
	if cfg.S3.Enabled {
		sink, err = export.NewS3Sink(ctx, cfg.S3.Bucket, cfg.S3.Prefix, cfg.S3.Region)
		if err != nil {
			log.Printf("parallax-farm: s3 disabled: %v", err)
			sink = nil
		}
	}

	for i, idx := range claim.Frames {
		buf, err := renderer.RenderEye(ctx, idx, claim.Eye)
		if err != nil {
			return i, fmt.Errorf("frame %d: %w", idx, err)
		}
		path := export.OutputPath(dir, "frame", idx, fmtParsed)
		if err := export.Write(path, buf, fmtParsed); err != nil {
			return i, fmt.Errorf("write %s: %w", path, err)
		}
		if sink != nil {
			if err := sink.Upload(ctx, job.OutputDir, path); err != nil {
				log.Printf("parallax-farm: upload %s: %v", path, err)
			}
		}
	}
	return len(claim.Frames), nil
}

func status(db *farm.Database) {
	jobs, err := db.Jobs(false)
	if err != nil {
		log.Fatalf("parallax-farm: list jobs: %v", err)
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs")
	}
	for _, job := range jobs {
		p, err := db.JobProgress(job.ID)
		if err != nil {
			log.Printf("parallax-farm: progress %s: %v", job.ID, err)
			continue
		}
		pct := 0
		if p.Total > 0 {
			pct = p.Completed * 100 / p.Total
		}
		fmt.Printf("%s  %-11s  %3d%%  %d/%d frames  prio %d  %s\n",
			job.ID, job.Status, pct, p.Completed, p.Total, job.Priority, filepath.Base(job.ClipPath))
	}

	workers, err := db.ActiveWorkers()
	if err != nil {
		log.Fatalf("parallax-farm: list workers: %v", err)
	}
	for _, w := range workers {
		fmt.Printf("worker %s  %-8s  %s  %d frames  seen %s\n",
			w.ID, w.Status, w.Hostname, w.FramesCompleted, w.LastHeartbeat.Format(time.RFC3339))
	}
}
