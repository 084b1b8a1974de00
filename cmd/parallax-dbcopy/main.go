// parallax-dbcopy copies render jobs (and their frame records) between two
// farm databases, e.g. when merging a retired farm's queue into the active
// one.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

func main() {
	var (
		srcPath    string
		dstPath    string
		pool       string
		onConflict string
		dryRun     bool
		verbose    bool
	)

	flag.StringVar(&srcPath, "source", "", "Path to source farm DB")
	flag.StringVar(&dstPath, "dest", "", "Path to destination farm DB")
	flag.StringVar(&pool, "pool", "", "Pool whose jobs should be copied")
	flag.StringVar(&onConflict, "on-conflict", "ignore", "Conflict behavior: ignore | abort | replace | rollback | fail")
	flag.BoolVar(&dryRun, "dry-run", false, "Show what would happen without writing")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	if srcPath == "" || dstPath == "" || pool == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -source <src.db> -dest <dest.db> -pool <pool> [-on-conflict ignore|abort|replace|rollback|fail] [-dry-run] [-v]\n", os.Args[0])
		os.Exit(2)
	}

	confVerb := strings.ToUpper(onConflict)
	validConf := map[string]bool{
		"IGNORE": true, "ABORT": true, "REPLACE": true, "ROLLBACK": true, "FAIL": true,
	}
	if !validConf[confVerb] {
		log.Fatalf("invalid -on-conflict value %q; use ignore|abort|replace|rollback|fail", onConflict)
	}

	// Open the source DB.
	// DSN notes: _pragma=busy_timeout=5000 helps with locked DBs.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=5000&_pragma=foreign_keys=ON", srcPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatalf("open source: %v", err)
	}
	defer db.Close()

	// Basic ping
	if err := db.Ping(); err != nil {
		log.Fatalf("ping source: %v", err)
	}

	// Attach the destination DB as schema "dest".
	if _, err := db.Exec(`ATTACH DATABASE ? AS dest`, dstPath); err != nil {
		log.Fatalf("attach dest: %v", err)
	}

	// Check the tables exist on both sides.
	requireTable := func(schema, table string) {
		var cnt int
		row := db.QueryRow(`SELECT count(*) FROM ` + schema + `.` +
			`sqlite_master WHERE type='table' AND name='` + table + `'`)
		if err := row.Scan(&cnt); err != nil {
			log.Fatalf("check table %s.%s: %v", schema, table, err)
		}
		if cnt == 0 {
			log.Fatalf("table %s.%s not found", schema, table)
		}
	}
	for _, table := range []string{"jobs", "frames"} {
		requireTable("main", table)
		requireTable("dest", table)
	}

	// Count what would move.
	var jobCount, frameCount int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM main.jobs WHERE pool = ?`, pool,
	).Scan(&jobCount); err != nil {
		log.Fatalf("count jobs: %v", err)
	}
	if err := db.QueryRow(`
		SELECT COUNT(*) FROM main.frames
		WHERE job_id IN (SELECT job_id FROM main.jobs WHERE pool = ?)`, pool,
	).Scan(&frameCount); err != nil {
		log.Fatalf("count frames: %v", err)
	}

	if verbose || dryRun {
		log.Printf("Pool %q in source: %d job(s), %d frame(s)", pool, jobCount, frameCount)
	}

	if dryRun {
		log.Printf("Dry run: no changes written.")
		return
	}

	tx, err := db.Begin()
	if err != nil {
		log.Fatalf("begin tx: %v", err)
	}
	defer func() {
		// In case of panic, rollback; otherwise commit/rollback handled below.
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	// Perform the copy with desired conflict behavior.
	// We use SELECT * with ATTACH so column orders match exactly.
	// Note: this assumes the destination tables have a compatible schema.
	jobsSQL := fmt.Sprintf(`
		INSERT OR %s INTO dest.jobs
		SELECT * FROM main.jobs
		WHERE pool = ?
	`, confVerb)
	framesSQL := fmt.Sprintf(`
		INSERT OR %s INTO dest.frames
		SELECT * FROM main.frames
		WHERE job_id IN (SELECT job_id FROM main.jobs WHERE pool = ?)
	`, confVerb)

	jobsRes, err := tx.Exec(jobsSQL, pool)
	if err != nil {
		_ = tx.Rollback()
		log.Fatalf("insert jobs: %v", err)
	}
	framesRes, err := tx.Exec(framesSQL, pool)
	if err != nil {
		_ = tx.Rollback()
		log.Fatalf("insert frames: %v", err)
	}

	jobsAffected, _ := jobsRes.RowsAffected()
	framesAffected, _ := framesRes.RowsAffected()
	if err := tx.Commit(); err != nil {
		log.Fatalf("commit: %v", err)
	}

	if verbose {
		log.Printf("Inserted %d job(s) and %d frame(s) into dest (conflict=%s).", jobsAffected, framesAffected, confVerb)
	} else {
		fmt.Printf("Done. Inserted %d job(s), %d frame(s).\n", jobsAffected, framesAffected)
	}
}
