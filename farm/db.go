package farm

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// busyTimeoutMS is how long a connection waits on a locked database before
// giving up. The farm DB lives on shared storage and every worker writes to
// it, so lock contention is the normal case, not an error.
const busyTimeoutMS = 60000

// Database wraps the shared SQLite job store. All mutation paths that span
// multiple rows run inside a transaction so concurrent workers on other
// machines never observe a half-claimed batch.
type Database struct {
	db *sql.DB
}

// Open opens the farm database at path and initializes the schema. The DSN
// sets a busy timeout and immediate write transactions so concurrent workers
// queue on the write lock instead of failing with SQLITE_BUSY.
func Open(path string) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=%d&_txlock=immediate", path, busyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("farm: open %s: %w", path, err)
	}
	return NewDatabase(db)
}

// NewDatabase initializes the schema on an open connection and returns the
// store. The connection should use the "sqlite" driver (modernc).
func NewDatabase(db *sql.DB) (*Database, error) {
	d := &Database{db: db}
	if err := d.createTables(); err != nil {
		return nil, fmt.Errorf("farm: init schema: %w", err)
	}
	return d, nil
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		pool TEXT NOT NULL DEFAULT 'default',
		clip_path TEXT NOT NULL,
		output_dir TEXT NOT NULL,
		start_frame INTEGER NOT NULL,
		end_frame INTEGER NOT NULL,
		eyes TEXT NOT NULL, -- JSON array
		format TEXT NOT NULL,
		stmap_path TEXT,
		use_stmap INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 50,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		created_by TEXT
	);
	CREATE TABLE IF NOT EXISTS frames (
		job_id TEXT NOT NULL,
		frame_idx INTEGER NOT NULL,
		eye TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		worker_id TEXT,
		claimed_at DATETIME,
		completed_at DATETIME,
		retry_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (job_id, frame_idx, eye)
	);
	CREATE INDEX IF NOT EXISTS idx_frames_status ON frames(status, job_id);
	CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		pool TEXT NOT NULL DEFAULT 'default',
		hostname TEXT,
		status TEXT NOT NULL DEFAULT 'idle',
		current_job_id TEXT,
		frames_completed INTEGER NOT NULL DEFAULT 0,
		last_heartbeat DATETIME NOT NULL
	)`
	_, err := d.db.Exec(schema)
	return err
}

// SubmitJob inserts a job and expands its frame records. A missing ID is
// filled with a fresh UUID; the ID is returned.
func (d *Database) SubmitJob(job *Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Pool == "" {
		job.Pool = DefaultPool
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if len(job.Eyes) == 0 {
		return "", errors.New("farm: job has no eyes")
	}
	if job.EndFrame < job.StartFrame {
		return "", fmt.Errorf("farm: bad frame range %d-%d", job.StartFrame, job.EndFrame)
	}

	eyesJSON, err := json.Marshal(job.Eyes)
	if err != nil {
		return "", err
	}

	tx, err := d.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO jobs (job_id, pool, clip_path, output_dir, start_frame, end_frame,
			eyes, format, stmap_path, use_stmap, priority, status, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Pool, job.ClipPath, job.OutputDir, job.StartFrame, job.EndFrame,
		string(eyesJSON), job.Format, job.STMapPath, boolInt(job.UseSTMap),
		job.Priority, job.Status.String(), job.CreatedAt, job.CreatedBy)
	if err != nil {
		return "", fmt.Errorf("farm: insert job: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO frames (job_id, frame_idx, eye, status) VALUES (?, ?, ?, 'pending')`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()
	for idx := job.StartFrame; idx <= job.EndFrame; idx++ {
		for _, eye := range job.Eyes {
			if _, err := stmt.Exec(job.ID, idx, eye); err != nil {
				return "", fmt.Errorf("farm: insert frame %d/%s: %w", idx, eye, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return job.ID, nil
}

// ClaimFrames atomically claims up to batchSize pending frames of one
// job+eye for a worker, preferring higher-priority then older jobs.
// Expired claims are returned to pending first. Returns nil when the pool
// has no claimable work.
func (d *Database) ClaimFrames(pool, workerID string, batchSize int) (*Claim, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	now := time.Now()
	expiry := now.Add(-ClaimTimeout)

	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Reap claims whose workers went quiet.
	if _, err := tx.Exec(`
		UPDATE frames SET status = 'pending', worker_id = NULL, claimed_at = NULL
		WHERE status = 'claimed' AND claimed_at < ?`, expiry); err != nil {
		return nil, fmt.Errorf("farm: reap expired claims: %w", err)
	}

	var jobID, eye string
	var startIdx int
	err = tx.QueryRow(`
		SELECT f.job_id, f.frame_idx, f.eye
		FROM frames f
		JOIN jobs j ON f.job_id = j.job_id
		WHERE j.pool = ? AND j.status NOT IN ('excluded', 'paused', 'completed')
		  AND f.status = 'pending'
		ORDER BY j.priority DESC, j.created_at, f.frame_idx, f.eye
		LIMIT 1`, pool).Scan(&jobID, &startIdx, &eye)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("farm: find pending frame: %w", err)
	}

	rows, err := tx.Query(`
		SELECT frame_idx FROM frames
		WHERE job_id = ? AND eye = ? AND status = 'pending' AND frame_idx >= ?
		ORDER BY frame_idx
		LIMIT ?`, jobID, eye, startIdx, batchSize)
	if err != nil {
		return nil, err
	}
	var frames []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return nil, err
		}
		frames = append(frames, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, nil
	}

	args := []interface{}{workerID, now, jobID, eye}
	for _, idx := range frames {
		args = append(args, idx)
	}
	query := fmt.Sprintf(`
		UPDATE frames SET status = 'claimed', worker_id = ?, claimed_at = ?
		WHERE job_id = ? AND eye = ? AND frame_idx IN (%s)`, placeholders(len(frames)))
	if _, err := tx.Exec(query, args...); err != nil {
		return nil, fmt.Errorf("farm: claim frames: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE jobs SET status = 'in_progress'
		WHERE job_id = ? AND status = 'pending'`, jobID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Claim{JobID: jobID, Eye: eye, Frames: frames}, nil
}

// CompleteFrames marks claimed frames done and promotes the job to
// completed when nothing is left. Returns the number of frames updated.
func (d *Database) CompleteFrames(c *Claim) (int, error) {
	if len(c.Frames) == 0 {
		return 0, nil
	}
	now := time.Now()

	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	args := []interface{}{now, c.JobID, c.Eye}
	for _, idx := range c.Frames {
		args = append(args, idx)
	}
	res, err := tx.Exec(fmt.Sprintf(`
		UPDATE frames SET status = 'completed', completed_at = ?
		WHERE job_id = ? AND eye = ? AND frame_idx IN (%s)
		  AND status IN ('claimed', 'pending')`, placeholders(len(c.Frames))), args...)
	if err != nil {
		return 0, fmt.Errorf("farm: complete frames: %w", err)
	}
	updated, _ := res.RowsAffected()

	var remaining int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM frames WHERE job_id = ? AND status != 'completed'`,
		c.JobID).Scan(&remaining); err != nil {
		return 0, err
	}
	if remaining == 0 {
		if _, err := tx.Exec(`UPDATE jobs SET status = 'completed' WHERE job_id = ?`, c.JobID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(updated), nil
}

// ReleaseFrames returns a failed claim to pending and bumps each frame's
// retry count.
func (d *Database) ReleaseFrames(c *Claim, workerID string) error {
	if len(c.Frames) == 0 {
		return nil
	}
	args := []interface{}{c.JobID, c.Eye, workerID}
	for _, idx := range c.Frames {
		args = append(args, idx)
	}
	_, err := d.db.Exec(fmt.Sprintf(`
		UPDATE frames SET status = 'pending', worker_id = NULL, claimed_at = NULL,
			retry_count = retry_count + 1
		WHERE job_id = ? AND eye = ? AND worker_id = ? AND frame_idx IN (%s)`,
		placeholders(len(c.Frames))), args...)
	if err != nil {
		return fmt.Errorf("farm: release frames: %w", err)
	}
	return nil
}

// FailFrames marks a claim permanently failed (retries exhausted).
func (d *Database) FailFrames(c *Claim) error {
	if len(c.Frames) == 0 {
		return nil
	}
	args := []interface{}{c.JobID, c.Eye}
	for _, idx := range c.Frames {
		args = append(args, idx)
	}
	_, err := d.db.Exec(fmt.Sprintf(`
		UPDATE frames SET status = 'failed'
		WHERE job_id = ? AND eye = ? AND frame_idx IN (%s)`,
		placeholders(len(c.Frames))), args...)
	return err
}

// JobProgress tallies a job's frames by state.
func (d *Database) JobProgress(jobID string) (Progress, error) {
	rows, err := d.db.Query(`
		SELECT status, COUNT(*) FROM frames WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return Progress{}, err
	}
	defer rows.Close()

	var p Progress
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Progress{}, err
		}
		switch state {
		case frameStatePending:
			p.Pending = n
		case frameStateClaimed:
			p.Claimed = n
		case frameStateCompleted:
			p.Completed = n
		case frameStateFailed:
			p.Failed = n
		}
		p.Total += n
	}
	return p, rows.Err()
}

// GetJob fetches one job.
func (d *Database) GetJob(jobID string) (*Job, error) {
	row := d.db.QueryRow(`
		SELECT job_id, pool, clip_path, output_dir, start_frame, end_frame,
			eyes, format, COALESCE(stmap_path, ''), use_stmap, priority, status,
			created_at, COALESCE(created_by, '')
		FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// Jobs lists jobs in claim order (priority descending, then FIFO).
func (d *Database) Jobs(includeExcluded bool) ([]*Job, error) {
	query := `
		SELECT job_id, pool, clip_path, output_dir, start_frame, end_frame,
			eyes, format, COALESCE(stmap_path, ''), use_stmap, priority, status,
			created_at, COALESCE(created_by, '')
		FROM jobs`
	if !includeExcluded {
		query += ` WHERE status != 'excluded'`
	}
	query += ` ORDER BY priority DESC, created_at`

	rows, err := d.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			log.Printf("farm: skipping bad job row: %v", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetJobStatus transitions a job (pause, exclude, reset to pending, ...).
func (d *Database) SetJobStatus(jobID string, status JobStatus) error {
	_, err := d.db.Exec(`UPDATE jobs SET status = ? WHERE job_id = ?`, status.String(), jobID)
	return err
}

// SetJobPriority clamps priority to [0, 100].
func (d *Database) SetJobPriority(jobID string, priority int) error {
	if priority < 0 {
		priority = 0
	}
	if priority > 100 {
		priority = 100
	}
	_, err := d.db.Exec(`UPDATE jobs SET priority = ? WHERE job_id = ?`, priority, jobID)
	return err
}

// ResetJob returns every frame of a job to pending.
func (d *Database) ResetJob(jobID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`
		UPDATE frames SET status = 'pending', worker_id = NULL,
			claimed_at = NULL, completed_at = NULL, retry_count = 0
		WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE jobs SET status = 'pending' WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteJob removes a job and its frames.
func (d *Database) DeleteJob(jobID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM frames WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// RegisterWorker upserts a worker record. A missing ID gets a fresh UUID;
// the ID is returned.
func (d *Database) RegisterWorker(w *Worker) (string, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Pool == "" {
		w.Pool = DefaultPool
	}
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO workers
			(worker_id, pool, hostname, status, current_job_id, frames_completed, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Pool, w.Hostname, "idle", w.CurrentJobID, w.FramesCompleted, time.Now())
	if err != nil {
		return "", fmt.Errorf("farm: register worker: %w", err)
	}
	return w.ID, nil
}

// Heartbeat refreshes a worker's liveness and progress counters.
func (d *Database) Heartbeat(workerID, status, currentJobID string, framesCompleted int) error {
	_, err := d.db.Exec(`
		UPDATE workers SET status = ?, current_job_id = ?, frames_completed = ?,
			last_heartbeat = ?
		WHERE worker_id = ?`, status, currentJobID, framesCompleted, time.Now(), workerID)
	return err
}

// ActiveWorkers lists workers whose heartbeat is within the timeout.
func (d *Database) ActiveWorkers() ([]*Worker, error) {
	cutoff := time.Now().Add(-HeartbeatTimeout)
	rows, err := d.db.Query(`
		SELECT worker_id, pool, COALESCE(hostname, ''), status,
			COALESCE(current_job_id, ''), frames_completed, last_heartbeat
		FROM workers WHERE last_heartbeat >= ?
		ORDER BY hostname`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w := &Worker{}
		if err := rows.Scan(&w.ID, &w.Pool, &w.Hostname, &w.Status,
			&w.CurrentJobID, &w.FramesCompleted, &w.LastHeartbeat); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var eyesJSON, status string
	var useSTMap int
	err := row.Scan(&job.ID, &job.Pool, &job.ClipPath, &job.OutputDir,
		&job.StartFrame, &job.EndFrame, &eyesJSON, &job.Format,
		&job.STMapPath, &useSTMap, &job.Priority, &status,
		&job.CreatedAt, &job.CreatedBy)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eyesJSON), &job.Eyes); err != nil {
		job.Eyes = nil
	}
	job.UseSTMap = useSTMap != 0
	job.Status = jobStatusFromString(status)
	return job, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
