// Package farm is the SQLite-backed render-farm queue: jobs expand into
// per-frame records that workers claim in batches, with claim and heartbeat
// timeouts returning abandoned work to the pool. The database file lives on
// shared storage; every worker talks straight to it.
package farm

import (
	"encoding/json"
	"time"
)

// Claim and heartbeat expiry. A claimed frame whose worker goes quiet is
// returned to pending on the next claim pass.
const (
	ClaimTimeout     = 180 * time.Second
	HeartbeatTimeout = 300 * time.Second

	// DefaultPool is where jobs land unless submitted to a named pool.
	DefaultPool = "default"

	// DefaultBatchSize is how many frames a worker claims at once.
	DefaultBatchSize = 10
)

// JobStatus is the lifecycle state of a render job.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobInProgress
	JobCompleted
	JobFailed
	JobPaused
	JobExcluded
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobInProgress:
		return "in_progress"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobPaused:
		return "paused"
	case JobExcluded:
		return "excluded"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes JobStatus as its lowercase string.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON deserializes JobStatus from a string.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = jobStatusFromString(str)
	return nil
}

func jobStatusFromString(str string) JobStatus {
	switch str {
	case "in_progress":
		return JobInProgress
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	case "paused":
		return JobPaused
	case "excluded":
		return JobExcluded
	default:
		return JobPending
	}
}

// Frame states, stored as strings in the frames table.
const (
	frameStatePending   = "pending"
	frameStateClaimed   = "claimed"
	frameStateCompleted = "completed"
	frameStateFailed    = "failed"
)

// Job is one render job covering a frame range of a clip.
type Job struct {
	ID         string    `json:"id"`
	Pool       string    `json:"pool"`
	ClipPath   string    `json:"clip_path"`
	OutputDir  string    `json:"output_dir"`
	StartFrame int       `json:"start_frame"`
	EndFrame   int       `json:"end_frame"`
	Eyes       []string  `json:"eyes"` // "left", "right", "sbs"
	Format     string    `json:"format"`
	STMapPath  string    `json:"stmap_path"`
	UseSTMap   bool      `json:"use_stmap"`
	Priority   int       `json:"priority"` // 0-100, higher first
	Status     JobStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by"`
}

// TotalFrames counts the frame records a job expands into.
func (j *Job) TotalFrames() int {
	return (j.EndFrame - j.StartFrame + 1) * len(j.Eyes)
}

// Claim is a batch of frames handed to one worker.
type Claim struct {
	JobID  string
	Eye    string
	Frames []int
}

// Progress is the per-state frame tally for a job.
type Progress struct {
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Worker is a registered render worker.
type Worker struct {
	ID              string    `json:"id"`
	Pool            string    `json:"pool"`
	Hostname        string    `json:"hostname"`
	Status          string    `json:"status"` // idle, active, offline
	CurrentJobID    string    `json:"current_job_id"`
	FramesCompleted int       `json:"frames_completed"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
}
