package domain

import "time"

// Exit sentinels recorded by a process handle. Real exit codes are >= 0.
const (
	// ExitCancelled is recorded when the process was terminated by Cancel.
	ExitCancelled = -1
	// ExitIOAbort is recorded when an output stream failed mid-run.
	ExitIOAbort = -2
)

// ProcessStatus represents the lifecycle state of a spawned process.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusExited    ProcessStatus = "exited"
	ProcessStatusCancelled ProcessStatus = "cancelled"
	ProcessStatusAborted   ProcessStatus = "aborted"
)

// Stream identifies which output pipe a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LineEvent is one decoded line of process output.
// Seq is strictly increasing per process across both streams.
type LineEvent struct {
	Seq    uint64 `json:"seq"`
	Stream Stream `json:"stream"`
	Text   string `json:"text"`
}

// ProcessInfo is a point-in-time view of a process handle.
type ProcessInfo struct {
	PID       int           `json:"pid"`
	Command   string        `json:"command"`
	Dir       string        `json:"dir,omitempty"`
	Status    ProcessStatus `json:"status"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Lines     uint64        `json:"lines"`
	Dropped   uint64        `json:"dropped,omitempty"`
}

// Canceller is anything whose underlying work can be cooperatively stopped.
// Implementations must be idempotent.
type Canceller interface {
	Cancel()
}

// CancelFunc adapts a plain function to Canceller.
type CancelFunc func()

// Cancel calls f.
func (f CancelFunc) Cancel() { f() }
