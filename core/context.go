package core

import (
	"github.com/rs/zerolog"

	"camera-core-server/config"
)

// StateRecord is the compact per-camera record published to the status
// store under cam:<id>:state.
type StateRecord struct {
	FPSIn     float64 `json:"fps_in"`
	FPSOut    float64 `json:"fps_out"`
	LastError string  `json:"last_error,omitempty"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
}

// StatusRecord mirrors the reconnect controller under cam:<id>:status.
type StatusRecord struct {
	Phase               string `json:"phase"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	NextAttemptAtMs     int64  `json:"next_attempt_at_ms"`
	LastError           string `json:"last_error,omitempty"`
}

// DebugRecord is the most recent failure, stored under camera_debug:<id>.
// Command and stderr are credential-masked before they get here.
type DebugRecord struct {
	Backend    string `json:"backend"`
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	StderrTail string `json:"stderr_tail"`
	Code       string `json:"code"`
}

// StatusWriter receives observability records. Implementations must be
// best-effort: the core never depends on them for correctness and never
// blocks the frame path on them.
type StatusWriter interface {
	PutState(id string, rec StateRecord)
	PutStatus(id string, rec StatusRecord)
	PutDebug(id string, rec DebugRecord)
}

// Context bundles the process-wide collaborators handed to every
// constructor: configuration, the root logger and the optional status
// store.
type Context struct {
	Cfg    *config.Config
	Log    zerolog.Logger
	Status StatusWriter
}

// CameraLog returns a sub-logger tagged with the camera id.
func (c *Context) CameraLog(id string) zerolog.Logger {
	return c.Log.With().Str("camera", id).Logger()
}

// PutState forwards to the status writer when one is configured.
func (c *Context) PutState(id string, rec StateRecord) {
	if c.Status != nil {
		c.Status.PutState(id, rec)
	}
}

func (c *Context) PutStatus(id string, rec StatusRecord) {
	if c.Status != nil {
		c.Status.PutStatus(id, rec)
	}
}

func (c *Context) PutDebug(id string, rec DebugRecord) {
	if c.Status != nil {
		c.Status.PutDebug(id, rec)
	}
}
