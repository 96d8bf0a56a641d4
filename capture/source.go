// Package capture runs one decoder process per camera and turns its
// stdout into FrameBus publications. The decoder is external (ffmpeg
// preferred, gstreamer fallback, platform capture for local devices);
// this package owns its lifecycle, stderr diagnostics and readiness
// accounting.
package capture

import (
	"context"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"camera-core-server/config"
	"camera-core-server/core"
	"camera-core-server/framebus"
	"camera-core-server/util"
)

// Options wires a Capture into its pipeline.
type Options struct {
	Spec   core.ResolvedSpec
	Cfg    *config.Config
	Log    zerolog.Logger
	Bus    *framebus.Bus
	Prober Resolver

	// OnReady fires once per Run when the readiness criterion is met.
	OnReady func()
	// OnDebug receives the failure record for the status store. Command
	// and stderr arrive already masked.
	OnDebug func(core.DebugRecord)
}

// Resolver supplies stream dimensions ahead of a rawvideo attempt. The
// probe package implements it with ffprobe plus a fallback cache.
type Resolver interface {
	Resolution(ctx context.Context, uri, transport string) (int, int, error)
}

// Capture drives one decoder lifecycle for one camera. At most one
// decoder process is alive per Capture at any instant.
type Capture struct {
	opt Options
	log zerolog.Logger

	newProc  procFactory
	lookPath func(string) (string, error)

	stderr *tailRing

	// lastCmd is the masked argv of the most recent attempt.
	mu      sync.Mutex
	lastCmd string
	backend string
}

func New(opt Options) *Capture {
	return &Capture{
		opt:      opt,
		log:      opt.Log.With().Str("component", "capture").Logger(),
		newProc:  newExecProc,
		lookPath: exec.LookPath,
		stderr:   newTailRing(),
	}
}

// StderrTail returns the most recent decoder stderr lines, masked.
func (c *Capture) StderrTail() []string { return c.stderr.Tail() }

// Backend returns the backend of the most recent attempt.
func (c *Capture) Backend() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

// Run executes one CaptureSource lifecycle: backends in priority order,
// and for auto transport up to two decoder invocations per backend. It
// blocks until the decoder dies or ctx is canceled, and returns a
// classified error (ctx.Err() on cancellation).
func (c *Capture) Run(ctx context.Context) error {
	var lastErr error
	tried := false

	for _, backend := range c.opt.Spec.BackendPriority {
		if backend == core.BackendLocal && !c.opt.Spec.ForDisplay {
			continue
		}
		tool := c.toolFor(backend)
		if _, err := c.lookPath(tool); err != nil {
			c.log.Debug().Str("backend", backend).Str("tool", tool).Msg("decoder tool missing, skipping")
			if lastErr == nil {
				lastErr = core.E(core.DecoderMissing, "capture", err)
			}
			continue
		}
		tried = true

		for _, transport := range c.opt.Spec.Transports("") {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wasReady, err := c.attempt(ctx, backend, transport)
			if err == nil {
				// Decoder exited cleanly after cancellation.
				return ctx.Err()
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			if wasReady {
				// A source that was delivering has died: that is a
				// reconnect event, not a reason to walk the ladder.
				return err
			}
			c.log.Warn().
				Str("backend", backend).
				Str("transport", transport).
				Str("code", string(core.CodeOf(err))).
				Msg("stream retry")
		}
	}

	if !tried && lastErr == nil {
		lastErr = core.E(core.DecoderMissing, "capture", nil)
	}
	return lastErr
}

func (c *Capture) toolFor(backend string) string {
	switch backend {
	case core.BackendGStreamer:
		return c.opt.Cfg.GstBin
	default:
		return c.opt.Cfg.FFmpegBin
	}
}

// attempt runs one decoder invocation to completion. The bool reports
// whether readiness was achieved before the decoder died.
func (c *Capture) attempt(ctx context.Context, backend, transport string) (bool, error) {
	spec := c.opt.Spec

	w, h := spec.Width, spec.Height
	needDims := spec.Mode != core.ModeHTTP
	if needDims && w == 0 {
		var err error
		w, h, err = c.opt.Prober.Resolution(ctx, spec.URI, transport)
		if err != nil {
			c.emitDebug(backend, "", -1, core.CodeOf(err))
			return false, err
		}
	}

	var tool string
	var args []string
	switch backend {
	case core.BackendGStreamer:
		tool = c.opt.Cfg.GstBin
		args = buildGstArgs(spec, transport)
	default:
		tool = c.opt.Cfg.FFmpegBin
		args = buildFFmpegArgs(spec, c.opt.Cfg, transport, w, h)
	}
	maskedCmd := tool + " " + util.MaskJoin(args)

	c.mu.Lock()
	c.lastCmd = maskedCmd
	c.backend = backend
	c.mu.Unlock()

	proc, err := c.newProc(tool, args)
	if err != nil {
		return false, core.E(core.DecoderMissing, "capture", err)
	}
	if err := proc.Start(); err != nil {
		return false, core.E(core.DecoderMissing, "capture", err)
	}

	c.stderr.reset()
	stderrDone := make(chan struct{})
	go func() {
		c.stderr.drain(proc.Stderr())
		close(stderrDone)
	}()

	c.log.Info().
		Str("backend", backend).
		Str("transport", transport).
		Str("cmd", maskedCmd).
		Msg("opened")

	var (
		stopOnce sync.Once
		waitErr  error
		waitDone = make(chan struct{})
	)
	stop := func() {
		stopOnce.Do(func() {
			waitErr = stopProc(proc)
			close(waitDone)
		})
	}

	attemptDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-attemptDone:
		}
	}()

	var readyTimedOut atomic.Bool
	ready := newReadiness(spec, c.onReady)
	readyTimer := time.AfterFunc(time.Duration(spec.ReadyTimeoutMs)*time.Millisecond, func() {
		if !ready.achieved() {
			readyTimedOut.Store(true)
			stop()
		}
	})

	var readErr error
	if spec.Mode == core.ModeHTTP {
		readErr = c.readMJPEG(proc, ready)
	} else {
		readErr = c.readRaw(proc, ready, w, h)
	}
	readyTimer.Stop()
	close(attemptDone)

	stop()
	<-waitDone
	<-stderrDone

	if ctx.Err() != nil {
		return ready.achieved(), nil
	}

	tail := c.stderr.String()
	code := c.classifyExit(tail, readErr, readyTimedOut.Load())
	exit := exitCodeOf(proc, waitErr)
	c.emitDebug(backend, maskedCmd, exit, code)
	c.log.Warn().
		Str("backend", backend).
		Int("exit_code", exit).
		Str("code", string(code)).
		Str("stderr", tail).
		Msg("decoder exited")
	return ready.achieved(), core.E(code, "capture", readErr)
}

func (c *Capture) onReady() {
	c.log.Info().Msg("first frame, source ready")
	if c.opt.OnReady != nil {
		c.opt.OnReady()
	}
}

func (c *Capture) classifyExit(stderrTail string, readErr error, readyTimedOut bool) core.Code {
	if code := core.CodeOf(readErr); code != "" {
		return code
	}
	if stderrTail == "" {
		return core.ReadTimeout
	}
	if readyTimedOut {
		// Prefer whatever the decoder said over the generic timeout.
		if code := core.ClassifyStderr(stderrTail); code != core.ConnectFailed {
			return code
		}
		return core.ReadTimeout
	}
	return core.ClassifyStderr(stderrTail)
}

func (c *Capture) emitDebug(backend, cmd string, exitCode int, code core.Code) {
	if c.opt.OnDebug == nil {
		return
	}
	c.opt.OnDebug(core.DebugRecord{
		Backend:    backend,
		Command:    cmd,
		ExitCode:   exitCode,
		StderrTail: c.stderr.String(),
		Code:       string(code),
	})
}
