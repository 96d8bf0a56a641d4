package registry

import (
	"context"
	"time"

	"camera-core-server/reconnect"
)

// watchdogInterval is the sweep period for stall detection.
const watchdogInterval = 500 * time.Millisecond

// watchdog periodically checks every READY pipeline for a frame
// drought. A stall is confirmed after one extra frame slot of grace,
// then the in-flight decoder attempt is aborted so the run loop can
// cycle it through the reconnect controller.
func (r *Registry) watchdog(ctx context.Context) {
	defer close(r.wdDone)
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	timeout := r.cctx.Cfg.NoFrameTimeout()
	targetFPS := r.cctx.Cfg.TargetFPS
	if targetFPS <= 0 {
		targetFPS = 15
	}
	grace := time.Second / time.Duration(targetFPS)

	for _, p := range r.snapshot() {
		switch p.ctrl.Phase() {
		case reconnect.PhaseReady:
			lastPut := p.busRef().LastPut()
			if !lastPut.IsZero() && time.Since(lastPut) > timeout {
				p.log.Warn().Dur("since_last_frame", time.Since(lastPut)).Msg("stall detected")
				p.ctrl.Stalled()
				p.markStalled()
			}
			p.pushState()
		case reconnect.PhaseStalled:
			if since := p.stalledSince(); !since.IsZero() && time.Since(since) >= grace {
				p.clearStall()
				p.abortAttempt()
			}
		}
	}
}
