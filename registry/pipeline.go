package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camera-core-server/capture"
	"camera-core-server/core"
	"camera-core-server/framebus"
	"camera-core-server/preview"
	"camera-core-server/probe"
	"camera-core-server/reconnect"
)

// Pipeline is one camera's live machinery: bus, publisher, reconnect
// controller and the run loop that keeps a decoder attached. All
// lifecycle transitions are serialized by mu; the registry map lock
// never extends into a transition.
type Pipeline struct {
	id     string
	cctx   *core.Context
	prober *probe.Prober
	log    zerolog.Logger

	mu      sync.Mutex
	spec    core.ResolvedSpec
	bus     *framebus.Bus
	pub     *preview.Publisher
	ctrl    *reconnect.Controller
	running bool
	runStop context.CancelFunc
	runDone chan struct{}

	// attempt cancellation lives under its own lock so the watchdog can
	// abort a stalled decoder without touching the lifecycle lock.
	attMu     sync.Mutex
	attCancel context.CancelFunc
	stalledAt time.Time
}

func newPipeline(cctx *core.Context, prober *probe.Prober, spec core.ResolvedSpec) *Pipeline {
	log := cctx.CameraLog(spec.ID)
	bus := framebus.New(cctx.Cfg.QueueMax)
	p := &Pipeline{
		id:     spec.ID,
		cctx:   cctx,
		prober: prober,
		log:    log,
		spec:   spec,
		bus:    bus,
		pub:    preview.NewPublisher(spec.ID, cctx.Cfg, log, bus),
	}
	p.ctrl = reconnect.New(cctx.Cfg, log, p.publishStatus)
	return p
}

func (p *Pipeline) publishStatus(s reconnect.Snapshot) {
	p.cctx.PutStatus(p.id, core.StatusRecord{
		Phase:               string(s.Phase),
		ConsecutiveFailures: s.ConsecutiveFailures,
		NextAttemptAtMs:     s.NextAttemptAt.UnixMilli(),
		LastError:           string(s.LastError),
	})
}

// start launches the run loop. Idempotent: a pipeline already
// connecting, ready or stalled is left alone. Refused with BREAKER_OPEN
// while the breaker is open.
func (p *Pipeline) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ctrl.StartAllowed(); err != nil {
		return err
	}
	if p.running {
		// The run loop already owns the lifecycle; start is a no-op.
		return nil
	}
	switch p.ctrl.Phase() {
	case reconnect.PhaseStopped:
		p.ctrl.Reset()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.runStop = cancel
	p.runDone = make(chan struct{})
	p.running = true
	go p.runLoop(ctx, p.runDone, p.spec, p.bus)
	return nil
}

// stop tears down the capture side. The publisher keeps serving cached
// frames and heartbeats; the bus survives until remove or reload.
func (p *Pipeline) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pipeline) stopLocked() {
	if p.running {
		p.runStop()
		done := p.runDone
		p.running = false
		p.mu.Unlock()
		<-done
		p.mu.Lock()
	}
	p.ctrl.Stop()
}

// reload swaps the spec and rebuilds the bus; sequence numbers reset
// and preview subscribers resynchronize.
func (p *Pipeline) reload(spec core.ResolvedSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.bus.Close()
	p.spec = spec
	p.bus = framebus.New(p.cctx.Cfg.QueueMax)
	p.pub.SetBus(p.bus)
	p.ctrl.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	p.runStop = cancel
	p.runDone = make(chan struct{})
	p.running = true
	go p.runLoop(ctx, p.runDone, p.spec, p.bus)
	return nil
}

// remove tears everything down: subscribers get a terminal frame, the
// bus is destroyed.
func (p *Pipeline) remove() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.pub.Shutdown()
	p.bus.Close()
}

// runLoop keeps one decoder attached, cycling through the reconnect
// controller's verdicts until canceled.
func (p *Pipeline) runLoop(ctx context.Context, done chan struct{}, spec core.ResolvedSpec, bus *framebus.Bus) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}
		if !p.ctrl.AttemptAllowed() {
			wait := p.ctrl.WaitHint()
			if wait < 50*time.Millisecond {
				wait = 50 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		p.ctrl.Connecting()
		attemptCtx, cancel := context.WithCancel(ctx)
		p.setAttemptCancel(cancel)

		cap := capture.New(capture.Options{
			Spec:    spec,
			Cfg:     p.cctx.Cfg,
			Log:     p.log,
			Bus:     bus,
			Prober:  p.prober,
			OnReady: p.onReady,
			OnDebug: func(rec core.DebugRecord) { p.cctx.PutDebug(p.id, rec) },
		})
		err := cap.Run(attemptCtx)
		cancel()
		p.setAttemptCancel(nil)

		if ctx.Err() != nil {
			return
		}
		code := core.CodeOf(err)
		if code == "" {
			// Watchdog abort of a stalled attempt surfaces as a bare
			// context error.
			code = core.ReadTimeout
		}
		p.ctrl.Failure(code)
		p.pushState()
	}
}

func (p *Pipeline) onReady() {
	p.ctrl.Ready()
	p.clearStall()
	p.pushState()
}

func (p *Pipeline) setAttemptCancel(cancel context.CancelFunc) {
	p.attMu.Lock()
	p.attCancel = cancel
	p.attMu.Unlock()
}

// abortAttempt cancels the in-flight decoder attempt (watchdog stall
// path).
func (p *Pipeline) abortAttempt() {
	p.attMu.Lock()
	cancel := p.attCancel
	p.attMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pipeline) markStalled() {
	p.attMu.Lock()
	if p.stalledAt.IsZero() {
		p.stalledAt = time.Now()
	}
	p.attMu.Unlock()
}

func (p *Pipeline) stalledSince() time.Time {
	p.attMu.Lock()
	defer p.attMu.Unlock()
	return p.stalledAt
}

func (p *Pipeline) clearStall() {
	p.attMu.Lock()
	p.stalledAt = time.Time{}
	p.attMu.Unlock()
}

// busRef returns the current bus without holding the lifecycle lock
// longer than a pointer copy.
func (p *Pipeline) busRef() *framebus.Bus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bus
}

// Stats is one row of the enumerate output.
type Stats struct {
	ID                  string    `json:"id"`
	Phase               string    `json:"phase"`
	LastError           string    `json:"last_error,omitempty"`
	FPSIn               float64   `json:"fps_in"`
	FPSOut              float64   `json:"fps_out"`
	Width               int       `json:"width"`
	Height              int       `json:"height"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextAttemptAt       time.Time `json:"next_attempt_at,omitempty"`
	Subscribers         int       `json:"subscribers"`
	PreviewEnabled      bool      `json:"preview_enabled"`
}

func (p *Pipeline) stats() Stats {
	snap := p.ctrl.Snapshot()
	info := p.busRef().Info()
	return Stats{
		ID:                  p.id,
		Phase:               string(snap.Phase),
		LastError:           string(snap.LastError),
		FPSIn:               info.FPS,
		FPSOut:              p.pub.FPSOut(),
		Width:               info.Width,
		Height:              info.Height,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		NextAttemptAt:       snap.NextAttemptAt,
		Subscribers:         p.pub.Subscribers(),
		PreviewEnabled:      p.pub.Enabled(),
	}
}

// pushState refreshes the compact state record in the status store.
func (p *Pipeline) pushState() {
	snap := p.ctrl.Snapshot()
	info := p.busRef().Info()
	p.cctx.PutState(p.id, core.StateRecord{
		FPSIn:     info.FPS,
		FPSOut:    p.pub.FPSOut(),
		LastError: string(snap.LastError),
		Width:     info.Width,
		Height:    info.Height,
	})
}
