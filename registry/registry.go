// Package registry owns the process-wide set of camera pipelines and
// serializes their lifecycle transitions.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"camera-core-server/core"
	"camera-core-server/framebus"
	"camera-core-server/preview"
	"camera-core-server/probe"
	"camera-core-server/reconnect"
)

// Registry maps camera ids to live pipelines. The map lock guards only
// the map; each pipeline serializes its own transitions.
type Registry struct {
	cctx   *core.Context
	prober *probe.Prober

	mu   sync.RWMutex
	cams map[string]*Pipeline

	wdStop context.CancelFunc
	wdDone chan struct{}
}

// New builds a registry and starts its watchdog sweep.
func New(cctx *core.Context) *Registry {
	r := &Registry{
		cctx:   cctx,
		prober: probe.New(cctx.Cfg, cctx.Log),
		cams:   make(map[string]*Pipeline),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.wdStop = cancel
	r.wdDone = make(chan struct{})
	go r.watchdog(ctx)
	return r
}

// Close stops the watchdog and tears down every pipeline: decoders stop,
// preview subscribers receive a terminal frame and end, and buses close.
// The pipelines stay in the map.
func (r *Registry) Close() {
	r.wdStop()
	<-r.wdDone
	for _, p := range r.snapshot() {
		p.remove()
	}
}

func (r *Registry) snapshot() []*Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pipeline, 0, len(r.cams))
	for _, p := range r.cams {
		out = append(out, p)
	}
	return out
}

func (r *Registry) get(id string) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cams[id]
	if !ok {
		return nil, core.E(core.NotFound, "registry", nil)
	}
	return p, nil
}

// Create registers a camera. The pipeline starts in IDLE; call Start to
// attach a decoder.
func (r *Registry) Create(spec core.CameraSpec) (*Pipeline, error) {
	resolved, err := core.Resolve(spec, r.cctx.Cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cams[resolved.ID]; ok {
		return nil, core.E(core.AlreadyExists, "create", nil)
	}
	p := newPipeline(r.cctx, r.prober, resolved)
	r.cams[resolved.ID] = p
	r.cctx.Log.Info().Str("camera", resolved.ID).Str("mode", resolved.Mode).Msg("camera created")
	return p, nil
}

// Start attaches a decoder. Idempotent for running pipelines; refused
// with BREAKER_OPEN while the breaker is open.
func (r *Registry) Start(id string) error {
	p, err := r.get(id)
	if err != nil {
		return err
	}
	return p.start()
}

// Stop tears down the capture side only.
func (r *Registry) Stop(id string) error {
	p, err := r.get(id)
	if err != nil {
		return err
	}
	p.stop()
	return nil
}

// Reload replaces the spec and rebuilds the pipeline. Sequence numbers
// reset.
func (r *Registry) Reload(id string, spec core.CameraSpec) error {
	spec.ID = id
	resolved, err := core.Resolve(spec, r.cctx.Cfg)
	if err != nil {
		return err
	}
	p, err := r.get(id)
	if err != nil {
		return err
	}
	return p.reload(resolved)
}

// Remove stops and deletes a camera. Preview subscribers receive a
// terminal frame and disconnect.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	p, ok := r.cams[id]
	if !ok {
		r.mu.Unlock()
		return core.E(core.NotFound, "remove", nil)
	}
	delete(r.cams, id)
	r.mu.Unlock()
	p.remove()
	r.cctx.Log.Info().Str("camera", id).Msg("camera removed")
	return nil
}

// Show enables preview subscriptions for a camera.
func (r *Registry) Show(id string) error {
	p, err := r.get(id)
	if err != nil {
		return err
	}
	p.pub.Enable()
	return nil
}

// Hide disables preview: existing subscribers drain with a final frame,
// new subscriptions are refused. Capture continues regardless.
func (r *Registry) Hide(id string) error {
	p, err := r.get(id)
	if err != nil {
		return err
	}
	p.pub.Disable()
	return nil
}

// Enumerate returns a stats row per camera, sorted by id.
func (r *Registry) Enumerate() []Stats {
	pipes := r.snapshot()
	out := make([]Stats, 0, len(pipes))
	for _, p := range pipes {
		out = append(out, p.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StatsFor returns one camera's stats row.
func (r *Registry) StatsFor(id string) (Stats, error) {
	p, err := r.get(id)
	if err != nil {
		return Stats{}, err
	}
	return p.stats(), nil
}

// SubscribePreview hands out the camera's publisher; the HTTP handler
// calls Stream on it.
func (r *Registry) SubscribePreview(id string) (*preview.Publisher, error) {
	p, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if !p.pub.Enabled() {
		return nil, core.E(core.PreviewDisabled, "subscribe", nil)
	}
	return p.pub, nil
}

// GetLatest returns the newest frame with Seq > lastSeen for external
// analytics consumers. NO_SOURCE when the camera is IDLE or STOPPED and
// its bus has never received a frame; READ_TIMEOUT when nothing new
// arrives within timeout.
func (r *Registry) GetLatest(id string, lastSeen uint64, timeout time.Duration) (framebus.Frame, error) {
	p, err := r.get(id)
	if err != nil {
		return framebus.Frame{}, err
	}
	bus := p.busRef()
	phase := p.ctrl.Phase()
	if bus.Seq() == 0 && (phase == reconnect.PhaseIdle || phase == reconnect.PhaseStopped) {
		return framebus.Frame{}, core.E(core.NoSource, "get_latest", nil)
	}
	f, ok := bus.GetLatest(lastSeen, timeout)
	if !ok {
		return framebus.Frame{}, core.E(core.ReadTimeout, "get_latest", nil)
	}
	return f, nil
}

// Probe runs a one-shot stream inspection, independent of any pipeline.
func (r *Registry) Probe(ctx context.Context, uri, transport string) (*probe.Result, error) {
	return r.prober.Probe(ctx, uri, transport)
}

// Trials runs short decode trials over transport and hwaccel
// combinations and returns the healthiest one.
func (r *Registry) Trials(ctx context.Context, uri string, sampleSeconds int, hwaccel bool) (*probe.TrialResult, error) {
	return r.prober.Trials(ctx, uri, sampleSeconds, hwaccel)
}
