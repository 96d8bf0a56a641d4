// Package reconnect holds the per-camera lifecycle state machine:
// exponential backoff with jitter and a circuit breaker that throttles
// reconnect storms.
package reconnect

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camera-core-server/config"
	"camera-core-server/core"
)

// Phase of a camera pipeline.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseConnecting  Phase = "CONNECTING"
	PhaseReady       Phase = "READY"
	PhaseStalled     Phase = "STALLED"
	PhaseCooldown    Phase = "COOLDOWN"
	PhaseOpenBreaker Phase = "OPEN_BREAKER"
	PhaseStopped     Phase = "STOPPED"
)

// maxBackoffExp caps the exponent so the doubling stops at 2^6.
const maxBackoffExp = 6

// readySustain is how long READY must hold before the failure counter
// resets on the next exit.
const readySustain = 5 * time.Second

// Snapshot is a copy of the controller state, published on every
// transition.
type Snapshot struct {
	Phase               Phase
	ConsecutiveFailures int
	NextAttemptAt       time.Time
	BreakerOpenedAt     time.Time
	LastError           core.Code
}

// Controller is the per-camera state machine. It holds no goroutines;
// the pipeline run loop drives it and sleeps on its verdicts.
type Controller struct {
	cfg      *config.Config
	log      zerolog.Logger
	onChange func(Snapshot)

	now  func() time.Time
	frnd func() float64

	mu              sync.Mutex
	phase           Phase
	failures        int
	nextAttemptAt   time.Time
	breakerOpenedAt time.Time
	readyAt         time.Time
	lastError       core.Code
}

func New(cfg *config.Config, log zerolog.Logger, onChange func(Snapshot)) *Controller {
	return &Controller{
		cfg:      cfg,
		log:      log.With().Str("component", "reconnect").Logger(),
		onChange: onChange,
		now:      time.Now,
		frnd:     rand.Float64,
		phase:    PhaseIdle,
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:               c.phase,
		ConsecutiveFailures: c.failures,
		NextAttemptAt:       c.nextAttemptAt,
		BreakerOpenedAt:     c.breakerOpenedAt,
		LastError:           c.lastError,
	}
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// LastError returns the most recent taxonomy code.
func (c *Controller) LastError() core.Code {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// StartAllowed is the synchronous gate for an explicit start attempt.
// While the breaker is open it refuses with BREAKER_OPEN.
func (c *Controller) StartAllowed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseOpenBreaker && c.now().Before(c.breakerOpenedAt.Add(c.cfg.BreakerOpenFor())) {
		return core.E(core.BreakerOpen, "start", nil)
	}
	return nil
}

// AttemptAllowed reports whether the run loop may spawn a decoder now.
// An open breaker whose window has elapsed moves to COOLDOWN (half-open)
// and allows one attempt.
func (c *Controller) AttemptAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	switch c.phase {
	case PhaseIdle, PhaseCooldown:
		if now.Before(c.nextAttemptAt) {
			return false
		}
		return true
	case PhaseOpenBreaker:
		if now.Before(c.breakerOpenedAt.Add(c.cfg.BreakerOpenFor())) {
			return false
		}
		c.phase = PhaseCooldown
		c.nextAttemptAt = now
		c.publishLocked()
		return true
	default:
		return false
	}
}

// WaitHint returns how long the run loop should sleep before re-asking
// AttemptAllowed.
func (c *Controller) WaitHint() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var until time.Time
	switch c.phase {
	case PhaseOpenBreaker:
		until = c.breakerOpenedAt.Add(c.cfg.BreakerOpenFor())
	default:
		until = c.nextAttemptAt
	}
	d := until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Connecting records the start of a decoder attempt.
func (c *Controller) Connecting() {
	c.transition(PhaseConnecting, func() {})
}

// Ready records the readiness criterion being met.
func (c *Controller) Ready() {
	c.transition(PhaseReady, func() {
		c.readyAt = c.now()
	})
}

// Stalled records the watchdog detecting a frame drought on a READY
// source.
func (c *Controller) Stalled() {
	c.mu.Lock()
	if c.phase != PhaseReady {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseStalled
	c.lastError = core.ReadTimeout
	c.publishLocked()
	c.mu.Unlock()
}

// Failure records a decoder exit or readiness timeout and schedules the
// next attempt. Persistent configuration errors count double so the
// breaker opens sooner for them.
func (c *Controller) Failure(code core.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseStopped {
		return
	}
	now := c.now()

	if c.phase == PhaseReady && now.Sub(c.readyAt) >= readySustain {
		c.failures = 0
	}

	weight := 1
	if code != "" && !core.Transient(code) {
		weight = 2
	}
	c.failures += weight
	if code != "" {
		c.lastError = code
	}

	if c.failures >= c.cfg.BreakerThreshold {
		c.phase = PhaseOpenBreaker
		c.breakerOpenedAt = now
		c.nextAttemptAt = now.Add(c.cfg.BreakerOpenFor())
		c.log.Warn().
			Int("failures", c.failures).
			Str("last_error", string(c.lastError)).
			Dur("open_for", c.cfg.BreakerOpenFor()).
			Msg("breaker opened")
	} else {
		delay := c.backoffLocked()
		c.phase = PhaseCooldown
		c.nextAttemptAt = now.Add(delay)
		c.log.Info().
			Int("failures", c.failures).
			Str("last_error", string(c.lastError)).
			Dur("delay", delay).
			Msg("cooldown")
	}
	c.publishLocked()
}

// Stop moves to the terminal STOPPED phase.
func (c *Controller) Stop() {
	c.transition(PhaseStopped, func() {})
}

// Reset returns a stopped or fresh controller to IDLE (used by reload).
func (c *Controller) Reset() {
	c.mu.Lock()
	c.phase = PhaseIdle
	c.failures = 0
	c.nextAttemptAt = time.Time{}
	c.breakerOpenedAt = time.Time{}
	c.lastError = ""
	c.publishLocked()
	c.mu.Unlock()
}

func (c *Controller) transition(to Phase, apply func()) {
	c.mu.Lock()
	if c.phase == to {
		c.mu.Unlock()
		return
	}
	c.phase = to
	apply()
	c.publishLocked()
	c.mu.Unlock()
}

// backoffLocked computes min(max, base*2^min(n,6)) with +/- jitter.
func (c *Controller) backoffLocked() time.Duration {
	exp := c.failures
	if exp > maxBackoffExp {
		exp = maxBackoffExp
	}
	delay := c.cfg.BackoffBase() << uint(exp)
	if delay > c.cfg.BackoffMax() {
		delay = c.cfg.BackoffMax()
	}
	jitter := 1 + c.cfg.Jitter*(2*c.frnd()-1)
	return time.Duration(float64(delay) * jitter)
}

func (c *Controller) publishLocked() {
	if c.onChange != nil {
		c.onChange(c.snapshotLocked())
	}
}
