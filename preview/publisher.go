// Package preview converts a camera's FrameBus into MJPEG multipart
// streams for any number of HTTP subscribers, with pacing, shared JPEG
// encoding and keep-alive heartbeats.
package preview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"camera-core-server/config"
	"camera-core-server/core"
	"camera-core-server/framebus"
)

// Boundary is the multipart boundary token.
const Boundary = "frame"

// ContentType is the response content type a subscriber's HTTP handler
// should send before the first part.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// Publisher broadcasts one camera's frames as MJPEG. It subscribes to
// the bus; the bus does not know it exists. The publisher outlives
// decoder restarts and is torn down only with its pipeline.
type Publisher struct {
	id  string
	cfg *config.Config
	log zerolog.Logger

	cache *encodeCache

	mu      sync.Mutex
	bus     *framebus.Bus
	enabled bool
	stopCh  chan struct{}
	subs    map[string]struct{}
}

func NewPublisher(id string, cfg *config.Config, log zerolog.Logger, bus *framebus.Bus) *Publisher {
	return &Publisher{
		id:      id,
		cfg:     cfg,
		log:     log.With().Str("component", "preview").Logger(),
		cache:   newEncodeCache(cfg.JPEGQuality, cfg.QueueMax),
		bus:     bus,
		enabled: true,
		stopCh:  make(chan struct{}),
		subs:    make(map[string]struct{}),
	}
}

// SetBus swaps the frame source after a pipeline rebuild. Subscribers
// detect the sequence reset and resynchronize.
func (p *Publisher) SetBus(bus *framebus.Bus) {
	p.mu.Lock()
	p.bus = bus
	p.mu.Unlock()
}

func (p *Publisher) busRef() *framebus.Bus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bus
}

// Enabled reports whether new subscriptions are accepted.
func (p *Publisher) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Enable accepts new subscriptions again after a Disable.
func (p *Publisher) Enable() {
	p.mu.Lock()
	if !p.enabled {
		p.enabled = true
		p.stopCh = make(chan struct{})
	}
	p.mu.Unlock()
}

// Disable rejects new subscriptions and drains the current ones: each
// receives one final frame and terminates.
func (p *Publisher) Disable() {
	p.mu.Lock()
	if p.enabled {
		p.enabled = false
		close(p.stopCh)
	}
	p.mu.Unlock()
}

// Shutdown is Disable for pipeline removal.
func (p *Publisher) Shutdown() { p.Disable() }

// Subscribers returns the number of connected preview clients.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// FPSOut reports the encoded output frame rate.
func (p *Publisher) FPSOut() float64 { return p.cache.FPS() }

// Stream serves one subscriber: it writes multipart body bytes to w at
// the target rate until ctx ends, the client write fails, or the
// publisher is disabled (terminal frame, then nil). The caller owns the
// HTTP status and headers.
func (p *Publisher) Stream(ctx context.Context, w io.Writer) error {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return core.E(core.PreviewDisabled, "subscribe", nil)
	}
	stop := p.stopCh
	subID := uuid.NewString()
	p.subs[subID] = struct{}{}
	p.mu.Unlock()

	p.log.Debug().Str("subscriber", subID).Msg("preview client open")
	defer func() {
		p.mu.Lock()
		delete(p.subs, subID)
		p.mu.Unlock()
		p.log.Debug().Str("subscriber", subID).Msg("preview client close")
	}()

	targetFPS := p.cfg.TargetFPS
	if targetFPS <= 0 {
		targetFPS = 15
	}
	slot := time.Second / time.Duration(targetFPS)

	if _, err := io.WriteString(w, "--"+Boundary+"\r\n"); err != nil {
		return err
	}
	flushIfPossible(w)

	var (
		lastSeen    uint64
		lastJPEG    []byte
		lastFreshAt time.Time
		lastBeatAt  time.Time
	)
	next := time.Now()
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if wait := time.Until(next); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-stop:
				return p.finish(w, lastJPEG, lastSeen)
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-stop:
				return p.finish(w, lastJPEG, lastSeen)
			default:
			}
		}

		// Monotonic schedule: frames for missed slots are skipped, never
		// queued, so a slow write costs the subscriber its own slots only.
		next = next.Add(slot)
		if behind := time.Since(next); behind > 0 {
			next = next.Add(slot * time.Duration(behind/slot+1))
		}

		var (
			part  []byte
			fresh bool
		)
		if bus := p.busRef(); bus != nil {
			if bus.Seq() < lastSeen {
				lastSeen = 0
			}
			if f, ok := bus.TryLatest(lastSeen); ok {
				b, err := p.cache.part(f)
				if err != nil {
					p.log.Warn().Err(err).Uint64("seq", f.Seq).Msg("encode failed")
					lastSeen = f.Seq
				} else {
					part = b
					lastSeen = f.Seq
					fresh = true
				}
			}
		}

		now := time.Now()
		if part == nil {
			heartbeat := p.cfg.HeartbeatInterval()
			switch {
			case lastJPEG != nil && now.Sub(lastFreshAt) <= heartbeat:
				part = lastJPEG
			case now.Sub(lastBeatAt) >= heartbeat:
				part = lastJPEG
				if part == nil {
					part = heartbeatJPEG()
				}
				lastBeatAt = now
			default:
				continue
			}
		}

		if err := writePart(w, part); err != nil {
			return err
		}
		flushIfPossible(w)
		if fresh {
			lastJPEG = part
			lastFreshAt = now
			lastBeatAt = now
		}
	}
}

// finish emits the terminal frame after a disable and ends the stream
// cleanly.
func (p *Publisher) finish(w io.Writer, lastJPEG []byte, lastSeen uint64) error {
	part := lastJPEG
	if bus := p.busRef(); bus != nil {
		if f, ok := bus.TryLatest(lastSeen); ok {
			if b, err := p.cache.part(f); err == nil {
				part = b
			}
		}
	}
	if part == nil {
		part = heartbeatJPEG()
	}
	if err := writePart(w, part); err != nil {
		return err
	}
	flushIfPossible(w)
	return nil
}

// writePart frames one JPEG as a multipart segment. The stream opener
// already wrote the leading boundary, so each part ends with the next
// one.
func writePart(w io.Writer, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n--"+Boundary+"\r\n")
	return err
}

func flushIfPossible(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
