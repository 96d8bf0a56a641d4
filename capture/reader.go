package capture

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"camera-core-server/core"
	"camera-core-server/framebus"
)

// readiness tracks the trust criterion for a freshly started decoder:
// ready_frames consecutive frames or ready_duration_ms of contiguous
// delivery, whichever comes first.
type readiness struct {
	mu           sync.Mutex
	needFrames   int
	needDuration time.Duration
	firstAt      time.Time
	consecutive  int
	done         bool
	onReady      func()
}

func newReadiness(spec core.ResolvedSpec, onReady func()) *readiness {
	r := &readiness{
		needFrames:   spec.ReadyFrames,
		needDuration: time.Duration(spec.ReadyDurationMs) * time.Millisecond,
		onReady:      onReady,
	}
	if r.needFrames <= 0 && r.needDuration <= 0 {
		r.needFrames = 1
	}
	return r
}

// frame records one complete frame and fires onReady when the
// criterion is first met.
func (r *readiness) frame() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	if r.firstAt.IsZero() {
		r.firstAt = now
	}
	r.consecutive++
	met := (r.needFrames > 0 && r.consecutive >= r.needFrames) ||
		(r.needDuration > 0 && now.Sub(r.firstAt) >= r.needDuration)
	if met {
		r.done = true
	}
	cb := r.onReady
	r.mu.Unlock()
	if met && cb != nil {
		cb()
	}
}

// interrupt resets contiguity after a partial read.
func (r *readiness) interrupt() {
	r.mu.Lock()
	if !r.done {
		r.consecutive = 0
		r.firstAt = time.Time{}
	}
	r.mu.Unlock()
}

func (r *readiness) achieved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// readRaw consumes fixed-size bgr24 frames from the decoder stdout and
// publishes them. Returns nil when the stream ends; classification
// happens on the stderr tail afterwards.
func (c *Capture) readRaw(proc decoderProc, ready *readiness, w, h int) error {
	expected := w * h * 3
	if expected <= 0 {
		return core.E(core.NoVideoStream, "capture", errors.New("no stream dimensions"))
	}
	stdout := proc.Stdout()
	buf := make([]byte, expected)
	graceDeadline := time.Now().Add(c.opt.Cfg.FirstFrameGrace())
	firstFrame := false
	partials := 0

	for {
		n, err := io.ReadFull(stdout, buf)
		switch {
		case err == nil:
			payload := make([]byte, expected)
			copy(payload, buf)
			c.opt.Bus.Put(framebus.Frame{
				Timestamp: time.Now(),
				Width:     w,
				Height:    h,
				PixFmt:    "bgr24",
				Payload:   payload,
			})
			firstFrame = true
			partials = 0
			ready.frame()

		case errors.Is(err, io.ErrUnexpectedEOF):
			if !firstFrame && time.Now().Before(graceDeadline) {
				continue
			}
			partials++
			ready.interrupt()
			c.log.Debug().Int("read", n).Int("want", expected).Msg("incomplete frame")
			if partials >= c.opt.Cfg.MaxPartialReads {
				return nil
			}

		default:
			// EOF or closed pipe: the decoder is gone.
			return nil
		}
	}
}

// readMJPEG scans the decoder stdout for JPEG SOI/EOI boundaries and
// publishes each complete segment without re-encoding.
func (c *Capture) readMJPEG(proc decoderProc, ready *readiness) error {
	r := bufio.NewReaderSize(proc.Stdout(), 64*1024)
	var frame bytes.Buffer
	inFrame := false

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil
		}
		if !inFrame {
			if b != 0xFF {
				continue
			}
			next, err := r.Peek(1)
			if err != nil || next[0] != 0xD8 {
				continue
			}
			frame.Reset()
			frame.WriteByte(b)
			b2, _ := r.ReadByte()
			frame.WriteByte(b2)
			inFrame = true
			continue
		}

		frame.WriteByte(b)
		if b != 0xFF {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil
		}
		if next[0] != 0xD9 {
			continue
		}
		b2, _ := r.ReadByte()
		frame.WriteByte(b2)
		payload := make([]byte, frame.Len())
		copy(payload, frame.Bytes())
		c.opt.Bus.Put(framebus.Frame{
			Timestamp: time.Now(),
			Width:     c.opt.Spec.Width,
			Height:    c.opt.Spec.Height,
			PixFmt:    "mjpeg",
			Payload:   payload,
		})
		ready.frame()
		inFrame = false
	}
}
