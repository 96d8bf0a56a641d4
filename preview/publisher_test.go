package preview

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"camera-core-server/config"
	"camera-core-server/core"
	"camera-core-server/framebus"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.TargetFPS = 50
	cfg.HeartbeatMs = 100
	return cfg
}

func bgrFrame(w, h int, fill byte) framebus.Frame {
	return framebus.Frame{
		Width:   w,
		Height:  h,
		PixFmt:  "bgr24",
		Payload: bytes.Repeat([]byte{fill}, w*h*3),
	}
}

// collectWriter is a thread-safe sink for multipart bytes.
type collectWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *collectWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *collectWriter) snapshot() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]byte, w.buf.Len())
	copy(out, w.buf.Bytes())
	return out
}

func countParts(b []byte) int {
	return bytes.Count(b, []byte("Content-Type: image/jpeg"))
}

// produce publishes frames at the given interval until ctx ends.
func produce(ctx context.Context, bus *framebus.Bus, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	fill := byte(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fill++
			bus.Put(bgrFrame(4, 4, fill))
		}
	}
}

func TestStreamPacesToTargetFPS(t *testing.T) {
	cfg := testConfig()
	bus := framebus.New(3)
	pub := NewPublisher("cam", cfg, zerolog.Nop(), bus)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go produce(ctx, bus, 10*time.Millisecond) // ~100 fps producer

	w := &collectWriter{}
	_ = pub.Stream(ctx, w)

	got := countParts(w.snapshot())
	// 50 fps target over 1 s: generous scheduling slack on both sides.
	if got < 25 || got > 70 {
		t.Fatalf("parts = %d, want around 50", got)
	}
}

func TestStreamMultipartFraming(t *testing.T) {
	cfg := testConfig()
	bus := framebus.New(3)
	bus.Put(bgrFrame(4, 4, 7))
	pub := NewPublisher("cam", cfg, zerolog.Nop(), bus)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	w := &collectWriter{}
	_ = pub.Stream(ctx, w)

	out := w.snapshot()
	if !bytes.HasPrefix(out, []byte("--frame\r\n")) {
		t.Fatalf("stream must open with the boundary, got %q", out[:16])
	}
	if !bytes.Contains(out, []byte("Content-Type: image/jpeg\r\nContent-Length: ")) {
		t.Fatal("part headers malformed")
	}
	if !bytes.Contains(out, []byte("\r\n--frame\r\n")) {
		t.Fatal("part terminator missing")
	}
	// JPEG payload starts right after the blank line.
	idx := bytes.Index(out, []byte("\r\n\r\n"))
	if idx < 0 || out[idx+4] != 0xFF || out[idx+5] != 0xD8 {
		t.Fatal("payload is not a JPEG")
	}
}

func TestEncodeCacheSharesBytesPerSequence(t *testing.T) {
	c := newEncodeCache(80, 3)
	f := bgrFrame(4, 4, 9)
	f.Seq = 1

	a, err := c.part(f)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.part(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) == 0 || &a[0] != &b[0] {
		t.Fatal("same sequence must share one encoded buffer")
	}

	f2 := bgrFrame(4, 4, 10)
	f2.Seq = 2
	d, err := c.part(f2)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, d) {
		t.Fatal("distinct frames produced identical JPEGs")
	}
}

func TestEncodeCacheEvictsDepartedSequences(t *testing.T) {
	c := newEncodeCache(80, 2)
	for seq := uint64(1); seq <= 6; seq++ {
		f := bgrFrame(4, 4, byte(seq))
		f.Seq = seq
		if _, err := c.part(f); err != nil {
			t.Fatal(err)
		}
	}
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	if n > 3 {
		t.Fatalf("cache holds %d entries, want <= bus capacity + newest", n)
	}
}

func TestMJPEGPayloadPassesThrough(t *testing.T) {
	c := newEncodeCache(80, 3)
	jpeg := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	f := framebus.Frame{Seq: 1, PixFmt: "mjpeg", Payload: jpeg}
	out, err := c.part(f)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, jpeg) {
		t.Fatal("mjpeg payload was re-encoded")
	}
}

// blockingWriter never drains: its first write parks forever.
type blockingWriter struct {
	writes  int32
	release chan struct{}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	atomic.AddInt32(&w.writes, 1)
	<-w.release
	return len(p), nil
}

func TestStalledSubscriberDoesNotSlowOthers(t *testing.T) {
	cfg := testConfig()
	bus := framebus.New(3)
	pub := NewPublisher("cam", cfg, zerolog.Nop(), bus)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go produce(ctx, bus, 10*time.Millisecond)

	stalled := &blockingWriter{release: make(chan struct{})}
	defer close(stalled.release)
	go func() { _ = pub.Stream(ctx, stalled) }()

	healthy := &collectWriter{}
	_ = pub.Stream(ctx, healthy)

	got := countParts(healthy.snapshot())
	if got < 25 {
		t.Fatalf("healthy subscriber got %d parts, want >= 25", got)
	}
	if n := atomic.LoadInt32(&stalled.writes); n > 2 {
		t.Fatalf("stalled subscriber got %d writes, want <= 2", n)
	}
}

func TestHeartbeatKeepsIdleStreamAlive(t *testing.T) {
	cfg := testConfig()
	bus := framebus.New(3) // no producer at all
	pub := NewPublisher("cam", cfg, zerolog.Nop(), bus)

	ctx, cancel := context.WithTimeout(context.Background(), 550*time.Millisecond)
	defer cancel()
	w := &collectWriter{}
	_ = pub.Stream(ctx, w)

	out := w.snapshot()
	got := countParts(out)
	// One heartbeat per 100 ms interval, give or take scheduling.
	if got < 3 {
		t.Fatalf("heartbeats = %d, want >= 3 over 550ms", got)
	}
	if !bytes.Contains(out, heartbeatJPEG()) {
		t.Fatal("idle stream did not carry the placeholder JPEG")
	}
}

func TestDisableDeliversFinalFrameAndRejectsNewSubscribers(t *testing.T) {
	cfg := testConfig()
	bus := framebus.New(3)
	bus.Put(bgrFrame(4, 4, 3))
	pub := NewPublisher("cam", cfg, zerolog.Nop(), bus)

	w := &collectWriter{}
	done := make(chan error, 1)
	go func() { done <- pub.Stream(context.Background(), w) }()

	time.Sleep(100 * time.Millisecond)
	pub.Disable()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("drained subscriber returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not terminate within a slot of Disable")
	}
	if countParts(w.snapshot()) < 1 {
		t.Fatal("no final frame delivered")
	}

	err := pub.Stream(context.Background(), &collectWriter{})
	if core.CodeOf(err) != core.PreviewDisabled {
		t.Fatalf("new subscription = %v, want PREVIEW_DISABLED", err)
	}

	pub.Enable()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pub.Stream(ctx, &collectWriter{}); core.CodeOf(err) == core.PreviewDisabled {
		t.Fatal("re-enabled publisher still refuses subscribers")
	}
}

func TestSubscriberResyncsAfterBusSwap(t *testing.T) {
	cfg := testConfig()
	busA := framebus.New(3)
	for i := 0; i < 5; i++ {
		busA.Put(bgrFrame(4, 4, 1))
	}
	pub := NewPublisher("cam", cfg, zerolog.Nop(), busA)

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	w := &collectWriter{}
	done := make(chan struct{})
	go func() {
		_ = pub.Stream(ctx, w)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	before := countParts(w.snapshot())

	// Rebuild: fresh bus, sequence restarts from 1.
	busB := framebus.New(3)
	pub.SetBus(busB)
	busB.Put(bgrFrame(4, 4, 2))

	time.Sleep(200 * time.Millisecond)
	after := countParts(w.snapshot())
	if after <= before {
		t.Fatalf("no parts after bus swap: before=%d after=%d", before, after)
	}
	<-done
}

func TestSubscriberCountTracksConnections(t *testing.T) {
	cfg := testConfig()
	bus := framebus.New(3)
	pub := NewPublisher("cam", cfg, zerolog.Nop(), bus)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		go func() { _ = pub.Stream(ctx, &collectWriter{}) }()
	}
	deadline := time.Now().Add(time.Second)
	for pub.Subscribers() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := pub.Subscribers(); got != 3 {
		t.Fatalf("subscribers = %d, want 3", got)
	}
	cancel()
	deadline = time.Now().Add(time.Second)
	for pub.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := pub.Subscribers(); got != 0 {
		t.Fatalf("subscribers = %d after cancel, want 0", got)
	}
}
