package probe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"camera-core-server/config"
	"camera-core-server/core"
)

const ffprobeJSON = `{
  "streams": [
    {"codec_type": "audio", "codec_name": "aac"},
    {
      "codec_type": "video",
      "codec_name": "h264",
      "profile": "Main",
      "width": 1280,
      "height": 720,
      "pix_fmt": "yuv420p",
      "r_frame_rate": "30/1",
      "avg_frame_rate": "25/1"
    }
  ]
}`

func newTestProber(run runFunc) *Prober {
	p := New(config.Default(), zerolog.Nop())
	p.run = run
	return p
}

func TestProbeParsesVideoStream(t *testing.T) {
	var gotArgs []string
	p := newTestProber(func(ctx context.Context, name string, args []string) (string, string, error) {
		gotArgs = args
		return ffprobeJSON, "", nil
	})

	res, err := p.Probe(context.Background(), "rtsp://10.0.0.5/stream", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Codec != "h264" || res.Profile != "Main" {
		t.Fatalf("codec = %s/%s", res.Codec, res.Profile)
	}
	if res.Width != 1280 || res.Height != 720 {
		t.Fatalf("resolution = %dx%d", res.Width, res.Height)
	}
	if res.NominalFPS != 30 || res.AvgFPS != 25 {
		t.Fatalf("fps = %v/%v", res.NominalFPS, res.AvgFPS)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "-rtsp_transport tcp") {
		t.Errorf("rtsp probe should default to tcp: %s", joined)
	}
	if !strings.Contains(joined, "-stimeout") {
		t.Errorf("stimeout missing: %s", joined)
	}
}

func TestProbeClassification(t *testing.T) {
	cases := []struct {
		stderr string
		want   core.Code
	}{
		{"method DESCRIBE failed: 401 Unauthorized", core.AuthFailed},
		{"Server returned 403 Forbidden (access denied)", core.AuthFailed},
		{"Server returned 404 Not Found", core.InvalidPath},
		{"Connection to tcp://h:554 failed: Connection refused", core.NetworkUnreachable},
		{"rtsp://h/s: Invalid data found when processing input", core.InvalidStream},
		{"some other failure", core.ConnectFailed},
	}
	for _, c := range cases {
		p := newTestProber(func(ctx context.Context, name string, args []string) (string, string, error) {
			return "", c.stderr, errors.New("exit status 1")
		})
		_, err := p.Probe(context.Background(), "rtsp://bad/url", "")
		if core.CodeOf(err) != c.want {
			t.Errorf("stderr %q: code = %s, want %s", c.stderr, core.CodeOf(err), c.want)
		}
	}
}

func TestProbeNoVideoStream(t *testing.T) {
	p := newTestProber(func(ctx context.Context, name string, args []string) (string, string, error) {
		return `{"streams": [{"codec_type": "audio", "codec_name": "aac"}]}`, "", nil
	})
	_, err := p.Probe(context.Background(), "rtsp://h/s", "")
	if core.CodeOf(err) != core.NoVideoStream {
		t.Fatalf("err = %v, want NO_VIDEO_STREAM", err)
	}
}

func TestResolutionUsesFallbackCacheWithinTTL(t *testing.T) {
	calls := 0
	p := newTestProber(func(ctx context.Context, name string, args []string) (string, string, error) {
		calls++
		if calls == 1 {
			return ffprobeJSON, "", nil
		}
		return "", "Connection refused", errors.New("exit status 1")
	})

	w, h, err := p.Resolution(context.Background(), "rtsp://h/s", "tcp")
	if err != nil || w != 1280 || h != 720 {
		t.Fatalf("first resolution = %dx%d err=%v", w, h, err)
	}
	if calls != 1 {
		t.Fatalf("probe processes spawned = %d, want 1", calls)
	}

	// Second lookup inside the TTL: served from cache, no process.
	w, h, err = p.Resolution(context.Background(), "rtsp://h/s", "tcp")
	if err != nil || w != 1280 || h != 720 {
		t.Fatalf("cached resolution = %dx%d err=%v", w, h, err)
	}
	if calls != 1 {
		t.Fatalf("probe processes spawned = %d, want still 1", calls)
	}
}

func TestResolutionServesStaleCacheWhenProbeFails(t *testing.T) {
	calls := 0
	p := newTestProber(func(ctx context.Context, name string, args []string) (string, string, error) {
		calls++
		if calls == 1 {
			return ffprobeJSON, "", nil
		}
		return "", "Connection refused", errors.New("exit status 1")
	})

	if _, _, err := p.Resolution(context.Background(), "rtsp://h/s", "tcp"); err != nil {
		t.Fatal(err)
	}
	// Age the entry past the TTL, then fail the refresh probe.
	p.mu.Lock()
	e := p.fallback["rtsp://h/s"]
	e.storedAt = time.Now().Add(-time.Hour)
	p.fallback["rtsp://h/s"] = e
	p.mu.Unlock()

	w, h, err := p.Resolution(context.Background(), "rtsp://h/s", "tcp")
	if err != nil || w != 1280 || h != 720 {
		t.Fatalf("stale fallback = %dx%d err=%v", w, h, err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	// The stamp was refreshed: the next lookup inside the TTL skips the
	// probe entirely.
	if _, _, err := p.Resolution(context.Background(), "rtsp://h/s", "tcp"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d after refresh, want 2", calls)
	}
}

func TestResolutionFailsWithoutAnyCache(t *testing.T) {
	p := newTestProber(func(ctx context.Context, name string, args []string) (string, string, error) {
		return "", "401 Unauthorized", errors.New("exit status 1")
	})
	_, _, err := p.Resolution(context.Background(), "rtsp://new/cam", "tcp")
	if core.CodeOf(err) != core.AuthFailed {
		t.Fatalf("err = %v, want AUTH_FAILED", err)
	}
}

func TestTrialsPickMostFrames(t *testing.T) {
	p := newTestProber(func(ctx context.Context, name string, args []string) (string, string, error) {
		joined := strings.Join(args, " ")
		stderr := "frame=  12 fps=6\n"
		if strings.Contains(joined, "-rtsp_transport udp") {
			stderr = "frame=  48 fps=24\n"
		}
		return "", stderr, nil
	})

	best, err := p.Trials(context.Background(), "rtsp://h/s", 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if best.Transport != "udp" || best.Frames != 48 {
		t.Fatalf("best = %+v, want udp with 48 frames", best)
	}
}

func TestTrialsAllDeadFails(t *testing.T) {
	p := newTestProber(func(ctx context.Context, name string, args []string) (string, string, error) {
		return "", "Connection refused", errors.New("exit status 1")
	})
	_, err := p.Trials(context.Background(), "rtsp://h/s", 1, true)
	if core.CodeOf(err) != core.ConnectFailed {
		t.Fatalf("err = %v, want CONNECT_FAILED", err)
	}
}

func TestParseFrameCountTakesLastProgressLine(t *testing.T) {
	stderr := "frame=  10 fps=5\nframe=  20 fps=10\nframe= 31 fps=15\n"
	if got := parseFrameCount(stderr); got != 31 {
		t.Fatalf("frames = %d, want 31", got)
	}
	if got := parseFrameCount("no progress here"); got != 0 {
		t.Fatalf("frames = %d, want 0", got)
	}
}
