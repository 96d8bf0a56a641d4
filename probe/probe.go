// Package probe inspects a stream with the decoder's probe tool. One
// shot, side-effect free: it never touches a pipeline.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camera-core-server/config"
	"camera-core-server/core"
	"camera-core-server/util"
)

// Result carries what ffprobe reported about the video stream.
type Result struct {
	Codec      string  `json:"codec"`
	Profile    string  `json:"profile"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	PixFmt     string  `json:"pix_fmt"`
	NominalFPS float64 `json:"nominal_fps"`
	AvgFPS     float64 `json:"avg_fps"`
	// Transport and Hwaccel are filled by trial decodes when requested.
	Transport string `json:"transport,omitempty"`
	Hwaccel   bool   `json:"hwaccel,omitempty"`
}

// TrialResult is one short decode attempt.
type TrialResult struct {
	Transport string
	Hwaccel   bool
	Frames    int
	Elapsed   time.Duration
}

// runFunc executes a probe command and returns its stdout, stderr and
// exit error. Tests substitute this to avoid spawning processes.
type runFunc func(ctx context.Context, name string, args []string) (string, string, error)

func execRun(ctx context.Context, name string, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

type fallbackEntry struct {
	width, height int
	storedAt      time.Time
}

// Prober probes streams and remembers the last known resolution per URI
// for a bounded TTL so a flapping camera does not cost a probe process
// on every reconnect.
type Prober struct {
	cfg *config.Config
	log zerolog.Logger
	run runFunc

	mu       sync.Mutex
	fallback map[string]fallbackEntry
}

func New(cfg *config.Config, log zerolog.Logger) *Prober {
	return &Prober{
		cfg:      cfg,
		log:      log.With().Str("component", "probe").Logger(),
		run:      execRun,
		fallback: make(map[string]fallbackEntry),
	}
}

// Probe runs ffprobe against the URI. transport is "tcp", "udp" or ""
// for non-RTSP URIs. Failures are classified per the taxonomy.
func (p *Prober) Probe(ctx context.Context, uri, transport string) (*Result, error) {
	args := []string{"-v", "error", "-show_format", "-show_streams", "-print_format", "json"}
	if strings.HasPrefix(uri, "rtsp://") {
		if transport == "" {
			transport = "tcp"
		}
		args = append(args,
			"-rtsp_transport", transport,
			"-stimeout", strconv.Itoa(p.cfg.RTSPStimeoutUsec),
			"-select_streams", "v:0",
		)
	}
	args = append(args, uri)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.FFprobeTimeout())
	defer cancel()

	stdout, stderr, err := p.run(ctx, p.cfg.FFprobeBin, args)
	if err != nil {
		code := classifyProbe(stderr, err)
		p.log.Warn().
			Str("uri", util.MaskCredentials(uri)).
			Str("code", string(code)).
			Str("stderr", util.MaskCredentials(tail(stderr, 4))).
			Msg("probe failed")
		return nil, core.E(code, "probe", err)
	}

	res, ok := parseFFprobe(stdout)
	if !ok {
		return nil, core.E(core.NoVideoStream, "probe", nil)
	}
	p.rememberResolution(uri, res.Width, res.Height)
	return res, nil
}

// Resolution returns stream dimensions for the reader, consulting the
// fallback cache before spawning a probe and refreshing the cache on
// success. Within the fallback TTL a failed or skipped probe is served
// from cache without a new process.
func (p *Prober) Resolution(ctx context.Context, uri, transport string) (int, int, error) {
	p.mu.Lock()
	entry, ok := p.fallback[uri]
	fresh := ok && time.Since(entry.storedAt) < p.cfg.StreamProbeFallbackTTL()
	p.mu.Unlock()
	if fresh {
		return entry.width, entry.height, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.StreamProbeTimeout())
	defer cancel()
	res, err := p.Probe(ctx, uri, transport)
	if err != nil {
		if ok {
			// Stale cache beats no dimensions at all; refresh the stamp
			// so the next reconnect inside the TTL skips the probe too.
			p.rememberResolution(uri, entry.width, entry.height)
			return entry.width, entry.height, nil
		}
		return 0, 0, err
	}
	if res.Width <= 0 || res.Height <= 0 {
		return 0, 0, core.E(core.NoVideoStream, "probe", nil)
	}
	return res.Width, res.Height, nil
}

func (p *Prober) rememberResolution(uri string, w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	p.mu.Lock()
	p.fallback[uri] = fallbackEntry{width: w, height: h, storedAt: time.Now()}
	p.mu.Unlock()
}

// Trials runs short decodes over {tcp,udp} x {hwaccel on,off} and
// returns the combination that produced the most frames. Non-RTSP URIs
// skip the transport axis.
func (p *Prober) Trials(ctx context.Context, uri string, sampleSeconds int, enableHwaccel bool) (*TrialResult, error) {
	if sampleSeconds <= 0 {
		sampleSeconds = 2
	}
	transports := []string{""}
	if strings.HasPrefix(uri, "rtsp://") {
		transports = []string{"tcp", "udp"}
	}
	hwOpts := []bool{false}
	if enableHwaccel {
		hwOpts = []bool{false, true}
	}

	var best *TrialResult
	for _, tr := range transports {
		for _, hw := range hwOpts {
			res := p.runTrial(ctx, uri, tr, hw, sampleSeconds)
			if best == nil || res.Frames > best.Frames {
				best = &res
			}
		}
	}
	if best == nil || best.Frames == 0 {
		return nil, core.E(core.ConnectFailed, "probe trial", nil)
	}
	return best, nil
}

func (p *Prober) runTrial(ctx context.Context, uri, transport string, hwaccel bool, sampleSeconds int) TrialResult {
	args := []string{}
	if transport != "" {
		args = append(args, "-rtsp_transport", transport)
	}
	if hwaccel {
		args = append(args, "-hwaccel", "auto")
	}
	args = append(args,
		"-i", uri,
		"-an",
		"-flags", "low_delay",
		"-fflags", "nobuffer",
		"-t", strconv.Itoa(sampleSeconds),
		"-f", "null", "-",
	)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(sampleSeconds+5)*time.Second)
	defer cancel()
	start := time.Now()
	_, stderr, _ := p.run(ctx, p.cfg.FFmpegBin, args)
	return TrialResult{
		Transport: transport,
		Hwaccel:   hwaccel,
		Frames:    parseFrameCount(stderr),
		Elapsed:   time.Since(start),
	}
}

// ffprobe JSON shapes, trimmed to the fields we read.
type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Profile      string `json:"profile"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	PixFmt       string `json:"pix_fmt"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

func parseFFprobe(text string) (*Result, bool) {
	var out ffprobeOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, false
	}
	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		return &Result{
			Codec:      s.CodecName,
			Profile:    s.Profile,
			Width:      s.Width,
			Height:     s.Height,
			PixFmt:     s.PixFmt,
			NominalFPS: parseRate(s.RFrameRate),
			AvgFPS:     parseRate(s.AvgFrameRate),
		}, true
	}
	return nil, false
}

func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return 0
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// parseFrameCount pulls the last "frame=NNN" progress value out of an
// ffmpeg stderr dump.
func parseFrameCount(stderr string) int {
	frames := 0
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "frame=") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		val := strings.TrimPrefix(fields[0], "frame=")
		if val == "" && len(fields) > 1 {
			val = fields[1]
		}
		if n, err := strconv.Atoi(val); err == nil {
			frames = n
		}
	}
	return frames
}

func classifyProbe(stderr string, err error) core.Code {
	low := strings.ToLower(stderr)
	switch {
	case strings.Contains(low, "401") || strings.Contains(low, "403") ||
		strings.Contains(low, "unauthorized") || strings.Contains(low, "authorization failed"):
		return core.AuthFailed
	case strings.Contains(low, "404") || strings.Contains(low, "not found"):
		return core.InvalidPath
	case strings.Contains(low, "connection refused") || strings.Contains(low, "no route to host") ||
		strings.Contains(low, "network is unreachable") || strings.Contains(low, "name or service not known"):
		return core.NetworkUnreachable
	case strings.Contains(low, "invalid data found"):
		return core.InvalidStream
	case err != nil && strings.Contains(err.Error(), "executable file not found"):
		return core.DecoderMissing
	default:
		return core.ConnectFailed
	}
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
