package core

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"camera-core-server/config"
)

// Capture mode of a camera.
const (
	ModeRTSP  = "rtsp"
	ModeHTTP  = "http"
	ModeLocal = "local"
)

// Decoder backends, in the order the registry knows them.
const (
	BackendFFmpeg    = "ffmpeg"
	BackendGStreamer = "gstreamer"
	BackendLocal     = "local"
)

// CameraSpec is the caller-supplied camera description. It is immutable
// after creation; edits replace the whole value via Reload.
type CameraSpec struct {
	ID                  string   `json:"id"`
	Mode                string   `json:"mode"`
	URI                 string   `json:"uri"`
	TransportPreference string   `json:"transport_preference"`
	Resolution          string   `json:"resolution"`
	ReadyFrames         int      `json:"ready_frames"`
	ReadyDurationMs     int      `json:"ready_duration_ms"`
	ReadyTimeoutMs      int      `json:"ready_timeout_ms"`
	BackendPriority     []string `json:"backend_priority"`
	ExtraDecoderFlags   string   `json:"extra_decoder_flags"`
	ProfileName         string   `json:"profile_name"`
	ForDisplay          bool     `json:"for_display"`
}

// ResolvedSpec is the precedence-merged, validated form of a CameraSpec.
// It is computed once at create/reload; downstream components never
// re-resolve.
type ResolvedSpec struct {
	ID                  string
	Mode                string
	URI                 string
	TransportPreference string
	Width               int // 0 means keep the stream's native size
	Height              int
	ReadyFrames         int
	ReadyDurationMs     int
	ReadyTimeoutMs      int
	BackendPriority     []string
	ExtraDecoderFlags   string
	GstPipeline         string
	ForDisplay          bool
}

// Resolve merges spec fields over the registry override and profile
// defaults, validates the result and freezes it.
func Resolve(spec CameraSpec, cfg *config.Config) (ResolvedSpec, error) {
	var profile, override config.Profile
	if spec.ProfileName != "" {
		profile = cfg.Profiles[spec.ProfileName]
	}
	override = cfg.Overrides[spec.ID]

	r := ResolvedSpec{
		ID:                  spec.ID,
		Mode:                spec.Mode,
		URI:                 spec.URI,
		TransportPreference: firstOf(spec.TransportPreference, override.TransportPreference, profile.TransportPreference, "auto"),
		ReadyFrames:         firstPositive(spec.ReadyFrames, override.ReadyFrames, profile.ReadyFrames, 1),
		ReadyDurationMs:     firstPositive(spec.ReadyDurationMs, override.ReadyDurationMs, profile.ReadyDurationMs, 0),
		ReadyTimeoutMs:      firstPositive(spec.ReadyTimeoutMs, override.ReadyTimeoutMs, profile.ReadyTimeoutMs, cfg.ReadyTimeoutMs),
		ExtraDecoderFlags:   firstOf(spec.ExtraDecoderFlags, override.ExtraDecoderFlags, profile.ExtraDecoderFlags, ""),
		GstPipeline:         firstOf(override.GstPipeline, profile.GstPipeline, ""),
		ForDisplay:          spec.ForDisplay,
	}

	r.BackendPriority = spec.BackendPriority
	if len(r.BackendPriority) == 0 {
		r.BackendPriority = override.BackendPriority
	}
	if len(r.BackendPriority) == 0 {
		r.BackendPriority = profile.BackendPriority
	}
	if len(r.BackendPriority) == 0 {
		r.BackendPriority = []string{BackendFFmpeg, BackendGStreamer, BackendLocal}
	}

	if cfg.ForceTCP && r.Mode == ModeRTSP {
		r.TransportPreference = "tcp"
	}

	resolution := firstOf(spec.Resolution, override.Resolution, profile.Resolution, "original")
	w, h, err := ParseResolution(resolution)
	if err != nil {
		return ResolvedSpec{}, err
	}
	r.Width, r.Height = w, h

	if err := r.validate(); err != nil {
		return ResolvedSpec{}, err
	}
	return r, nil
}

func (r *ResolvedSpec) validate() error {
	if r.ID == "" {
		return E(InvalidSpec, "resolve", fmt.Errorf("empty camera id"))
	}
	switch r.Mode {
	case ModeRTSP, ModeHTTP:
		u, err := url.Parse(r.URI)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return E(InvalidSpec, "resolve", fmt.Errorf("bad uri %q", r.URI))
		}
	case ModeLocal:
		if r.URI == "" {
			return E(InvalidSpec, "resolve", fmt.Errorf("empty device path"))
		}
	default:
		return E(InvalidSpec, "resolve", fmt.Errorf("unknown mode %q", r.Mode))
	}
	switch r.TransportPreference {
	case "tcp", "udp", "auto":
	default:
		return E(InvalidSpec, "resolve", fmt.Errorf("bad transport %q", r.TransportPreference))
	}
	for _, b := range r.BackendPriority {
		switch b {
		case BackendFFmpeg, BackendGStreamer, BackendLocal:
		default:
			return E(InvalidSpec, "resolve", fmt.Errorf("unknown backend %q", b))
		}
	}
	return nil
}

// ParseResolution parses "original" (0,0) or "WxH" with both sides in
// [16, 7680].
func ParseResolution(s string) (int, int, error) {
	if s == "" || s == "original" {
		return 0, 0, nil
	}
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, E(InvalidSpec, "resolution", fmt.Errorf("want WxH, got %q", s))
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, E(InvalidSpec, "resolution", fmt.Errorf("want WxH, got %q", s))
	}
	if w < 16 || w > 7680 || h < 16 || h > 7680 {
		return 0, 0, E(InvalidSpec, "resolution", fmt.Errorf("%dx%d out of range", w, h))
	}
	return w, h, nil
}

// Transports returns the decoder transport attempt order for this spec.
// Auto tries tcp first, then udp; probeHint flips the order when a probe
// found udp healthier.
func (r *ResolvedSpec) Transports(probeHint string) []string {
	if r.Mode != ModeRTSP {
		return []string{""}
	}
	switch r.TransportPreference {
	case "tcp":
		return []string{"tcp"}
	case "udp":
		return []string{"udp"}
	}
	if probeHint == "udp" {
		return []string{"udp", "tcp"}
	}
	return []string{"tcp", "udp"}
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
