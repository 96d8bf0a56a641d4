package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named set of camera defaults. Explicit spec fields win
// over a per-camera override, which wins over the profile values.
type Profile struct {
	TransportPreference string `yaml:"transport_preference"`
	Resolution          string `yaml:"resolution"`
	ReadyFrames         int    `yaml:"ready_frames"`
	ReadyDurationMs     int    `yaml:"ready_duration_ms"`
	ReadyTimeoutMs      int    `yaml:"ready_timeout_ms"`
	ExtraDecoderFlags   string `yaml:"extra_decoder_flags"`
	BackendPriority     []string `yaml:"backend_priority"`
	// GstPipeline is a full gst-launch pipeline template. "{url}" is
	// substituted with the camera URI.
	GstPipeline string `yaml:"gst_pipeline"`
}

// Config is the process-wide configuration. It is resolved once at
// startup from defaults, an optional YAML file at CONFIG_PATH and the
// recognized environment switches, in that order.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	QueueMax          int `yaml:"queue_max"`
	TargetFPS         int `yaml:"target_fps"`
	JPEGQuality       int `yaml:"frame_jpeg_quality"`
	NoFrameTimeoutMs  int `yaml:"no_frame_timeout_ms"`
	HeartbeatMs       int `yaml:"heartbeat_interval_ms"`
	RTSPStimeoutUsec  int `yaml:"rtsp_stimeout_usec"`
	FFprobeTimeoutSec int `yaml:"ffprobe_timeout_sec"`

	StreamProbeTimeoutSec     int `yaml:"stream_probe_timeout"`
	StreamProbeFallbackTTLSec int `yaml:"stream_probe_fallback_ttl"`

	BreakerThreshold int `yaml:"breaker_threshold"`
	BreakerOpenMs    int `yaml:"breaker_open_ms"`
	BackoffBaseMs    int `yaml:"backoff_base_ms"`
	BackoffMaxMs     int `yaml:"backoff_max_ms"`
	// Jitter is the +/- fraction applied to each backoff delay.
	Jitter float64 `yaml:"jitter"`

	ReadyTimeoutMs       int `yaml:"ready_timeout_ms"`
	FirstFrameGraceSec   int `yaml:"first_frame_grace_sec"`
	MaxPartialReads      int `yaml:"max_partial_reads"`
	FFmpegReconnectDelay int `yaml:"ffmpeg_reconnect_delay"`

	// ForceTCP pins every RTSP camera to TCP transport (RTSP_TCP).
	ForceTCP bool `yaml:"rtsp_tcp"`
	// FFmpegExtraFlags are prepended to every ffmpeg invocation.
	FFmpegExtraFlags string `yaml:"ffmpeg_extra_flags"`

	FFmpegBin  string `yaml:"ffmpeg_bin"`
	FFprobeBin string `yaml:"ffprobe_bin"`
	GstBin     string `yaml:"gst_bin"`

	// RedisAddr enables the status store when non-empty.
	RedisAddr    string `yaml:"redis_addr"`
	StatusTTLSec int    `yaml:"status_ttl_sec"`

	Profiles map[string]Profile `yaml:"profiles"`
	// Overrides are per-camera-id profile overlays kept by the registry
	// owner, resolved between explicit spec fields and profile defaults.
	Overrides map[string]Profile `yaml:"overrides"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:                ":8091",
		QueueMax:                  3,
		TargetFPS:                 15,
		JPEGQuality:               80,
		NoFrameTimeoutMs:          2000,
		HeartbeatMs:               1500,
		RTSPStimeoutUsec:          5_000_000,
		FFprobeTimeoutSec:         30,
		StreamProbeTimeoutSec:     10,
		StreamProbeFallbackTTLSec: 120,
		BreakerThreshold:          3,
		BreakerOpenMs:             15000,
		BackoffBaseMs:             500,
		BackoffMaxMs:              10_000,
		Jitter:                    0.25,
		ReadyTimeoutMs:            15000,
		FirstFrameGraceSec:        10,
		MaxPartialReads:           3,
		FFmpegReconnectDelay:      2,
		FFmpegBin:                 "ffmpeg",
		FFprobeBin:                "ffprobe",
		GstBin:                    "gst-launch-1.0",
		StatusTTLSec:              30,
		Profiles:                  map[string]Profile{},
		Overrides:                 map[string]Profile{},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// CONFIG_PATH and the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.QueueMax = GetenvInt("QUEUE_MAX", c.QueueMax)
	c.TargetFPS = GetenvInt("TARGET_FPS", c.TargetFPS)
	c.JPEGQuality = GetenvInt("FRAME_JPEG_QUALITY", c.JPEGQuality)
	c.NoFrameTimeoutMs = GetenvInt("NO_FRAME_TIMEOUT_MS", c.NoFrameTimeoutMs)
	c.HeartbeatMs = GetenvInt("HEARTBEAT_INTERVAL_MS", c.HeartbeatMs)
	c.RTSPStimeoutUsec = GetenvInt("RTSP_STIMEOUT_USEC", c.RTSPStimeoutUsec)
	c.FFprobeTimeoutSec = GetenvInt("FFPROBE_TIMEOUT_SEC", c.FFprobeTimeoutSec)
	c.FirstFrameGraceSec = GetenvInt("RTSP_FIRST_FRAME_GRACE_SEC", c.FirstFrameGraceSec)
	c.MaxPartialReads = GetenvInt("RTSP_MAX_PARTIAL_READS", c.MaxPartialReads)
	c.BackoffBaseMs = GetenvInt("RECONNECT_BACKOFF_MS_MIN", c.BackoffBaseMs)
	c.BackoffMaxMs = GetenvInt("RECONNECT_BACKOFF_MS_MAX", c.BackoffMaxMs)
	if GetenvBool("RTSP_TCP") {
		c.ForceTCP = true
	}
	if v := os.Getenv("FFMPEG_EXTRA_FLAGS"); v != "" {
		c.FFmpegExtraFlags = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
}

// Duration accessors keep the millisecond/second fields in one place.

func (c *Config) NoFrameTimeout() time.Duration { return time.Duration(c.NoFrameTimeoutMs) * time.Millisecond }
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}
func (c *Config) FFprobeTimeout() time.Duration { return time.Duration(c.FFprobeTimeoutSec) * time.Second }
func (c *Config) StreamProbeTimeout() time.Duration {
	return time.Duration(c.StreamProbeTimeoutSec) * time.Second
}
func (c *Config) StreamProbeFallbackTTL() time.Duration {
	return time.Duration(c.StreamProbeFallbackTTLSec) * time.Second
}
func (c *Config) BreakerOpenFor() time.Duration { return time.Duration(c.BreakerOpenMs) * time.Millisecond }
func (c *Config) BackoffBase() time.Duration    { return time.Duration(c.BackoffBaseMs) * time.Millisecond }
func (c *Config) BackoffMax() time.Duration     { return time.Duration(c.BackoffMaxMs) * time.Millisecond }
func (c *Config) ReadyTimeout() time.Duration   { return time.Duration(c.ReadyTimeoutMs) * time.Millisecond }
func (c *Config) FirstFrameGrace() time.Duration {
	return time.Duration(c.FirstFrameGraceSec) * time.Second
}
func (c *Config) StatusTTL() time.Duration { return time.Duration(c.StatusTTLSec) * time.Second }

// GetenvInt parses an integer environment variable, returning def when
// unset or malformed.
func GetenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// GetenvBool treats "1", "true", "yes" and "on" as true.
func GetenvBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
