package capture

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"camera-core-server/config"
	"camera-core-server/core"
)

// buildFFmpegArgs assembles the decoder argv for an ffmpeg attempt.
// transport is "" for non-RTSP inputs. w/h request an output resize;
// zero keeps the native size.
func buildFFmpegArgs(spec core.ResolvedSpec, cfg *config.Config, transport string, w, h int) []string {
	var args []string
	// Operator flags go first so they can override input options.
	if cfg.FFmpegExtraFlags != "" {
		args = append(args, strings.Fields(cfg.FFmpegExtraFlags)...)
	}
	args = append(args,
		"-loglevel", "error",
		"-nostdin",
		"-hide_banner",
	)

	switch spec.Mode {
	case core.ModeRTSP:
		args = append(args,
			"-rtsp_transport", transport,
			"-fflags", "nobuffer",
			"-flags", "low_delay",
			"-analyzeduration", "0",
			"-probesize", "32",
			"-stimeout", strconv.Itoa(cfg.RTSPStimeoutUsec),
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", strconv.Itoa(cfg.FFmpegReconnectDelay),
		)
	case core.ModeHTTP:
		args = append(args,
			"-fflags", "nobuffer",
			"-flags", "low_delay",
			"-analyzeduration", "0",
			"-probesize", "32",
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", strconv.Itoa(cfg.FFmpegReconnectDelay),
		)
	case core.ModeLocal:
		args = append(args, "-f", localInputFormat())
	}

	args = append(args, "-an", "-i", spec.URI)

	if spec.ExtraDecoderFlags != "" {
		args = append(args, strings.Fields(spec.ExtraDecoderFlags)...)
	}

	if spec.Mode == core.ModeHTTP {
		// MJPEG passthrough: JPEG segments go to the bus unre-encoded.
		args = append(args, "-f", "mjpeg", "-")
		return args
	}

	if w > 0 && h > 0 && spec.Width > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", w, h))
	}
	args = append(args, "-f", "rawvideo", "-pix_fmt", "bgr24", "-")
	return args
}

func localInputFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "v4l2"
	}
}

// buildGstArgs assembles the gst-launch argv. A profile pipeline with a
// {url} placeholder takes precedence over the default rtspsrc chain.
func buildGstArgs(spec core.ResolvedSpec, transport string) []string {
	if spec.GstPipeline != "" {
		pipeline := strings.ReplaceAll(spec.GstPipeline, "{url}", spec.URI)
		return strings.Fields(pipeline)
	}
	src := fmt.Sprintf("rtspsrc location=%s latency=0", spec.URI)
	if transport != "" {
		src += " protocols=" + transport
	}
	caps := "video/x-raw,format=BGR"
	chain := " ! decodebin ! videoconvert ! "
	if spec.Width > 0 && spec.Height > 0 {
		caps = fmt.Sprintf("video/x-raw,format=BGR,width=%d,height=%d", spec.Width, spec.Height)
		chain = " ! decodebin ! videoconvert ! videoscale ! "
	}
	pipeline := src + chain + caps + " ! fdsink fd=1"
	return strings.Fields(pipeline)
}
