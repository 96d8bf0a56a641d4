package core

import "strings"

// stderr fragments are matched case-insensitively, first hit wins. The
// order matters: auth and path errors surface as HTTP-style phrases
// before the generic connection wording ffmpeg appends afterwards.
var stderrClasses = []struct {
	code      Code
	fragments []string
}{
	{AuthFailed, []string{"401 unauthorized", "authorization failed", "access denied"}},
	{InvalidPath, []string{"404 not found", "no such file or directory"}},
	{NetworkUnreachable, []string{"connection refused", "no route to host", "network is unreachable", "name or service not known", "failed to resolve hostname"}},
	{InvalidStream, []string{"invalid data found"}},
	{NoVideoStream, []string{"does not contain any stream", "could not find codec parameters", "no streams"}},
	{ConnectFailed, []string{"operation not permitted", "connection timed out", "immediate exit requested"}},
}

// ClassifyStderr maps a decoder stderr tail onto a taxonomy code.
// Unrecognized output classifies as CONNECT_FAILED.
func ClassifyStderr(stderr string) Code {
	low := strings.ToLower(stderr)
	for _, c := range stderrClasses {
		for _, f := range c.fragments {
			if strings.Contains(low, f) {
				return c.code
			}
		}
	}
	return ConnectFailed
}
