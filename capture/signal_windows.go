//go:build windows

package capture

import "os"

// Windows has no graceful terminate; the kill signal is the only one.
var terminateSignal = os.Kill
