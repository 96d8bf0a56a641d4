//go:build !windows

package capture

import "syscall"

var terminateSignal = syscall.SIGTERM
