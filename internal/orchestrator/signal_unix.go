//go:build !windows

package orchestrator

import (
	"os"
	"syscall"
)

var stopSignal os.Signal = syscall.SIGTERM
