//go:build windows

package orchestrator

import "os"

// Windows cannot deliver SIGTERM to a child process.
var stopSignal os.Signal = os.Kill
