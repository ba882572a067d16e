package pool

import (
	"os"
	"syscall"
)

// processTerminateSignal is the platform "please exit" signal sent before
// the harder Kill in escalateKill (spec.md §4.4: terminate, then kill).
func processTerminateSignal() os.Signal {
	return syscall.SIGTERM
}
