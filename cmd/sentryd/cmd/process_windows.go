//go:build windows

package cmd

import "os"

// gracefulSignals returns the OS signals that trigger a graceful shutdown.
// Windows has no SIGTERM; os.Interrupt covers Ctrl+C.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
