// Package poller wraps the platform readiness API (epoll, kqueue) used by
// the engine's event loop.
package poller

import "golang.org/x/sys/unix"

// Poller is the I/O multiplexing interface
type Poller interface {
	Add(fd int) error
	Remove(fd int) error
	// Wait blocks for up to timeout milliseconds (-1 forever) and returns
	// the descriptors that are readable or hung up.
	Wait(timeout int) ([]int, error)
	Close() error
}

// SetNonblock sets non-blocking mode
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
