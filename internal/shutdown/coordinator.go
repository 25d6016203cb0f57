// Package shutdown translates asynchronous OS termination signals into a
// loop-exit flag (C6). Writes from the signal-delivery context are atomic;
// the loop polls the flag between wakeups. SIGPIPE is ignored process-wide
// so a dead peer's send doesn't kill the server.
package shutdown

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Coordinator owns the process-wide running flag and a self-pipe wakeup fd
// the loop registers for edge-triggered readiness so a blocked epoll_wait
// exits promptly on shutdown. It costs two extra fds (the pipe's read and
// write ends) and removes the only
// polling delay in an otherwise fully event-driven loop.
type Coordinator struct {
	running     atomic.Bool
	signals     chan os.Signal
	wakeReadFD  int
	wakeWriteFD int
}

// New installs handlers for SIGINT/SIGTERM and ignores SIGPIPE, and opens a
// non-blocking self-pipe. Register WakeFD() with the loop's epoll set for
// read-readiness.
func New() (*Coordinator, error) {
	c := &Coordinator{signals: make(chan os.Signal, 2)}
	c.running.Store(true)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	c.wakeReadFD, c.wakeWriteFD = fds[0], fds[1]

	signal.Notify(c.signals, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)

	go c.watch()

	return c, nil
}

func (c *Coordinator) watch() {
	for range c.signals {
		// Delivering the signal multiple times is idempotent: the flag can
		// only transition true->false once, and the self-pipe write is
		// best-effort (a full pipe just means the loop is already awake).
		if c.running.CompareAndSwap(true, false) {
			unix.Write(c.wakeWriteFD, []byte{0})
		}
	}
}

// Running reports whether the loop should keep iterating.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Shutdown triggers the same transition a caught signal would, without
// requiring a real OS signal, for callers (such as tests) that stop the
// loop outside the signal path.
func (c *Coordinator) Shutdown() {
	if c.running.CompareAndSwap(true, false) {
		unix.Write(c.wakeWriteFD, []byte{0})
	}
}

// WakeFD returns the read end of the self-pipe, suitable for registering
// with an epoll set in edge-triggered read mode.
func (c *Coordinator) WakeFD() int { return c.wakeReadFD }

// DrainWake consumes any bytes written to the self-pipe's read end, so the
// loop doesn't see a stale wakeup the next time it polls.
func (c *Coordinator) DrainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(c.wakeReadFD, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close tears down the self-pipe and stops watching for signals.
func (c *Coordinator) Close() {
	signal.Stop(c.signals)
	close(c.signals)
	unix.Close(c.wakeReadFD)
	unix.Close(c.wakeWriteFD)
}
