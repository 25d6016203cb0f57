package loopengine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/sadewadee/edgeloop/internal/connio"
	"github.com/sadewadee/edgeloop/internal/dispatch"
	"github.com/sadewadee/edgeloop/internal/logging"
	"github.com/sadewadee/edgeloop/internal/shutdown"
	"github.com/sadewadee/edgeloop/internal/wire"
)

const maxEvents = 256

// slot holds one connection's fd and decode state. slab indices, not raw
// fds, are what epoll_event.Fd carries — so a stale event dequeued after a
// close-and-reopen on the same fd number can never be mistaken for a live
// connection.
type slot struct {
	fd  int
	ctx *connio.Context
}

// Stats is a snapshot of the loop's atomic counters, read by
// internal/monitor without ever touching loop-owned buffers.
type Stats struct {
	ConnectionsAccepted uint64
	ConnectionsClosed   uint64
	FramesDecoded       uint64
	BytesRead           uint64
	FramingErrors       uint64
	TransportErrors     uint64
	FramesByType        map[uint16]uint64
}

// Loop is the single-threaded, edge-triggered event loop (C4). All fields
// below the epfd are touched only by Run's goroutine; Stats() is the sole
// exception, reading atomics (and typeCounts under typeCountsMu) that are
// safe from any goroutine.
type Loop struct {
	epfd           int
	listener       *Listener
	coord          *shutdown.Coordinator
	dispatch       *dispatch.Dispatcher
	log            logging.Sink
	maxPayloadSize uint32

	slab     []*slot
	freeList []int32

	connectionsAccepted atomic.Uint64
	connectionsClosed   atomic.Uint64
	framesDecoded       atomic.Uint64
	bytesRead           atomic.Uint64
	framingErrors       atomic.Uint64
	transportErrors     atomic.Uint64

	typeCountsMu sync.Mutex
	typeCounts   map[uint16]uint64
}

// New creates the epoll instance and registers the listener and the
// shutdown coordinator's self-pipe. A failure here is a process-fatal
// StartupError. maxPayloadSize is the operator-configured per-connection
// payload cap (internal/config's listener.max_payload_size) handed to every
// accepted connection's decode state machine; zero means "use the protocol
// ceiling" (wire.MaxPayloadLength).
func New(l *Listener, coord *shutdown.Coordinator, d *dispatch.Dispatcher, log logging.Sink, maxPayloadSize uint32) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	loop := &Loop{
		epfd:           epfd,
		listener:       l,
		coord:          coord,
		dispatch:       d,
		log:            log,
		maxPayloadSize: maxPayloadSize,
		typeCounts:     make(map[uint16]uint64),
	}

	// The listener is tagged with the reserved slab index -1 (encoded as
	// listenerTag) so it's distinguishable from connection slots without a
	// map lookup.
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.FD, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     listenerTag,
	}); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl ADD listener: %w", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, coord.WakeFD(), &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     wakeTag,
	}); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl ADD wake pipe: %w", err)
	}

	return loop, nil
}

const (
	listenerTag int32 = -1
	wakeTag     int32 = -2
)

// Stats returns a point-in-time snapshot of the loop's counters.
func (lp *Loop) Stats() Stats {
	return Stats{
		ConnectionsAccepted: lp.connectionsAccepted.Load(),
		ConnectionsClosed:   lp.connectionsClosed.Load(),
		FramesDecoded:       lp.framesDecoded.Load(),
		BytesRead:           lp.bytesRead.Load(),
		FramingErrors:       lp.framingErrors.Load(),
		TransportErrors:     lp.transportErrors.Load(),
		FramesByType:        lp.FramesByType(),
	}
}

// The accessor methods below satisfy internal/monitor's StatsSource
// interface, letting the dashboard read counters without importing Loop's
// concrete type (which would otherwise pull loopengine's unix-syscall
// dependency into a package that should stay transport-agnostic).
func (lp *Loop) ConnectionsAccepted() uint64 { return lp.connectionsAccepted.Load() }
func (lp *Loop) ConnectionsClosed() uint64   { return lp.connectionsClosed.Load() }
func (lp *Loop) FramesDecoded() uint64       { return lp.framesDecoded.Load() }
func (lp *Loop) BytesRead() uint64           { return lp.bytesRead.Load() }
func (lp *Loop) FramingErrors() uint64       { return lp.framingErrors.Load() }
func (lp *Loop) TransportErrors() uint64     { return lp.transportErrors.Load() }

// FramesByType returns a point-in-time copy of the per-message-type dispatch
// counters, keyed by the wire frame type byte.
func (lp *Loop) FramesByType() map[uint16]uint64 {
	lp.typeCountsMu.Lock()
	defer lp.typeCountsMu.Unlock()
	out := make(map[uint16]uint64, len(lp.typeCounts))
	for k, v := range lp.typeCounts {
		out[k] = v
	}
	return out
}

// recordType increments the per-type dispatch counter for t. Called only
// from the loop goroutine as frames are decoded; the mutex guards Stats()/
// FramesByType() reads from other goroutines (e.g. internal/monitor).
func (lp *Loop) recordType(t uint16) {
	lp.typeCountsMu.Lock()
	lp.typeCounts[t]++
	lp.typeCountsMu.Unlock()
}

// Run drives the loop until the shutdown coordinator clears its running
// flag. It always tears down every still-registered connection, then the
// listener and the epoll instance, before returning.
func (lp *Loop) Run() error {
	defer lp.teardown()

	events := make([]unix.EpollEvent, maxEvents)

	for lp.coord.Running() {
		n, err := unix.EpollWait(lp.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			switch ev.Fd {
			case listenerTag:
				lp.acceptLoop()
			case wakeTag:
				lp.coord.DrainWake()
			default:
				lp.handleConnReadable(ev.Fd)
			}
		}
	}

	return nil
}

// acceptLoop drains the listener's backlog to exhaustion: under
// edge-triggered readiness, an event is reported only on the listener's
// transition to readable, so any connection left unaccepted here would
// never generate a second notification.
func (lp *Loop) acceptLoop() {
	for {
		connFD, _, err := unix.Accept4(lp.listener.FD, unix.SOCK_NONBLOCK)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			// accept() errors other than WouldBlock/Interrupted are not
			// fatal to the loop: log and end this drain pass, leaving the
			// listener registered.
			lp.log.Error("accept failed", "error", err)
			return
		}

		idx, ok := lp.allocSlot(connFD)
		if !ok {
			unix.Close(connFD)
			continue
		}

		if err := unix.EpollCtl(lp.epfd, unix.EPOLL_CTL_ADD, connFD, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET,
			Fd:     idx,
		}); err != nil {
			lp.log.Warn("epoll_ctl ADD connection failed, dropping", "error", err)
			lp.releaseSlot(idx)
			unix.Close(connFD)
			continue
		}

		lp.connectionsAccepted.Add(1)
		lp.log.Debug("accepted connection", "fd", connFD)
	}
}

// allocSlot reserves a slab slot for a newly accepted connection, reusing a
// freed index when one is available so slab indices stay compact.
func (lp *Loop) allocSlot(fd int) (int32, bool) {
	s := &slot{fd: fd, ctx: connio.New(fd, lp.maxPayloadSize)}

	if n := len(lp.freeList); n > 0 {
		idx := lp.freeList[n-1]
		lp.freeList = lp.freeList[:n-1]
		lp.slab[idx] = s
		return idx, true
	}

	lp.slab = append(lp.slab, s)
	return int32(len(lp.slab) - 1), true
}

func (lp *Loop) releaseSlot(idx int32) {
	lp.slab[idx] = nil
	lp.freeList = append(lp.freeList, idx)
}

// handleConnReadable reads from a single connection until WouldBlock,
// feeding every chunk to its decode state machine and dispatching every
// completed frame synchronously on this goroutine.
func (lp *Loop) handleConnReadable(idx int32) {
	s := lp.slab[idx]
	if s == nil {
		// Stale event for an already-closed slot; ignore.
		return
	}

	var buf [4096]byte
	for {
		n, err := unix.Read(s.fd, buf[:])
		if n > 0 {
			lp.bytesRead.Add(uint64(n))
			frames, status, ferr := s.ctx.Ingest(buf[:n])
			for _, f := range frames {
				lp.framesDecoded.Add(1)
				lp.recordType(f.Type)
				if closed := lp.respond(idx, s, f); closed {
					return
				}
			}
			if status == connio.StatusError {
				lp.framingErrors.Add(1)
				lp.log.Warn("framing error, closing connection", "fd", s.fd, "error", ferr)
				lp.closeSlot(idx)
				return
			}
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			lp.transportErrors.Add(1)
			lp.log.Error("recv failed, closing connection", "fd", s.fd, "error", err)
			lp.closeSlot(idx)
			return
		}
		if n == 0 {
			lp.log.Info("peer closed connection", "fd", s.fd)
			lp.closeSlot(idx)
			return
		}
	}
}

// respond dispatches one decoded frame and, for PlanReply, writes the
// response header+payload back on the same connection on a best-effort
// basis (write-side readiness tracking is out of scope; see writeAll). It
// returns true if the connection was closed as a result (a failed send, or
// an explicit PlanCloseConnection), in which case the caller must stop
// reading from idx immediately.
func (lp *Loop) respond(idx int32, s *slot, f connio.Frame) bool {
	plan := lp.dispatch.Dispatch(f.SequenceNumber, f.Type, f.Payload)

	switch plan.Kind {
	case dispatch.PlanReply:
		hdr := wire.Encode(wire.Header{
			Version:        wire.CurrentVersion,
			Type:           plan.Type,
			SequenceNumber: f.SequenceNumber,
			PayloadLength:  uint32(len(plan.Payload)),
		})
		if err := lp.writeAll(s.fd, hdr[:]); err != nil {
			lp.transportErrors.Add(1)
			lp.log.Error("send failed, closing connection", "fd", s.fd, "error", err)
			lp.closeSlot(idx)
			return true
		}
		if len(plan.Payload) > 0 {
			if err := lp.writeAll(s.fd, plan.Payload); err != nil {
				lp.transportErrors.Add(1)
				lp.log.Error("send failed, closing connection", "fd", s.fd, "error", err)
				lp.closeSlot(idx)
				return true
			}
		}
	case dispatch.PlanCloseConnection:
		lp.closeSlot(idx)
		return true
	case dispatch.PlanNoReply:
	}
	return false
}

// writeAll is a best-effort blocking-like send: it retries on EAGAIN (the
// non-blocking socket's send buffer is momentarily full) and EINTR, and
// returns on any other error including a short write it cannot complete.
// There is no WRITING_RESPONSE state with a send queue: responses here are
// small enough that retry-until-drained is sufficient.
func (lp *Loop) writeAll(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if n > 0 {
			b = b[n:]
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}

func (lp *Loop) closeSlot(idx int32) {
	s := lp.slab[idx]
	if s == nil {
		return
	}
	unix.EpollCtl(lp.epfd, unix.EPOLL_CTL_DEL, s.fd, nil)
	unix.Close(s.fd)
	s.ctx.Close()
	lp.releaseSlot(idx)
	lp.connectionsClosed.Add(1)
}

// teardown closes every still-registered connection, then the listener and
// the epoll instance, in that order.
func (lp *Loop) teardown() {
	for idx, s := range lp.slab {
		if s == nil {
			continue
		}
		lp.closeSlot(int32(idx))
	}
	lp.listener.Close()
	unix.Close(lp.epfd)
}
