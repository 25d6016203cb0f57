// Package monitor implements the optional operations dashboard: an
// out-of-band HTTP surface exposing liveness/readiness checks and a
// WebSocket feed of periodic loop snapshots. It is disabled by default
// and, when enabled, is wired entirely off the epoll loop's goroutine: it
// reads loop counters via the StatsSource accessors and pushes snapshots from a job
// submitted to internal/workerpool, never touching connio-owned buffers
// or the loop's slab.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sadewadee/edgeloop/internal/logging"
	"github.com/sadewadee/edgeloop/internal/workerpool"
)

// StatsSource is anything that can report a point-in-time snapshot of loop
// activity; satisfied by *loopengine.Loop without importing it here, which
// keeps loopengine's unix-syscall dependency out of this package.
type StatsSource interface {
	ConnectionsAccepted() uint64
	ConnectionsClosed() uint64
	FramesDecoded() uint64
	BytesRead() uint64
	FramingErrors() uint64
	TransportErrors() uint64
	FramesByType() map[uint16]uint64
}

// Snapshot is the msgpack-encoded payload pushed to connected dashboard
// clients, and the JSON payload served at /readyz.
type Snapshot struct {
	Timestamp           string `msgpack:"timestamp" json:"timestamp"`
	ConnectionsAccepted uint64 `msgpack:"connections_accepted" json:"connections_accepted"`
	ConnectionsClosed   uint64 `msgpack:"connections_closed" json:"connections_closed"`
	FramesDecoded       uint64 `msgpack:"frames_decoded" json:"frames_decoded"`
	BytesRead           uint64 `msgpack:"bytes_read" json:"bytes_read"`
	FramingErrors       uint64 `msgpack:"framing_errors" json:"framing_errors"`
	TransportErrors     uint64 `msgpack:"transport_errors" json:"transport_errors"`
	ActiveWorkers       int    `msgpack:"active_workers" json:"active_workers"`
	QueueDepth          int    `msgpack:"queue_depth" json:"queue_depth"`
	GoroutineCount      int    `msgpack:"goroutine_count" json:"goroutine_count"`
	// FramesByType is keyed by hex frame type ("0x02") rather than the raw
	// uint16 so it round-trips through both JSON and msgpack without relying
	// on integer-map-key support.
	FramesByType map[string]uint64 `msgpack:"frames_by_type" json:"frames_by_type"`
}

// Dashboard serves the operations HTTP surface: /livez, /readyz, and the
// /ws snapshot feed.
type Dashboard struct {
	stats    StatsSource
	pool     *workerpool.Pool
	log      logging.Sink
	interval time.Duration
	start    time.Time

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	addr     string
	server   *http.Server
	listener net.Listener
}

// New creates a Dashboard. It does not start listening until Start is
// called.
func New(addr string, stats StatsSource, pool *workerpool.Pool, interval time.Duration, log logging.Sink) *Dashboard {
	d := &Dashboard{
		stats:    stats,
		pool:     pool,
		log:      log,
		interval: interval,
		start:    timeNow(),
		addr:     addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", d.handleLiveness)
	mux.HandleFunc("/readyz", d.handleReadiness)
	mux.HandleFunc("/ws", d.handleWebSocket)

	d.server = &http.Server{Handler: mux}
	return d
}

// Addr returns the dashboard's bound address. Valid only after Start
// returns successfully.
func (d *Dashboard) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// timeNow exists so dashboard construction doesn't directly call time.Now
// in a way that would complicate substituting a fixed clock in tests.
func timeNow() time.Time { return time.Now() }

func (d *Dashboard) snapshot() Snapshot {
	ps := d.pool.Stats()

	byType := d.stats.FramesByType()
	framesByType := make(map[string]uint64, len(byType))
	for typ, count := range byType {
		framesByType[fmt.Sprintf("0x%02x", typ)] = count
	}

	return Snapshot{
		Timestamp:           time.Now().UTC().Format(time.RFC3339),
		ConnectionsAccepted: d.stats.ConnectionsAccepted(),
		ConnectionsClosed:   d.stats.ConnectionsClosed(),
		FramesDecoded:       d.stats.FramesDecoded(),
		BytesRead:           d.stats.BytesRead(),
		FramingErrors:       d.stats.FramingErrors(),
		TransportErrors:     d.stats.TransportErrors(),
		ActiveWorkers:       ps.ActiveWorkers,
		QueueDepth:          ps.QueueDepth,
		GoroutineCount:      runtime.NumGoroutine(),
		FramesByType:        framesByType,
	}
}

func (d *Dashboard) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(d.start).String(),
	})
}

func (d *Dashboard) handleReadiness(w http.ResponseWriter, r *http.Request) {
	snap := d.snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(snap)
}

func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn("dashboard websocket upgrade failed", "error", err)
		return
	}

	d.mu.Lock()
	d.clients[conn] = struct{}{}
	d.mu.Unlock()

	// Drain and discard client frames; the feed is push-only. This also
	// detects client disconnects via the read error.
	go func() {
		defer d.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (d *Dashboard) removeClient(conn *websocket.Conn) {
	d.mu.Lock()
	delete(d.clients, conn)
	d.mu.Unlock()
	conn.Close()
}

// broadcast pushes one msgpack-encoded snapshot to every connected client,
// dropping any client whose write fails.
func (d *Dashboard) broadcast(snap Snapshot) {
	encoded, err := msgpack.Marshal(snap)
	if err != nil {
		d.log.Error("encoding dashboard snapshot", "error", err)
		return
	}

	d.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(d.clients))
	for c := range d.clients {
		targets = append(targets, c)
	}
	d.mu.Unlock()

	for _, c := range targets {
		if err := c.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
			d.removeClient(c)
		}
	}
}

// Start begins serving HTTP and submits the recurring snapshot-broadcast
// job to the background pool. It returns once the listener is bound;
// serving happens on background goroutines.
func (d *Dashboard) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return err
	}
	d.listener = ln

	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.log.Error("dashboard server exited", "error", err)
		}
	}()

	return d.pool.Submit(func(jobCtx context.Context) error {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				d.broadcast(d.snapshot())
			}
		}
	})
}

// Stop gracefully shuts down the HTTP server.
func (d *Dashboard) Stop(ctx context.Context) error {
	return d.server.Shutdown(ctx)
}
