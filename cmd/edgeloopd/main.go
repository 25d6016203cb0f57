// Command edgeloopd runs the edge-triggered frame server: a single-threaded
// epoll event loop (internal/loopengine) speaking the fixed-header,
// length-prefixed protocol decoded by internal/connio and answered by
// internal/dispatch, plus an optional off-loop operations dashboard
// (internal/monitor) backed by a background job pool (internal/workerpool).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sadewadee/edgeloop/internal/config"
	"github.com/sadewadee/edgeloop/internal/dispatch"
	"github.com/sadewadee/edgeloop/internal/logging"
	"github.com/sadewadee/edgeloop/internal/loopengine"
	"github.com/sadewadee/edgeloop/internal/monitor"
	"github.com/sadewadee/edgeloop/internal/shutdown"
	"github.com/sadewadee/edgeloop/internal/workerpool"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("edgeloopd v%s\n", version)
			return
		case "help", "-h", "--help":
			printUsage()
			return
		}
	}

	// The first positional argument is the listening port (default 8080);
	// an optional second names a YAML config file (default
	// edgeloopd.yaml, silently skipped if absent so a bare port works
	// standalone).
	port := "8080"
	if len(os.Args) > 1 {
		port = os.Args[1]
	}
	cfgPath := "edgeloopd.yaml"
	if len(os.Args) > 2 {
		cfgPath = os.Args[2]
	}

	// Two-phase logger bring-up: a bootstrap logger covers config loading
	// itself, then a final logger is built from the loaded config.
	log, bootstrapCloser := setupLogger("info", "json", "stdout")
	if bootstrapCloser != nil {
		defer bootstrapCloser.Close()
	}
	log.Info("edgeloopd starting", "version", version)

	cfg := config.Default()
	if _, err := os.Stat(cfgPath); err == nil {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			log.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.Listener.Address = fmt.Sprintf("0.0.0.0:%s", port)

	if bootstrapCloser != nil {
		_ = bootstrapCloser.Close()
		bootstrapCloser = nil
	}
	log, logCloser := setupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := run(cfg, log); err != nil {
		log.Error("edgeloopd exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("edgeloopd stopped")
}

func run(cfg *config.Config, log logging.Sink) error {
	listener, err := loopengine.Listen(cfg.Listener.Address, cfg.Listener.Backlog)
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}

	coord, err := shutdown.New()
	if err != nil {
		listener.Close()
		return fmt.Errorf("starting shutdown coordinator: %w", err)
	}
	defer coord.Close()

	d := dispatch.New(log)
	d.CloseOnUnknownType = cfg.Dispatch.CloseOnUnknownType

	loop, err := loopengine.New(listener, coord, d, log, uint32(cfg.Listener.MaxPayloadSize))
	if err != nil {
		listener.Close()
		return fmt.Errorf("initializing event loop: %w", err)
	}

	pool := workerpool.New(cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers, cfg.Pool.AllocateTimeout.Duration(), log)
	pool.Start()
	defer pool.Stop()

	var dash *monitor.Dashboard
	var dashCtx context.Context
	var dashCancel context.CancelFunc
	if cfg.Monitor.Enabled {
		dashCtx, dashCancel = context.WithCancel(context.Background())
		dash = monitor.New(cfg.Monitor.Address, loop, pool, cfg.Monitor.SnapshotInterval.Duration(), log)
		if err := dash.Start(dashCtx); err != nil {
			dashCancel()
			return fmt.Errorf("starting dashboard: %w", err)
		}
		log.Info("dashboard listening", "address", dash.Addr())
		defer func() {
			dashCancel()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			dash.Stop(stopCtx)
		}()
	}

	log.Info("edgeloopd ready", "address", listener.Addr.String())
	return loop.Run()
}

func setupLogger(level, format, output string) (logging.Sink, io.Closer) {
	writer, closer := logging.ResolveOutput(output)
	return logging.New(level, format, writer), closer
}

func printUsage() {
	fmt.Println(`edgeloopd - Edge-triggered frame server

Usage:
  edgeloopd [port] [config]

Arguments:
  port             Listening port, decimal (default: 8080)
  config           Path to a YAML config file (default: edgeloopd.yaml,
                   silently skipped if not found)

Commands:
  version          Show version
  help             Show this help

Signals:
  SIGINT/SIGTERM   Graceful shutdown
  SIGPIPE          Ignored (a dead peer's send never kills the server)

Examples:
  edgeloopd
  edgeloopd 9000
  edgeloopd 9000 /etc/edgeloopd/edgeloopd.yaml
  edgeloopd version`)
}
