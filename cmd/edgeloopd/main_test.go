package main

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sadewadee/edgeloop/internal/config"
	"github.com/sadewadee/edgeloop/internal/logging"
)

func TestSetupLoggerStdout(t *testing.T) {
	log, closer := setupLogger("info", "json", "stdout")
	if log == nil {
		t.Fatal("expected a logger")
	}
	if closer != nil {
		t.Error("expected nil closer for stdout")
	}
}

func TestSetupLoggerFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")

	log, closer := setupLogger("info", "text", path)
	if closer == nil {
		t.Fatal("expected a closer for file output")
	}
	defer closer.Close()

	log.Info("test message")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected log file to contain output")
	}
}

// TestRunServesAndShutsDownGracefully exercises the full wiring in run():
// listener, coordinator, dispatcher, loop, and pool, over a real loopback
// connection, brought down by a real SIGTERM.
func TestRunServesAndShutsDownGracefully(t *testing.T) {
	cfg := config.Default()
	cfg.Listener.Address = "127.0.0.1:0"
	cfg.Monitor.Enabled = false

	// run() binds the listener itself and logs the bound address instead
	// of returning it, so a port-0 address would leave the test nothing to
	// dial. Use a fixed high port instead, and retry the dial until run()
	// has bound it.
	addr := "127.0.0.1:18099"
	cfg.Listener.Address = addr

	log := logging.New("error", "text", io.Discard)

	var wg sync.WaitGroup
	wg.Add(1)
	errCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		errCh <- run(cfg, log)
	}()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dialing server: %v", err)
	}
	defer conn.Close()

	req := make([]byte, 12+5)
	binary.BigEndian.PutUint16(req[0:2], 1)
	binary.BigEndian.PutUint16(req[2:4], 0x02)
	binary.BigEndian.PutUint32(req[4:8], 1)
	binary.BigEndian.PutUint32(req[8:12], 5)
	copy(req[12:], "hello")
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	resp := make([]byte, 12+5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if !bytes.Equal(resp[12:], []byte("hello")) {
		t.Errorf("response payload = %q, want hello", resp[12:])
	}

	syscall.Kill(syscall.Getpid(), syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() returned error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() did not return after SIGTERM")
	}
	wg.Wait()
}
