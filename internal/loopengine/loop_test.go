package loopengine

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sadewadee/edgeloop/internal/dispatch"
	"github.com/sadewadee/edgeloop/internal/logging"
	"github.com/sadewadee/edgeloop/internal/shutdown"
	"github.com/sadewadee/edgeloop/internal/wire"
)

// testServer starts a real loop on loopback and returns its address and a
// stop function, exercised by a plain TCP client dialing the running
// server.
func testServer(t *testing.T) (addr string, stop func(), loop *Loop) {
	t.Helper()

	l, err := Listen("127.0.0.1:0", 16)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	coord, err := shutdown.New()
	if err != nil {
		t.Fatalf("shutdown.New() error = %v", err)
	}

	log := logging.New("error", "text", io.Discard)
	d := dispatch.New(log)

	loop, err := New(l, coord, d, log, wire.MaxPayloadLength)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run()
	}()

	return l.Addr.String(), func() {
		coord.Shutdown()
		wg.Wait()
		coord.Close()
	}, loop
}

func frameBytes(t *testing.T, typ uint16, seq uint32, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 12+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], 1)
	binary.BigEndian.PutUint16(buf[2:4], typ)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[12:], payload)
	return buf
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading %d bytes: %v", n, err)
	}
	return buf
}

func TestEchoSingleFrame(t *testing.T) {
	addr, stop, _ := testServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	req := frameBytes(t, 0x02, 1, []byte("Hello"))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	respHdr := readExactly(t, conn, 12)
	if typ := binary.BigEndian.Uint16(respHdr[2:4]); typ != 0x02 {
		t.Errorf("response type = %#x, want 0x02", typ)
	}
	if seq := binary.BigEndian.Uint32(respHdr[4:8]); seq != 1 {
		t.Errorf("response sequence_number = %d, want 1", seq)
	}
	if n := binary.BigEndian.Uint32(respHdr[8:12]); n != 5 {
		t.Errorf("response payload_length = %d, want 5", n)
	}

	payload := readExactly(t, conn, 5)
	if string(payload) != "Hello" {
		t.Errorf("response payload = %q, want Hello", payload)
	}
}

func TestTwoFramesInOneWrite(t *testing.T) {
	addr, stop, _ := testServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	var buf bytes.Buffer
	buf.Write(frameBytes(t, 0x02, 1, []byte("Hello")))
	buf.Write(frameBytes(t, 0x02, 2, []byte("Hello")))
	if _, err := conn.Write(buf.Bytes()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	for _, wantSeq := range []uint32{1, 2} {
		hdr := readExactly(t, conn, 12)
		if seq := binary.BigEndian.Uint32(hdr[4:8]); seq != wantSeq {
			t.Errorf("response sequence_number = %d, want %d", seq, wantSeq)
		}
		readExactly(t, conn, 5)
	}
}

func TestHeartbeatThenEchoOnSameConnection(t *testing.T) {
	addr, stop, _ := testServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(frameBytes(t, 0x01, 7, nil)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	// No reply to the heartbeat; the connection must still accept a
	// subsequent echo.
	if _, err := conn.Write(frameBytes(t, 0x02, 8, []byte("still alive"))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	hdr := readExactly(t, conn, 12)
	if seq := binary.BigEndian.Uint32(hdr[4:8]); seq != 8 {
		t.Errorf("response sequence_number = %d, want 8", seq)
	}
	payload := readExactly(t, conn, int(binary.BigEndian.Uint32(hdr[8:12])))
	if string(payload) != "still alive" {
		t.Errorf("response payload = %q", payload)
	}
}

func TestOversizePayloadClosesConnection(t *testing.T) {
	addr, stop, _ := testServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint16(hdr[0:2], 1)
	binary.BigEndian.PutUint16(hdr[2:4], 0x02)
	binary.BigEndian.PutUint32(hdr[4:8], 1)
	binary.BigEndian.PutUint32(hdr[8:12], 1025)
	if _, err := conn.Write(hdr); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected immediate EOF after oversize header, got n=%d err=%v", n, err)
	}
}

func TestStatsTracksFramesByType(t *testing.T) {
	addr, stop, loop := testServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(frameBytes(t, wire.TypeHeartbeat, 1, nil)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := conn.Write(frameBytes(t, wire.TypeData, 2, []byte("Hello"))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	readExactly(t, conn, 12)
	readExactly(t, conn, 5)

	deadline := time.Now().Add(3 * time.Second)
	var byType map[uint16]uint64
	for time.Now().Before(deadline) {
		byType = loop.Stats().FramesByType
		if byType[wire.TypeHeartbeat] == 1 && byType[wire.TypeData] == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if byType[wire.TypeHeartbeat] != 1 {
		t.Errorf("FramesByType[TypeHeartbeat] = %d, want 1", byType[wire.TypeHeartbeat])
	}
	if byType[wire.TypeData] != 1 {
		t.Errorf("FramesByType[TypeData] = %d, want 1", byType[wire.TypeData])
	}
}

func TestGracefulShutdownClosesIdleConnections(t *testing.T) {
	addr, stop, _ := testServer(t)

	const numConns = 20
	conns := make([]net.Conn, numConns)
	for i := range conns {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		conns[i] = c
	}

	stop()

	for _, c := range conns {
		c.SetReadDeadline(time.Now().Add(3 * time.Second))
		buf := make([]byte, 1)
		n, err := c.Read(buf)
		if n != 0 || err != io.EOF {
			t.Errorf("expected EOF on shutdown, got n=%d err=%v", n, err)
		}
		c.Close()
	}
}
