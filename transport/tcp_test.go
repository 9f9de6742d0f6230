package transport

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"testing"
	"time"
)

func TestTCPFramingWriteRead(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	tc := &tcpTransport{conn: client, addr: "test", handler: EventHandler{}, logger: slog.Default()}

	payload := []byte("hello steam")

	go func() {
		if err := tc.Send(context.Background(), payload); err != nil {
			t.Errorf("send: %v", err)
		}
	}()

	var hdr [8]byte
	if _, err := server.Read(hdr[:]); err != nil {
		t.Fatalf("read header: %v", err)
	}

	gotLen := binary.LittleEndian.Uint32(hdr[0:4])
	gotMagic := binary.LittleEndian.Uint32(hdr[4:8])

	if gotLen != uint32(len(payload)) {
		t.Errorf("payload length: got %d, want %d", gotLen, len(payload))
	}
	if gotMagic != vt01Magic {
		t.Errorf("magic: got 0x%08X, want 0x%08X", gotMagic, vt01Magic)
	}

	buf := make([]byte, gotLen)
	if _, err := server.Read(buf); err != nil {
		t.Fatalf("read payload: %v", err)
	}

	if string(buf) != "hello steam" {
		t.Errorf("payload: got %q, want %q", string(buf), "hello steam")
	}
}

// Scenario 5 from spec.md §8: feeding the frame one byte at a time still
// yields exactly one packet.
func TestTCPFramingPartialByteAtATime(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	var gotPackets [][]byte
	done := make(chan struct{})
	tc := &tcpTransport{
		conn: client,
		addr: "test",
		handler: EventHandler{
			OnPacket: func(p []byte) {
				gotPackets = append(gotPackets, p)
				close(done)
			},
		},
		logger: slog.Default(),
	}
	tc.connected = true
	go tc.readLoop()

	frame := []byte{0x04, 0x00, 0x00, 0x00, 0x56, 0x54, 0x30, 0x31, 0xAA, 0xBB, 0xCC, 0xDD}
	go func() {
		for _, b := range frame {
			server.Write([]byte{b})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}

	if len(gotPackets) != 1 {
		t.Fatalf("got %d packets, want 1", len(gotPackets))
	}
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	if string(gotPackets[0]) != string(want) {
		t.Errorf("payload: got %x, want %x", gotPackets[0], want)
	}
}

// Scenario in spec.md §8: bad magic emits exactly one error then closes.
func TestTCPFramingBadMagicClosesWithError(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	var gotErr error
	var closed, ended bool
	done := make(chan struct{})
	tc := &tcpTransport{
		conn: client,
		addr: "test",
		handler: EventHandler{
			OnError: func(err error) { gotErr = err },
			OnClose: func() { closed = true },
			OnEnd:   func() { ended = true; close(done) },
		},
		logger: slog.Default(),
	}
	tc.connected = true
	go tc.readLoop()

	go func() {
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:4], 4)
		binary.LittleEndian.PutUint32(hdr[4:8], 0xDEADBEEF)
		server.Write(hdr)
		server.Write([]byte("test"))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	if gotErr == nil {
		t.Error("expected an error to be reported")
	}
	if !closed || !ended {
		t.Error("expected close then end")
	}
}

func TestTCPFramingRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	writer := &tcpTransport{conn: client, addr: "test", handler: EventHandler{}, logger: slog.Default()}

	gotCh := make(chan []byte, 1)
	reader := &tcpTransport{
		conn: server,
		addr: "test",
		handler: EventHandler{
			OnPacket: func(p []byte) { gotCh <- p },
		},
		logger: slog.Default(),
	}
	reader.connected = true
	go reader.readLoop()

	payload := []byte("round trip test data")
	go func() {
		if err := writer.Send(context.Background(), payload); err != nil {
			t.Errorf("send: %v", err)
		}
	}()

	select {
	case got := <-gotCh:
		if string(got) != string(payload) {
			t.Errorf("round-trip: got %q, want %q", string(got), string(payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
