package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// wsEchoServer accepts one WebSocket connection on /cmsocket/ and echoes
// every binary frame it receives back to the client.
func wsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			typ, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if err := c.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
}

func TestWebSocketFramingRoundTrip(t *testing.T) {
	srv := wsEchoServer(t)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")

	gotCh := make(chan []byte, 1)
	ws := newWSTransport(EventHandler{
		OnPacket: func(p []byte) { gotCh <- p },
	}, nil)

	// wsTransport always dials wss://; reach into the dial path with plain
	// ws:// for the test by connecting directly and wiring the struct by
	// hand, exactly like tcp_test.go does for tcpTransport.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+host+"/cmsocket/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	ws.mu.Lock()
	ws.conn = conn
	ws.addr = host
	ws.connected = true
	ws.mu.Unlock()
	go ws.readLoop()

	payload := []byte("hello over websocket")
	if err := ws.Send(ctx, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-gotCh:
		if string(got) != string(payload) {
			t.Errorf("round-trip: got %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed packet")
	}
}

func TestWebSocketNonBinaryFrameDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		c.Write(r.Context(), websocket.MessageText, []byte("not binary"))
		c.Write(r.Context(), websocket.MessageBinary, []byte("binary payload"))
		<-r.Context().Done()
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")

	gotCh := make(chan []byte, 1)
	ws := newWSTransport(EventHandler{
		OnPacket: func(p []byte) { gotCh <- p },
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+host+"/cmsocket/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	ws.mu.Lock()
	ws.conn = conn
	ws.addr = host
	ws.connected = true
	ws.mu.Unlock()
	go ws.readLoop()

	select {
	case got := <-gotCh:
		if string(got) != "binary payload" {
			t.Errorf("got %q, want only the binary frame to be forwarded", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the binary frame")
	}
}
