package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	wsPingInterval = 30 * time.Second
	wsPingTimeout  = 10 * time.Second
	// Steam CM can send large multi-message bundles.
	wsReadLimit = 1 << 24 // 16 MiB
)

// wsTransport implements Transport over a binary WebSocket (spec.md §4.C).
// Grounded on the teacher's steamclient.wsConn/dialWebSocket, generalized
// with the ping loop, TLS floor, and proxy/local-address pass-through that
// the original didn't need because it never drove a handshake of its own.
type wsTransport struct {
	handler EventHandler
	logger  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	cipher    *channelCipher
	addr      string
	connected bool
	closeOnce sync.Once

	pingDone chan struct{}

	timeoutMu    sync.Mutex
	timeout      time.Duration
	timeoutTimer *time.Timer
}

func newWSTransport(handler EventHandler, logger *slog.Logger) *wsTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsTransport{handler: handler, logger: logger}
}

func (w *wsTransport) Connect(ctx context.Context, opts DialOptions) (uint32, error) {
	w.mu.Lock()
	if w.connected {
		w.mu.Unlock()
		return 0, ErrAlreadyConnected
	}
	w.mu.Unlock()

	target := opts.addr()
	wsURL := fmt.Sprintf("wss://%s/cmsocket/", target)

	dialer := &net.Dialer{}
	if opts.LocalAddress != "" || opts.LocalPort != 0 {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(opts.LocalAddress), Port: int(opts.LocalPort)}
	}

	transport := &http.Transport{
		DialContext:     dialer.DialContext,
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if opts.HTTPProxy != nil {
		transport.Proxy = http.ProxyURL(opts.HTTPProxy.URL)
	}

	httpClient := &http.Client{Transport: transport}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return 0, fmt.Errorf("websocket dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(wsReadLimit)

	w.mu.Lock()
	w.conn = conn
	w.addr = target
	w.connected = true
	w.pingDone = make(chan struct{})
	w.mu.Unlock()

	go w.readLoop()
	go w.pingLoop()

	return 0, nil
}

func (w *wsTransport) setCipher(c *channelCipher) {
	w.mu.Lock()
	w.cipher = c
	w.mu.Unlock()
}

func (w *wsTransport) Send(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageBinary, payload)
}

func (w *wsTransport) readLoop() {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			w.teardown(fmt.Errorf("websocket read: %w", err))
			return
		}

		if typ != websocket.MessageBinary {
			w.logger.Debug("dropping non-binary websocket frame", "type", typ)
			continue
		}

		w.resetTimeoutTimer()
		w.handler.firePacket(data)
	}
}

func (w *wsTransport) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	w.mu.Lock()
	done := w.pingDone
	w.mu.Unlock()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.mu.Lock()
			conn := w.conn
			w.mu.Unlock()
			if conn == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), wsPingTimeout)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				w.teardown(fmt.Errorf("websocket ping: %w", err))
				return
			}
		}
	}
}

func (w *wsTransport) End() error {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return ErrNotConnected
	}
	conn := w.conn
	w.mu.Unlock()
	// The close handshake unblocks readLoop, which passes its read error to
	// teardown; teardown reports it through OnError only when it carries
	// no WebSocket close status.
	return conn.Close(websocket.StatusNormalClosure, "")
}

func (w *wsTransport) Destroy() error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	w.teardown(nil)
	return nil
}

func (w *wsTransport) teardown(err error) {
	w.closeOnce.Do(func() {
		w.stopTimeoutTimer()
		w.mu.Lock()
		w.connected = false
		pingDone := w.pingDone
		w.mu.Unlock()
		if pingDone != nil {
			close(pingDone)
		}
		if err != nil && websocket.CloseStatus(err) == -1 {
			w.logger.Error("websocket transport error", "err", err)
			w.handler.fireError(err)
		}
		w.handler.fireClose()
		w.handler.fireEnd()
	})
}

func (w *wsTransport) SetTimeout(d time.Duration) {
	w.timeoutMu.Lock()
	defer w.timeoutMu.Unlock()
	w.timeout = d
	if w.timeoutTimer != nil {
		w.timeoutTimer.Stop()
		w.timeoutTimer = nil
	}
	if d > 0 {
		w.timeoutTimer = time.AfterFunc(d, w.fireTimeoutAndRearm)
	}
}

func (w *wsTransport) fireTimeoutAndRearm() {
	w.handler.fireTimeout()
	w.timeoutMu.Lock()
	d := w.timeout
	w.timeoutMu.Unlock()
	if d > 0 {
		w.SetTimeout(d)
	}
}

func (w *wsTransport) resetTimeoutTimer() {
	w.timeoutMu.Lock()
	defer w.timeoutMu.Unlock()
	if w.timeoutTimer != nil && w.timeout > 0 {
		w.timeoutTimer.Stop()
		w.timeoutTimer = time.AfterFunc(w.timeout, w.fireTimeoutAndRearm)
	}
}

func (w *wsTransport) stopTimeoutTimer() {
	w.timeoutMu.Lock()
	defer w.timeoutMu.Unlock()
	if w.timeoutTimer != nil {
		w.timeoutTimer.Stop()
		w.timeoutTimer = nil
	}
}

func (w *wsTransport) RemoteAddr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addr
}
