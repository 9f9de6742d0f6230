package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// vt01Magic is "VT01" read as a little-endian uint32 (spec.md §3 Frame).
const vt01Magic uint32 = 0x31305456

// tcpTransport implements Transport over a raw TCP socket with VT01 framing
// (spec.md §4.B). Grounded on the teacher's steamclient.tcpConn, with the
// RSA/EMsg encryption handshake stripped out — that belongs to the CM logon
// layer above this core (spec.md §1 OUT OF SCOPE), which instead calls
// Client.SetSessionKey once it has negotiated a session key itself; the
// façade then installs the cipher here via setCipher.
type tcpTransport struct {
	handler EventHandler
	logger  *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	cipher    *channelCipher
	addr      string
	connected bool
	ending    bool
	closeOnce sync.Once

	timeoutMu    sync.Mutex
	timeout      time.Duration
	timeoutTimer *time.Timer
}

func newTCPTransport(handler EventHandler, logger *slog.Logger) *tcpTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &tcpTransport{handler: handler, logger: logger}
}

func (t *tcpTransport) Connect(ctx context.Context, opts DialOptions) (uint32, error) {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return 0, ErrAlreadyConnected
	}
	t.mu.Unlock()

	target := opts.addr()

	var conn net.Conn
	var err error
	if opts.HTTPProxy != nil {
		conn, err = dialThroughProxy(ctx, opts.HTTPProxy, target, opts.ProxyTimeout)
	} else {
		d := &net.Dialer{}
		if opts.LocalAddress != "" || opts.LocalPort != 0 {
			d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(opts.LocalAddress), Port: int(opts.LocalPort)}
		}
		conn, err = d.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		return 0, fmt.Errorf("tcp dial %s: %w", target, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.addr = target
	t.connected = true
	t.mu.Unlock()

	go t.readLoop()

	return 0, nil
}

// setCipher installs the session-key cipher; called by the façade once the
// external handshake collaborator has negotiated a key (spec.md §3).
func (t *tcpTransport) setCipher(c *channelCipher) {
	t.mu.Lock()
	t.cipher = c
	t.mu.Unlock()
}

// Send frames payload as [len u32 LE][magic "VT01"][payload] and writes it.
// Encryption happens one layer up, in the façade, which encrypts for TCP
// and WebSocket (UDP encrypts inside its own transport, spec.md §4.E).
func (t *tcpTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], vt01Magic)

	if _, err := conn.Write(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func (t *tcpTransport) readLoop() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	for {
		var hdr [8]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			t.endOrFatal(err)
			return
		}

		payloadLen := binary.LittleEndian.Uint32(hdr[0:4])
		magic := binary.LittleEndian.Uint32(hdr[4:8])
		if magic != vt01Magic {
			t.teardown(fmt.Errorf("%w: got 0x%08X", ErrBadMagic, magic))
			return
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(conn, payload); err != nil {
			t.endOrFatal(err)
			return
		}

		t.resetTimeoutTimer()
		t.handler.firePacket(payload)
	}
}

func (t *tcpTransport) endOrFatal(err error) {
	t.mu.Lock()
	ending := t.ending
	t.mu.Unlock()
	if ending {
		t.teardown(nil)
		return
	}
	t.teardown(fmt.Errorf("tcp read: %w", err))
}

// End performs a graceful half-close: stop writing, let in-flight reads
// drain, then teardown without surfacing an error once the peer closes too.
func (t *tcpTransport) End() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.ending = true
	conn := t.conn
	t.mu.Unlock()

	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return conn.Close()
}

func (t *tcpTransport) Destroy() error {
	t.teardown(nil)
	return nil
}

func (t *tcpTransport) teardown(err error) {
	t.closeOnce.Do(func() {
		t.stopTimeoutTimer()
		t.mu.Lock()
		t.connected = false
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if err != nil {
			t.logger.Error("tcp transport error", "err", err)
			t.handler.fireError(err)
		}
		t.handler.fireClose()
		t.handler.fireEnd()
	})
}

func (t *tcpTransport) SetTimeout(d time.Duration) {
	t.timeoutMu.Lock()
	defer t.timeoutMu.Unlock()
	t.timeout = d
	if t.timeoutTimer != nil {
		t.timeoutTimer.Stop()
		t.timeoutTimer = nil
	}
	if d > 0 {
		t.timeoutTimer = time.AfterFunc(d, t.fireTimeoutAndRearm)
	}
}

func (t *tcpTransport) fireTimeoutAndRearm() {
	t.handler.fireTimeout()
	t.timeoutMu.Lock()
	d := t.timeout
	t.timeoutMu.Unlock()
	if d > 0 {
		t.SetTimeout(d)
	}
}

func (t *tcpTransport) resetTimeoutTimer() {
	t.timeoutMu.Lock()
	defer t.timeoutMu.Unlock()
	if t.timeoutTimer != nil && t.timeout > 0 {
		t.timeoutTimer.Stop()
		t.timeoutTimer = time.AfterFunc(t.timeout, t.fireTimeoutAndRearm)
	}
}

func (t *tcpTransport) stopTimeoutTimer() {
	t.timeoutMu.Lock()
	defer t.timeoutMu.Unlock()
	if t.timeoutTimer != nil {
		t.timeoutTimer.Stop()
		t.timeoutTimer = nil
	}
}

func (t *tcpTransport) RemoteAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}
