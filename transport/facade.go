package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Client is the uniform façade over the three underlying transports
// (spec.md §4.E). It owns transport selection by Kind, applies crypto on
// the TCP/WS path (UDP keys its own transport directly — spec.md §4.E's
// no-double-encrypt rule), and carries the auto_retry reconnection policy
// of spec.md §4.E/§7.
type Client struct {
	Handler EventHandler
	Logger  *slog.Logger

	mu         sync.Mutex
	kind       Kind
	transport  Transport
	sessionKey []byte
	useHMAC    bool
	connected  bool
	loggedOn   bool

	bindAddr string
	bindPort uint16
}

type config struct {
	kind    Kind
	logger  *slog.Logger
	handler EventHandler
}

// Option configures a Client (the teacher's functional-options idiom,
// `_examples/k64z-steamstacks/steamclient.Option`).
type Option func(*config)

// WithKind selects the underlying wire transport. Defaults to KindTCP.
func WithKind(k Kind) Option {
	return func(c *config) { c.kind = k }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithEventHandler sets the upward event callbacks.
func WithEventHandler(h EventHandler) Option {
	return func(c *config) { c.handler = h }
}

// NewClient builds a façade over the configured transport kind.
func NewClient(opts ...Option) *Client {
	cfg := config{kind: KindTCP, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{Handler: cfg.handler, Logger: cfg.logger, kind: cfg.kind}
}

// Bind stores the local address/port used by the next Connect (spec.md
// §4.E "bind(local_addr?, local_port?)").
func (c *Client) Bind(localAddr string, localPort uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindAddr = localAddr
	c.bindPort = localPort
}

// SetSessionKey installs the session key negotiated by the external
// handshake collaborator (spec.md §3's "set exactly once" lifecycle note).
// useHMAC selects the IV-derivation mode (spec.md §4.A mode 2 vs mode 1).
func (c *Client) SetSessionKey(key []byte, useHMAC bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionKey = key
	c.useHMAC = useHMAC

	if c.transport == nil {
		return nil
	}
	switch t := c.transport.(type) {
	case *udpTransport:
		return t.setSessionKey(key, useHMAC)
	default:
		cipher, err := newChannelCipher(key, useHMAC)
		if err != nil {
			return err
		}
		c.setCipherLocked(cipher)
		return nil
	}
}

func (c *Client) setCipherLocked(cipher *channelCipher) {
	switch t := c.transport.(type) {
	case *tcpTransport:
		t.setCipher(cipher)
	case *wsTransport:
		t.setCipher(cipher)
	}
}

// SessionKey reports the currently installed session key, or nil.
func (c *Client) SessionKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

// Connected reports whether Connect has established the transport
// connection (spec.md §4.E property `connected`). It turns true as soon as
// the transport connects, whether or not a session key has been installed.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LoggedOn reports the logon state set by the external CM-logon collaborator
// (spec.md §4.E property `logged_on`, out of this core's scope to set).
func (c *Client) LoggedOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOn
}

// SetLoggedOn lets the higher-layer collaborator record logon completion.
func (c *Client) SetLoggedOn(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOn = v
}

// RemoteAddress reports the endpoint of the most recently connected
// transport, or "" before the first successful Connect.
func (c *Client) RemoteAddress() string {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ""
	}
	return t.RemoteAddr()
}

func (c *Client) newTransport() Transport {
	inner := EventHandler{
		OnPacket:          c.onPacket,
		OnError:           c.onError,
		OnClose:           c.Handler.fireClose,
		OnEnd:             c.onEnd,
		OnTimeout:         c.Handler.fireTimeout,
		OnEncryptionError: c.Handler.fireEncryptionError,
		OnDebug:           c.Handler.fireDebug,
	}
	switch c.kind {
	case KindTCP:
		return newTCPTransport(inner, c.Logger)
	case KindWebSocket:
		return newWSTransport(inner, c.Logger)
	case KindUDP:
		return newUDPTransport(inner, c.Logger)
	default:
		return nil
	}
}

// onPacket decrypts inbound TCP/WS payloads before re-emitting them (spec.md
// §4.E). UDP already decrypts inside its own dispatch path, so its
// EventHandler is never routed through this method — see Connect.
func (c *Client) onPacket(payload []byte) {
	c.mu.Lock()
	cipher := c.cipherLocked()
	c.mu.Unlock()

	if cipher == nil {
		c.Handler.firePacket(payload)
		return
	}
	dec, err := cipher.decrypt(payload)
	if err != nil {
		c.Handler.fireEncryptionError(err)
		return
	}
	c.Handler.firePacket(dec)
}

func (c *Client) cipherLocked() *channelCipher {
	switch t := c.transport.(type) {
	case *tcpTransport:
		return t.cipher
	case *wsTransport:
		return t.cipher
	default:
		return nil
	}
}

func (c *Client) onError(err error) {
	c.mu.Lock()
	handshakeDone := c.connected
	c.mu.Unlock()
	if handshakeDone {
		c.Handler.fireError(err)
	}
	// Pre-handshake errors are swallowed here; Connect's auto_retry loop
	// observes the failure through the transport's own Connect return and
	// decides whether to retry (spec.md §4.E reconnection policy).
}

func (c *Client) onEnd() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.Handler.fireEnd()
}

// Connect dials opts.Host:opts.Port over the façade's selected transport. If
// autoRetry is true, a failure before the encryption handshake completes is
// swallowed and a fresh connect attempted against the next entry of servers
// (or opts unchanged if servers is empty); once connected turns true, any
// later failure is surfaced and ownership of reconnection passes to the
// caller (spec.md §4.E).
func (c *Client) Connect(ctx context.Context, opts DialOptions, servers []DialOptions, autoRetry bool) (uint32, error) {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return 0, ErrAlreadyConnected
	}
	opts.LocalAddress = c.bindAddr
	opts.LocalPort = c.bindPort
	c.mu.Unlock()

	candidates := append([]DialOptions{opts}, servers...)
	idx := 0

	for {
		target := candidates[idx%len(candidates)]

		t := c.newTransport()
		serverLoad, err := t.Connect(ctx, target)
		if err != nil {
			if !autoRetry {
				return 0, fmt.Errorf("connect %s: %w", target.addr(), err)
			}
			idx++
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
			continue
		}

		c.mu.Lock()
		c.transport = t
		c.connected = true
		key, useHMAC := c.sessionKey, c.useHMAC
		c.mu.Unlock()

		if key != nil {
			if err := c.SetSessionKey(key, useHMAC); err != nil {
				c.Logger.Error("installing session key after connect", "err", err)
			}
		}

		c.Handler.fireDebug(fmt.Sprintf("connected via %s, server_load=%d", c.kind, serverLoad))
		return serverLoad, nil
	}
}

// Send encrypts (TCP/WS) and transmits one opaque payload. UDP transports
// encrypt internally and receive the plaintext payload directly.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	t := c.transport
	if t == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := t.(*udpTransport); ok {
		c.mu.Unlock()
		return t.Send(ctx, payload)
	}
	cipher := c.cipherLocked()
	c.mu.Unlock()

	out := payload
	if cipher != nil {
		enc, err := cipher.encrypt(payload)
		if err != nil {
			return fmt.Errorf("encrypt outbound payload: %w", err)
		}
		out = enc
	}
	return t.Send(ctx, out)
}

// Disconnect performs a graceful shutdown of the active transport.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.End()
}

// Destroy tears the active transport down unconditionally.
func (c *Client) Destroy() error {
	c.mu.Lock()
	t := c.transport
	c.connected = false
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Destroy()
}

// SetTimeout arms the active transport's inactivity timer.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return
	}
	t.SetTimeout(d)
}
