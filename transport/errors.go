package transport

import "errors"

// Sentinel errors for the fixed vocabulary in spec.md §7.
var (
	// ErrBadMagic is reported by the TCP framed transport when a frame's
	// magic bytes don't match "VT01". TransportFatal.
	ErrBadMagic = errors.New("transport: bad magic")

	// ErrConnectionTimedOut is emitted by the UDP transport when an
	// outbound packet has gone unacked for ACK_TIMEOUT. TransportFatal.
	ErrConnectionTimedOut = errors.New("transport: connection timed out")

	// ErrGracefulDisconnectTimeout is emitted by the UDP transport when a
	// local end() has not been acked by DISCONNECT_FALLBACK. See DESIGN.md
	// for why this is distinguished from ErrConnectionTimedOut.
	ErrGracefulDisconnectTimeout = errors.New("transport: graceful disconnect timed out")

	// ErrProxyConnectFailed is returned when an HTTP CONNECT tunnel fails
	// to establish (non-200 response, or a transport error dialing the
	// proxy itself). TransportFatal.
	ErrProxyConnectFailed = errors.New("transport: proxy CONNECT failed")

	// ErrAlreadyConnected is a UserError: Connect called while already
	// connected.
	ErrAlreadyConnected = errors.New("transport: already connected")

	// ErrNotConnected is a UserError: End or Send called while not
	// connected.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrUnexpectedPacketType covers a handshake packet that arrived in a
	// state that doesn't expect it (spec.md §7 HandshakeFailure). No
	// transport returns or reports it: such packets are logged at debug
	// level and dropped.
	ErrUnexpectedPacketType = errors.New("transport: unexpected packet type for state")
)

// DecryptionError wraps a crypto failure on an inbound packet (spec.md §7
// EncryptionError). It is reported via EventHandler.OnEncryptionError, never
// via OnError — the connection is not torn down.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string { return "transport: decryption failed: " + e.Err.Error() }
func (e *DecryptionError) Unwrap() error { return e.Err }
