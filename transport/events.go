package transport

// EventHandler is the fixed, small set of upward events every transport
// (and the façade built on top of them) emits — spec.md §6 and design note
// "Event emitters → typed channels or observer registries". Every field is
// optional; a nil field is simply not called.
type EventHandler struct {
	// OnPacket fires once per fully reassembled inbound payload. The façade
	// and the UDP transport fire it after decryption (if a session key is
	// set); the TCP and WebSocket transports fire it with the payload as
	// received, and the façade decrypts it.
	OnPacket func(payload []byte)

	// OnError fires for a TransportFatal condition. A close/end follow
	// immediately after, in that order.
	OnError func(err error)

	// OnClose fires once teardown begins, before OnEnd.
	OnClose func()

	// OnEnd fires once teardown completes.
	OnEnd func()

	// OnTimeout fires when the user-configured inactivity timer (SetTimeout)
	// elapses with no inbound traffic.
	OnTimeout func()

	// OnEncryptionError fires for a decryption/HMAC failure on an inbound
	// packet. The packet is dropped; the connection is not torn down.
	OnEncryptionError func(err error)

	// OnDebug fires with a status message when a connection is established.
	// TransportTransient/HandshakeFailure drops do not fire it; they are
	// only logged through the transport's *slog.Logger at debug level.
	OnDebug func(msg string)
}

func (h EventHandler) firePacket(payload []byte) {
	if h.OnPacket != nil {
		h.OnPacket(payload)
	}
}

func (h EventHandler) fireError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h EventHandler) fireClose() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

func (h EventHandler) fireEnd() {
	if h.OnEnd != nil {
		h.OnEnd()
	}
}

func (h EventHandler) fireTimeout() {
	if h.OnTimeout != nil {
		h.OnTimeout()
	}
}

func (h EventHandler) fireEncryptionError(err error) {
	if h.OnEncryptionError != nil {
		h.OnEncryptionError(err)
	}
}

func (h EventHandler) fireDebug(msg string) {
	if h.OnDebug != nil {
		h.OnDebug(msg)
	}
}
