// Package transport implements the transport and framing layer of Valve's
// Steam CM wire protocol: the encryption handshake's session-key crypto, the
// three underlying transports (TCP, WebSocket, reliable UDP), and a façade
// that presents all three through one send/receive surface. It is
// payload-opaque — it knows nothing about the CM logon protocol, Steam's
// message schemas, or server-list discovery; those are the job of a
// higher-layer collaborator wired in through EventHandler and Client.Send.
package transport

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Kind selects the underlying wire transport (spec.md §6 "protocol").
type Kind int

const (
	KindTCP Kind = iota + 1
	KindUDP
	KindWebSocket
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Transport is the capability set all three underlying transports expose
// (spec.md design note: "Dynamic prototype inheritance → interface
// abstraction"). serverLoad is only meaningful for UDP (returned by the
// Accept packet); TCP/WS always report 0.
type Transport interface {
	// Connect dials the remote endpoint and blocks until the connection is
	// usable (TCP/WS: socket open; UDP: handshake Accepted) or ctx is done.
	Connect(ctx context.Context, opts DialOptions) (serverLoad uint32, err error)

	// End performs a graceful shutdown: TCP half-close, WebSocket close
	// handshake, UDP Disconnect handshake. It is cooperative — teardown completes asynchronously and
	// is reported via EventHandler.OnClose/OnEnd.
	End() error

	// Destroy tears the connection down unconditionally and synchronously:
	// by the time it returns, OnClose and OnEnd have already fired.
	Destroy() error

	// Send transmits one opaque payload.
	Send(ctx context.Context, payload []byte) error

	// SetTimeout arms an inactivity timer: if no inbound traffic arrives
	// for d, EventHandler.OnTimeout fires. Zero disables it.
	SetTimeout(d time.Duration)

	// RemoteAddr reports "host:port" of the connected endpoint (TCP and
	// WebSocket report just the host when DialOptions.Port is 0).
	RemoteAddr() string
}

// DialOptions configures the outgoing connection (spec.md §6 "Configuration
// surface (connect options)").
type DialOptions struct {
	Host string
	Port uint16

	LocalAddress string
	LocalPort    uint16

	// HTTPProxy, when non-nil, is an http:// or https:// proxy URL. Only
	// honored by the TCP and WebSocket transports (spec.md §4.B, §4.C).
	HTTPProxy *ProxyConfig

	// ProxyTimeout bounds the CONNECT handshake; spec.md default 5s.
	ProxyTimeout time.Duration
}

func (o DialOptions) addr() string {
	if o.Port == 0 {
		return o.Host
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(int(o.Port)))
}
