package moqt

import (
	"context"
	"io"
)

// SendStream is a unidirectional, write-only QUIC stream used to deliver
// STREAM_HEADER_SUBGROUP/FETCH_HEADER data (MOQT §6's "enqueue" surface).
type SendStream interface {
	io.Writer
	io.Closer
	// CancelWrite aborts the stream with an application error code, for
	// handler-initiated track cancellation mid-stream.
	CancelWrite(code uint64)
}

// RecvStream is a unidirectional, read-only QUIC stream (MOQT §6's
// "on_recv_stream" surface).
type RecvStream interface {
	io.Reader
	// CancelRead aborts reading with an application error code.
	CancelRead(code uint64)
}

// ControlStream is the single bidirectional stream CLIENT_SETUP/SERVER_SETUP
// and every other control message travel on.
type ControlStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// ConnectionStatus reports a Transport's lifecycle state to the Session,
// MOQT §6's on_connection_status callback collapsed into a simple enum.
type ConnectionStatus int

const (
	ConnectionConnecting ConnectionStatus = iota
	ConnectionConnected
	ConnectionClosedByPeer
	ConnectionClosedLocally
	ConnectionFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionClosedByPeer:
		return "closed_by_peer"
	case ConnectionClosedLocally:
		return "closed_locally"
	case ConnectionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is the abstract byte-stream/datagram collaborator the Session
// treats the underlying QUIC connection through (MOQT §6). The Session
// never imports quic-go directly; [github.com/quicwire/moqt/quictransport]
// provides the concrete implementation.
type Transport interface {
	// Control returns the bidirectional control stream, opening or
	// accepting it as appropriate for this side of the connection.
	Control(ctx context.Context) (ControlStream, error)

	// OpenStream opens a new unidirectional send stream for outbound
	// object data, MOQT §6's create_data_context + enqueue.
	OpenStream(ctx context.Context) (SendStream, error)

	// AcceptStream blocks until the peer opens a unidirectional stream,
	// MOQT §6's on_new_data_context + on_recv_stream.
	AcceptStream(ctx context.Context) (RecvStream, error)

	// SendDatagram sends an unreliable, unordered datagram.
	SendDatagram(b []byte) error

	// ReceiveDatagram blocks until a datagram arrives, MOQT §6's
	// on_recv_dgram.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// Status reports the current connection lifecycle state.
	Status() ConnectionStatus

	// Close tears down the connection with an application error code and
	// reason string, MOQT §6's close().
	Close(code uint64, reason string) error
}
