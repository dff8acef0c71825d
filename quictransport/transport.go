package quictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quicwire/moqt/moqt"
)

// Config configures a Dial or Listen call.
type Config struct {
	// TLSConfig is cloned by both Dial and Listen, and ALPN is appended to
	// the clone's NextProtos if not already present; Listen also installs
	// its certificate in the clone.
	TLSConfig *tls.Config
	// MaxIdleTimeout bounds how long a connection may sit idle before
	// quic-go tears it down. Defaults to 30s.
	MaxIdleTimeout time.Duration
}

func (c Config) quicConfig() *quic.Config {
	idle := c.MaxIdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &quic.Config{
		MaxIdleTimeout: idle,
		Allow0RTT:      true,
		EnableDatagrams: true,
	}
}

// Dial opens a QUIC connection to addr and returns a Transport for the
// client side of a MOQT session. The control stream is opened lazily, on
// the first call to Control.
func Dial(ctx context.Context, addr string, cfg Config) (*Transport, error) {
	tlsConf := cfg.TLSConfig.Clone()
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	if !containsALPN(tlsConf.NextProtos, ALPN) {
		tlsConf.NextProtos = append(tlsConf.NextProtos, ALPN)
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quictransport: dial %s: %w", addr, err)
	}
	return newTransport(conn, true), nil
}

// Listener accepts incoming QUIC connections for the server side of MOQT
// sessions.
type Listener struct {
	ql *quic.Listener
}

// Listen starts a QUIC listener on addr.
func Listen(addr string, cert *CertInfo, cfg Config) (*Listener, error) {
	tlsConf := cfg.TLSConfig.Clone()
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	if cert != nil {
		tlsConf.Certificates = []tls.Certificate{cert.TLSCert}
	}
	if !containsALPN(tlsConf.NextProtos, ALPN) {
		tlsConf.NextProtos = append(tlsConf.NextProtos, ALPN)
	}

	ql, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quictransport: listen %s: %w", addr, err)
	}
	return &Listener{ql: ql}, nil
}

// Addr returns the listener's local network address.
func (l *Listener) Addr() string { return l.ql.Addr().String() }

// Accept blocks until a client connects and returns a server-side
// Transport for it.
func (l *Listener) Accept(ctx context.Context) (*Transport, error) {
	conn, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept: %w", err)
	}
	return newTransport(conn, false), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ql.Close() }

func containsALPN(protos []string, want string) bool {
	for _, p := range protos {
		if p == want {
			return true
		}
	}
	return false
}

// Transport adapts a *quic.Conn to moqt.Transport: the control stream is the
// first bidirectional stream, opened by the client and accepted by the
// server, and every other stream carries object data.
type Transport struct {
	conn     *quic.Conn
	isClient bool

	controlOnce sync.Once
	control     moqt.ControlStream
	controlErr  error
}

func newTransport(conn *quic.Conn, isClient bool) *Transport {
	return &Transport{conn: conn, isClient: isClient}
}

// Control returns the session's single bidirectional control stream,
// opening or accepting it the first time it's called.
func (t *Transport) Control(ctx context.Context) (moqt.ControlStream, error) {
	t.controlOnce.Do(func() {
		if t.isClient {
			stream, err := t.conn.OpenStreamSync(ctx)
			if err != nil {
				t.controlErr = fmt.Errorf("quictransport: open control stream: %w", err)
				return
			}
			t.control = stream
			return
		}
		stream, err := t.conn.AcceptStream(ctx)
		if err != nil {
			t.controlErr = fmt.Errorf("quictransport: accept control stream: %w", err)
			return
		}
		t.control = stream
	})
	return t.control, t.controlErr
}

// OpenStream opens a new unidirectional send stream for outbound object
// data.
func (t *Transport) OpenStream(ctx context.Context) (moqt.SendStream, error) {
	stream, err := t.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: open uni stream: %w", err)
	}
	return sendStream{stream}, nil
}

// AcceptStream blocks until the peer opens a unidirectional stream.
func (t *Transport) AcceptStream(ctx context.Context) (moqt.RecvStream, error) {
	stream, err := t.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept uni stream: %w", err)
	}
	return recvStream{stream}, nil
}

// SendDatagram sends an unreliable, unordered datagram.
func (t *Transport) SendDatagram(b []byte) error {
	return t.conn.SendDatagram(b)
}

// ReceiveDatagram blocks until a datagram arrives.
func (t *Transport) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return t.conn.ReceiveDatagram(ctx)
}

// Status reports the connection's lifecycle state.
func (t *Transport) Status() moqt.ConnectionStatus {
	select {
	case <-t.conn.Context().Done():
		if t.conn.Context().Err() != nil {
			return moqt.ConnectionClosedByPeer
		}
		return moqt.ConnectionClosedLocally
	default:
		return moqt.ConnectionConnected
	}
}

// Close tears down the connection with an application error code and
// reason string.
func (t *Transport) Close(code uint64, reason string) error {
	return t.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

type sendStream struct {
	*quic.SendStream
}

func (s sendStream) CancelWrite(code uint64) {
	s.SendStream.CancelWrite(quic.StreamErrorCode(code))
}

type recvStream struct {
	*quic.ReceiveStream
}

func (s recvStream) CancelRead(code uint64) {
	s.ReceiveStream.CancelRead(quic.StreamErrorCode(code))
}

var (
	_ moqt.Transport   = (*Transport)(nil)
	_ moqt.SendStream  = sendStream{}
	_ moqt.RecvStream  = recvStream{}
	_ moqt.ControlStream = (*quic.Stream)(nil)
)
