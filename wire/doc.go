// Package wire implements the MOQT wire-protocol codec: QUIC-style varint
// framing, the control-message envelope, every control and data message
// defined by the normative message set (see control.go and data.go),
// and the resumable StreamBuffer parser that lets a decoder tolerate
// arbitrary byte-boundary splits across reads.
//
// This package contains no session, registry, or dispatch logic; those
// live in [github.com/quicwire/moqt].
package wire
