package wire

import (
	"encoding/binary"

	"github.com/quic-go/quic-go/quicvarint"
)

// MaxVarint is the largest value representable by a QUIC-style varint
// (2^62 - 1); encoding anything larger fails with ErrValueTooLarge.
const MaxVarint = quicvarint.Max

// VarintSize reports the on-wire length (1, 2, 4, or 8 bytes) of a varint
// given its first byte, by inspecting the top two bits.
func VarintSize(firstByte byte) int {
	switch firstByte >> 6 {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	default:
		return 8
	}
}

// AppendVarint appends v to buf using the smallest encoding (1, 2, 4, or 8
// bytes) that represents it. It panics if v > MaxVarint, matching
// quicvarint.Append's own contract; callers that need a recoverable error
// should check v against MaxVarint first (see EncodeVarint).
func AppendVarint(buf []byte, v uint64) []byte {
	return quicvarint.Append(buf, v)
}

// EncodeVarint returns the minimal varint encoding of v, or
// ErrValueTooLarge if v cannot be represented (v >= 2^62).
func EncodeVarint(v uint64) ([]byte, error) {
	if v > MaxVarint {
		return nil, ErrValueTooLarge
	}
	return quicvarint.Append(nil, v), nil
}

// DecodeVarint decodes a varint from the front of b, returning the decoded
// value and the number of bytes consumed. Non-minimal encodings are
// accepted (decoders must tolerate peers that pad, per MOQT §4.1).
func DecodeVarint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncated
	}
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, 0, ErrTruncated
	}
	return v, n, nil
}

// VarintLen returns the number of bytes AppendVarint would write for v.
func VarintLen(v uint64) int {
	return quicvarint.Len(v)
}

// AppendBytesLP appends data to buf as a varint length followed by the
// data itself (a "byte slice" in MOQT §3 terms).
func AppendBytesLP(buf, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

// DecodeBytesLP decodes a length-prefixed byte slice from the front of b,
// returning the slice (aliasing b), and the number of bytes consumed
// including the length prefix.
func DecodeBytesLP(b []byte) ([]byte, int, error) {
	length, n, err := DecodeVarint(b)
	if err != nil {
		return nil, 0, err
	}
	end := n + int(length)
	if end > len(b) || end < n {
		return nil, 0, ErrTruncated
	}
	return b[n:end], end, nil
}

// PutUint16, PutUint32, PutUint64 append fixed-width big-endian integers,
// matching the network byte order MOQT §4.1 mandates for all multi-byte
// fixed-width fields on the wire.
func PutUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func PutUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func PutUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func DecodeUint16(b []byte) (uint16, int, error) {
	if len(b) < 2 {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint16(b), 2, nil
}

func DecodeUint32(b []byte) (uint32, int, error) {
	if len(b) < 4 {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(b), 4, nil
}

func DecodeUint64(b []byte) (uint64, int, error) {
	if len(b) < 8 {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint64(b), 8, nil
}
