package wire

// StreamHeaderType identifies the leading message of a unidirectional data
// stream or a datagram (MOQT §4.3/§4.6). Unlike ControlMessageType, this
// codec does not follow a single normative numbering: the retrievable
// reference implementation fixes only one concrete data point, a
// STREAM_HEADER_SUBGROUP variant at 0x0d (explicit subgroup id, extensions
// present). The STREAM_HEADER_SUBGROUP layout below is built outward from
// that point; OBJECT_DATAGRAM/OBJECT_DATAGRAM_STATUS/FETCH_HEADER have no
// grounded data point at all, so their layout is this codec's own
// systematic allocation, recorded as an Open Question resolution rather
// than a verbatim port.
type StreamHeaderType byte

const (
	// ObjectDatagramBase | (endOfGroup<<1) | extensions selects one of the
	// four OBJECT_DATAGRAM subtypes.
	ObjectDatagramBase StreamHeaderType = 0x00

	// ObjectDatagramStatusBase | extensions selects one of the two
	// OBJECT_DATAGRAM_STATUS subtypes.
	ObjectDatagramStatusBase StreamHeaderType = 0x04

	// FetchHeaderType has no variants: one FETCH_HEADER per fetch stream.
	FetchHeaderType StreamHeaderType = 0x06

	// StreamHeaderSubgroupBase + endOfGroup*6 + sidEncoding*2 + extensions
	// selects one of the twelve STREAM_HEADER_SUBGROUP variants (three
	// subgroup-id encodings x end-of-group x extensions). This ordering
	// is anchored to the one concrete grounded data point available in
	// the pack (`moqStreamTypeSubgroupSIDExt = 0x0d`, an explicit-
	// subgroup-id stream, not end-of-group, with extensions present):
	// 0x08 + 0*6 + SubgroupExplicit*2 + 1 == 0x0d.
	StreamHeaderSubgroupBase StreamHeaderType = 0x08
)

// SubgroupIDEncoding selects how a STREAM_HEADER_SUBGROUP's subgroup id is
// carried on the wire (MOQT §4.3).
type SubgroupIDEncoding byte

const (
	SubgroupZero        SubgroupIDEncoding = 0 // omitted; receiver sets 0
	SubgroupFirstObject SubgroupIDEncoding = 1 // omitted; receiver uses first object id seen
	SubgroupExplicit    SubgroupIDEncoding = 2 // carried as an explicit varint
)

// ObjectDatagramType returns the concrete type byte for an OBJECT_DATAGRAM
// with the given subtype bits.
func ObjectDatagramType(endOfGroup, extensions bool) StreamHeaderType {
	return ObjectDatagramBase | StreamHeaderType(boolBit(endOfGroup)<<1) | StreamHeaderType(boolBit(extensions))
}

// ObjectDatagramStatusType returns the concrete type byte for an
// OBJECT_DATAGRAM_STATUS with the given subtype bit.
func ObjectDatagramStatusType(extensions bool) StreamHeaderType {
	return ObjectDatagramStatusBase | StreamHeaderType(boolBit(extensions))
}

// StreamHeaderSubgroupType returns the concrete type byte for a
// STREAM_HEADER_SUBGROUP with the given subtype bits.
func StreamHeaderSubgroupType(sid SubgroupIDEncoding, endOfGroup, extensions bool) StreamHeaderType {
	v := StreamHeaderType(boolBit(endOfGroup))*6 + StreamHeaderType(sid)*2 + StreamHeaderType(boolBit(extensions))
	return StreamHeaderSubgroupBase + v
}

// Decompose splits a STREAM_HEADER_SUBGROUP type byte back into its
// subtype bits. Callers must first confirm t is in the subgroup range.
func (t StreamHeaderType) Decompose() (sid SubgroupIDEncoding, endOfGroup, extensions bool) {
	v := int(t - StreamHeaderSubgroupBase)
	extensions = v%2 != 0
	v /= 2
	sid = SubgroupIDEncoding(v % 3)
	endOfGroup = v/3 != 0
	return sid, endOfGroup, extensions
}

// IsObjectDatagram reports whether t is one of the four OBJECT_DATAGRAM
// subtypes.
func (t StreamHeaderType) IsObjectDatagram() bool {
	return t >= ObjectDatagramBase && t < ObjectDatagramBase+4
}

// IsObjectDatagramStatus reports whether t is one of the two
// OBJECT_DATAGRAM_STATUS subtypes.
func (t StreamHeaderType) IsObjectDatagramStatus() bool {
	return t >= ObjectDatagramStatusBase && t < ObjectDatagramStatusBase+2
}

// IsStreamHeaderSubgroup reports whether t is one of the twelve
// STREAM_HEADER_SUBGROUP subtypes.
func (t StreamHeaderType) IsStreamHeaderSubgroup() bool {
	return t >= StreamHeaderSubgroupBase && t < StreamHeaderSubgroupBase+12
}

// HasExtensions reports the extensions subtype bit for a datagram, status,
// or subgroup header type.
func (t StreamHeaderType) HasExtensions() bool {
	switch {
	case t.IsObjectDatagram():
		return (t-ObjectDatagramBase)&0x1 != 0
	case t.IsObjectDatagramStatus():
		return (t-ObjectDatagramStatusBase)&0x1 != 0
	case t.IsStreamHeaderSubgroup():
		_, _, ext := t.Decompose()
		return ext
	default:
		return false
	}
}

func boolBit(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ObjectStatus explains an object record carrying an empty payload.
type ObjectStatus uint64

const (
	ObjectStatusAvailable         ObjectStatus = 0x0
	ObjectStatusDoesNotExist      ObjectStatus = 0x1
	ObjectStatusGroupDoesNotExist ObjectStatus = 0x2
	ObjectStatusEndOfGroup        ObjectStatus = 0x3
	ObjectStatusEndOfTrack        ObjectStatus = 0x4
)

// Extension is a single (type, value) pair attached to an object record.
type Extension struct {
	Type  uint64
	Value []byte
}

// AppendExtensions serializes a varint count followed by each (type,
// length-prefixed value) pair.
func AppendExtensions(buf []byte, exts []Extension) []byte {
	buf = AppendVarint(buf, uint64(len(exts)))
	for _, e := range exts {
		buf = AppendVarint(buf, e.Type)
		buf = AppendBytesLP(buf, e.Value)
	}
	return buf
}

// DecodeExtensions decodes a varint-counted list of Extension pairs from
// the front of b.
func DecodeExtensions(b []byte) ([]Extension, int, error) {
	count, n, err := DecodeVarint(b)
	if err != nil {
		return nil, 0, &ParseError{Field: "extensions_count", Err: err}
	}
	total := n
	out := make([]Extension, count)
	for i := uint64(0); i < count; i++ {
		typ, n, err := DecodeVarint(b[total:])
		if err != nil {
			return nil, 0, &ParseError{Field: "extension_type", Err: err}
		}
		total += n
		val, n, err := DecodeBytesLP(b[total:])
		if err != nil {
			return nil, 0, &ParseError{Field: "extension_value", Err: err}
		}
		out[i] = Extension{Type: typ, Value: cloneBytes(val)}
		total += n
	}
	return out, total, nil
}

// ObjectDatagram is a single object delivered standalone on a QUIC
// datagram.
type ObjectDatagram struct {
	TrackAlias         uint64
	Group              uint64
	Object             uint64
	PublisherPriority  uint8
	Extensions         []Extension // present iff type.HasExtensions()
	Payload            []byte
}

// AppendObjectDatagram serializes msg with the given subtype bits.
func AppendObjectDatagram(buf []byte, endOfGroup bool, msg ObjectDatagram) []byte {
	buf = append(buf, byte(ObjectDatagramType(endOfGroup, len(msg.Extensions) > 0)))
	buf = AppendVarint(buf, msg.TrackAlias)
	buf = AppendVarint(buf, msg.Group)
	buf = AppendVarint(buf, msg.Object)
	buf = append(buf, msg.PublisherPriority)
	if len(msg.Extensions) > 0 {
		buf = AppendExtensions(buf, msg.Extensions)
	}
	return AppendBytesLP(buf, msg.Payload)
}

// DecodeObjectDatagram decodes an ObjectDatagram given its already-read
// type byte.
func DecodeObjectDatagram(t StreamHeaderType, b []byte) (ObjectDatagram, error) {
	var msg ObjectDatagram
	alias, group, off, err := decodeTwoVarints(b, "track_alias", "group")
	if err != nil {
		return msg, err
	}
	msg.TrackAlias = alias
	msg.Group = group
	obj, n, err := DecodeVarint(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "object", Err: err}
	}
	msg.Object = obj
	off += n
	if off >= len(b) {
		return msg, &ParseError{Field: "publisher_priority", Err: ErrTruncated}
	}
	msg.PublisherPriority = b[off]
	off++
	if t.HasExtensions() {
		exts, n, err := DecodeExtensions(b[off:])
		if err != nil {
			return msg, err
		}
		msg.Extensions = exts
		off += n
	}
	payload, _, err := DecodeBytesLP(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "payload", Err: err}
	}
	msg.Payload = cloneBytes(payload)
	return msg, nil
}

// ObjectDatagramStatus reports an object's status without a payload, e.g.
// to announce end-of-group on a track with no further data.
type ObjectDatagramStatus struct {
	TrackAlias        uint64
	Group             uint64
	Object            uint64
	PublisherPriority uint8
	Extensions        []Extension // present iff type.HasExtensions()
	Status            ObjectStatus
}

func AppendObjectDatagramStatus(buf []byte, msg ObjectDatagramStatus) []byte {
	buf = append(buf, byte(ObjectDatagramStatusType(len(msg.Extensions) > 0)))
	buf = AppendVarint(buf, msg.TrackAlias)
	buf = AppendVarint(buf, msg.Group)
	buf = AppendVarint(buf, msg.Object)
	buf = append(buf, msg.PublisherPriority)
	if len(msg.Extensions) > 0 {
		buf = AppendExtensions(buf, msg.Extensions)
	}
	return AppendVarint(buf, uint64(msg.Status))
}

func DecodeObjectDatagramStatus(t StreamHeaderType, b []byte) (ObjectDatagramStatus, error) {
	var msg ObjectDatagramStatus
	alias, group, off, err := decodeTwoVarints(b, "track_alias", "group")
	if err != nil {
		return msg, err
	}
	msg.TrackAlias = alias
	msg.Group = group
	obj, n, err := DecodeVarint(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "object", Err: err}
	}
	msg.Object = obj
	off += n
	if off >= len(b) {
		return msg, &ParseError{Field: "publisher_priority", Err: ErrTruncated}
	}
	msg.PublisherPriority = b[off]
	off++
	if t.HasExtensions() {
		exts, n, err := DecodeExtensions(b[off:])
		if err != nil {
			return msg, err
		}
		msg.Extensions = exts
		off += n
	}
	status, _, err := DecodeVarint(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "status", Err: err}
	}
	msg.Status = ObjectStatus(status)
	return msg, nil
}

// StreamHeaderSubgroup opens a data stream carrying one or more objects
// from the same (group, subgroup).
type StreamHeaderSubgroup struct {
	TrackAlias        uint64
	Group             uint64
	SubgroupID        uint64 // present on wire iff encoding == SubgroupExplicit
	PublisherPriority uint8
}

func AppendStreamHeaderSubgroup(buf []byte, sid SubgroupIDEncoding, endOfGroup, extensions bool, msg StreamHeaderSubgroup) []byte {
	buf = append(buf, byte(StreamHeaderSubgroupType(sid, endOfGroup, extensions)))
	buf = AppendVarint(buf, msg.TrackAlias)
	buf = AppendVarint(buf, msg.Group)
	if sid == SubgroupExplicit {
		buf = AppendVarint(buf, msg.SubgroupID)
	}
	return append(buf, msg.PublisherPriority)
}

// DecodeStreamHeaderSubgroup decodes the header given its already-read type
// byte. When sid encoding is not explicit, SubgroupID is left 0; the
// caller resolves it to either 0 or the first object id per MOQT §4.3.
func DecodeStreamHeaderSubgroup(t StreamHeaderType, b []byte) (StreamHeaderSubgroup, int, error) {
	var msg StreamHeaderSubgroup
	sid, _, _ := t.Decompose()
	alias, group, off, err := decodeTwoVarints(b, "track_alias", "group")
	if err != nil {
		return msg, 0, err
	}
	msg.TrackAlias = alias
	msg.Group = group
	if sid == SubgroupExplicit {
		v, n, err := DecodeVarint(b[off:])
		if err != nil {
			return msg, 0, &ParseError{Field: "subgroup_id", Err: err}
		}
		msg.SubgroupID = v
		off += n
	}
	if off >= len(b) {
		return msg, 0, &ParseError{Field: "publisher_priority", Err: ErrTruncated}
	}
	msg.PublisherPriority = b[off]
	off++
	return msg, off, nil
}

// SubgroupObject is one object record inside a STREAM_HEADER_SUBGROUP or
// FETCH_HEADER stream, after the leading header.
type SubgroupObject struct {
	Object     uint64
	Extensions []Extension
	Payload    []byte
	Status     ObjectStatus // only meaningful when len(Payload) == 0
}

// AppendSubgroupObject serializes one object record.
func AppendSubgroupObject(buf []byte, hasExtensions bool, msg SubgroupObject) []byte {
	buf = AppendVarint(buf, msg.Object)
	if hasExtensions {
		buf = AppendExtensions(buf, msg.Extensions)
	}
	buf = AppendBytesLP(buf, msg.Payload)
	if len(msg.Payload) == 0 {
		buf = AppendVarint(buf, uint64(msg.Status))
	}
	return buf
}

// DecodeSubgroupObject decodes one object record from the front of b.
func DecodeSubgroupObject(hasExtensions bool, b []byte) (SubgroupObject, int, error) {
	var msg SubgroupObject
	obj, off, err := decodeVarintAt(b, "object")
	if err != nil {
		return msg, 0, err
	}
	msg.Object = obj
	if hasExtensions {
		exts, n, err := DecodeExtensions(b[off:])
		if err != nil {
			return msg, 0, err
		}
		msg.Extensions = exts
		off += n
	}
	payload, n, err := DecodeBytesLP(b[off:])
	if err != nil {
		return msg, 0, &ParseError{Field: "payload", Err: err}
	}
	msg.Payload = cloneBytes(payload)
	off += n
	if len(msg.Payload) == 0 {
		status, n, err := DecodeVarint(b[off:])
		if err != nil {
			return msg, 0, &ParseError{Field: "status", Err: err}
		}
		msg.Status = ObjectStatus(status)
		off += n
	}
	return msg, off, nil
}

// FetchHeader opens a unidirectional stream delivering the results of one
// FETCH, identified by the RequestID the FETCH_OK referenced.
type FetchHeader struct {
	RequestID uint64
}

func AppendFetchHeader(buf []byte, msg FetchHeader) []byte {
	buf = append(buf, byte(FetchHeaderType))
	return AppendVarint(buf, msg.RequestID)
}

func DecodeFetchHeader(b []byte) (FetchHeader, int, error) {
	v, n, err := DecodeVarint(b)
	if err != nil {
		return FetchHeader{}, 0, &ParseError{Field: "request_id", Err: err}
	}
	return FetchHeader{RequestID: v}, n, nil
}

// FetchObject is one object record inside a FETCH_HEADER stream. Unlike
// StreamHeaderSubgroup's records, each FETCH_OBJECT carries its full
// (group, subgroup, object) coordinates since one fetch stream may span
// multiple groups.
type FetchObject struct {
	Group             uint64
	SubgroupID        uint64
	Object            uint64
	PublisherPriority uint8
	Extensions        []Extension
	Payload           []byte
	Status            ObjectStatus // only meaningful when len(Payload) == 0
}

func AppendFetchObject(buf []byte, hasExtensions bool, msg FetchObject) []byte {
	buf = AppendVarint(buf, msg.Group)
	buf = AppendVarint(buf, msg.SubgroupID)
	buf = AppendVarint(buf, msg.Object)
	buf = append(buf, msg.PublisherPriority)
	if hasExtensions {
		buf = AppendExtensions(buf, msg.Extensions)
	}
	buf = AppendBytesLP(buf, msg.Payload)
	if len(msg.Payload) == 0 {
		buf = AppendVarint(buf, uint64(msg.Status))
	}
	return buf
}

func DecodeFetchObject(hasExtensions bool, b []byte) (FetchObject, int, error) {
	var msg FetchObject
	group, subgroup, off, err := decodeTwoVarints(b, "group", "subgroup_id")
	if err != nil {
		return msg, 0, err
	}
	msg.Group = group
	msg.SubgroupID = subgroup
	obj, n, err := DecodeVarint(b[off:])
	if err != nil {
		return msg, 0, &ParseError{Field: "object", Err: err}
	}
	msg.Object = obj
	off += n
	if off >= len(b) {
		return msg, 0, &ParseError{Field: "publisher_priority", Err: ErrTruncated}
	}
	msg.PublisherPriority = b[off]
	off++
	if hasExtensions {
		exts, n, err := DecodeExtensions(b[off:])
		if err != nil {
			return msg, 0, err
		}
		msg.Extensions = exts
		off += n
	}
	payload, n, err := DecodeBytesLP(b[off:])
	if err != nil {
		return msg, 0, &ParseError{Field: "payload", Err: err}
	}
	msg.Payload = cloneBytes(payload)
	off += n
	if len(msg.Payload) == 0 {
		status, n, err := DecodeVarint(b[off:])
		if err != nil {
			return msg, 0, &ParseError{Field: "status", Err: err}
		}
		msg.Status = ObjectStatus(status)
		off += n
	}
	return msg, off, nil
}

func decodeVarintAt(b []byte, field string) (uint64, int, error) {
	v, n, err := DecodeVarint(b)
	if err != nil {
		return 0, 0, &ParseError{Field: field, Err: err}
	}
	return v, n, nil
}
