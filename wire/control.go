package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Version is the MOQT version this codec speaks: draft-14 numbering
// (0xff000000 + draft number), matching the normative message set this
// package implements.
const Version uint64 = 0xff00000e

// ControlMessageType identifies the payload carried by a control message
// envelope (MOQT §3/§9). Values match the normative generated enum.
type ControlMessageType uint64

const (
	MsgSubscribeUpdate         ControlMessageType = 0x2
	MsgSubscribe               ControlMessageType = 0x3
	MsgSubscribeOk             ControlMessageType = 0x4
	MsgSubscribeError          ControlMessageType = 0x5
	MsgPublishNamespace        ControlMessageType = 0x6
	MsgPublishNamespaceOk      ControlMessageType = 0x7
	MsgPublishNamespaceError   ControlMessageType = 0x8
	MsgPublishNamespaceDone    ControlMessageType = 0x9
	MsgUnsubscribe             ControlMessageType = 0xa
	MsgPublishDone             ControlMessageType = 0xb
	MsgPublishNamespaceCancel  ControlMessageType = 0xc
	MsgTrackStatus             ControlMessageType = 0xd
	MsgTrackStatusOk           ControlMessageType = 0xe
	MsgTrackStatusError        ControlMessageType = 0xf
	MsgGoaway                  ControlMessageType = 0x10
	MsgSubscribeNamespace      ControlMessageType = 0x11
	MsgSubscribeNamespaceOk    ControlMessageType = 0x12
	MsgSubscribeNamespaceError ControlMessageType = 0x13
	MsgUnsubscribeNamespace    ControlMessageType = 0x14
	MsgMaxRequestId            ControlMessageType = 0x15
	MsgFetch                   ControlMessageType = 0x16
	MsgFetchCancel             ControlMessageType = 0x17
	MsgFetchOk                 ControlMessageType = 0x18
	MsgFetchError              ControlMessageType = 0x19
	MsgRequestsBlocked         ControlMessageType = 0x1a
	MsgPublish                 ControlMessageType = 0x1d
	MsgPublishOk               ControlMessageType = 0x1e
	MsgPublishError            ControlMessageType = 0x1f
	MsgClientSetup             ControlMessageType = 0x20
	MsgServerSetup             ControlMessageType = 0x21
)

func (t ControlMessageType) String() string {
	switch t {
	case MsgSubscribeUpdate:
		return "SUBSCRIBE_UPDATE"
	case MsgSubscribe:
		return "SUBSCRIBE"
	case MsgSubscribeOk:
		return "SUBSCRIBE_OK"
	case MsgSubscribeError:
		return "SUBSCRIBE_ERROR"
	case MsgPublishNamespace:
		return "PUBLISH_NAMESPACE"
	case MsgPublishNamespaceOk:
		return "PUBLISH_NAMESPACE_OK"
	case MsgPublishNamespaceError:
		return "PUBLISH_NAMESPACE_ERROR"
	case MsgPublishNamespaceDone:
		return "PUBLISH_NAMESPACE_DONE"
	case MsgUnsubscribe:
		return "UNSUBSCRIBE"
	case MsgPublishDone:
		return "PUBLISH_DONE"
	case MsgPublishNamespaceCancel:
		return "PUBLISH_NAMESPACE_CANCEL"
	case MsgTrackStatus:
		return "TRACK_STATUS"
	case MsgTrackStatusOk:
		return "TRACK_STATUS_OK"
	case MsgTrackStatusError:
		return "TRACK_STATUS_ERROR"
	case MsgGoaway:
		return "GOAWAY"
	case MsgSubscribeNamespace:
		return "SUBSCRIBE_NAMESPACE"
	case MsgSubscribeNamespaceOk:
		return "SUBSCRIBE_NAMESPACE_OK"
	case MsgSubscribeNamespaceError:
		return "SUBSCRIBE_NAMESPACE_ERROR"
	case MsgUnsubscribeNamespace:
		return "UNSUBSCRIBE_NAMESPACE"
	case MsgMaxRequestId:
		return "MAX_REQUEST_ID"
	case MsgFetch:
		return "FETCH"
	case MsgFetchCancel:
		return "FETCH_CANCEL"
	case MsgFetchOk:
		return "FETCH_OK"
	case MsgFetchError:
		return "FETCH_ERROR"
	case MsgRequestsBlocked:
		return "REQUESTS_BLOCKED"
	case MsgPublish:
		return "PUBLISH"
	case MsgPublishOk:
		return "PUBLISH_OK"
	case MsgPublishError:
		return "PUBLISH_ERROR"
	case MsgClientSetup:
		return "CLIENT_SETUP"
	case MsgServerSetup:
		return "SERVER_SETUP"
	default:
		return fmt.Sprintf("control(%#x)", uint64(t))
	}
}

// GroupOrder selects the delivery order relays and publishers use for
// objects within a group.
type GroupOrder uint8

const (
	GroupOrderOriginalPublisher GroupOrder = 0x0
	GroupOrderAscending         GroupOrder = 0x1
	GroupOrderDescending        GroupOrder = 0x2
)

// FilterType selects which range of a track a SUBSCRIBE, PUBLISH_OK, or
// TRACK_STATUS call wants delivered. Values follow the normative
// FilterType enum rather than any draft-specific renumbering.
type FilterType uint64

const (
	FilterNone          FilterType = 0x0
	FilterLatestGroup   FilterType = 0x1
	FilterLatestObject  FilterType = 0x2
	FilterAbsoluteStart FilterType = 0x3
	FilterAbsoluteRange FilterType = 0x4
)

// hasStartLocation reports whether f carries a start Location field.
func (f FilterType) hasStartLocation() bool {
	return f == FilterAbsoluteStart || f == FilterAbsoluteRange
}

// hasEndGroup reports whether f carries an end_group field.
func (f FilterType) hasEndGroup() bool {
	return f == FilterAbsoluteRange
}

// TrackStatusCode reports the current delivery state of a track in
// response to TRACK_STATUS.
type TrackStatusCode uint64

const (
	TrackStatusInProgress   TrackStatusCode = 0x0
	TrackStatusDoesNotExist TrackStatusCode = 0x1
	TrackStatusNotStarted   TrackStatusCode = 0x2
	TrackStatusFinished     TrackStatusCode = 0x3
	TrackStatusUnknown      TrackStatusCode = 0x4
)

// PublishDoneStatusCode explains why a publisher ended a track (MOQT §4.3:
// the renamed SUBSCRIBE_DONE status space, carried on PUBLISH_DONE).
type PublishDoneStatusCode uint64

const (
	PublishDoneInternalError     PublishDoneStatusCode = 0x0
	PublishDoneUnauthorized      PublishDoneStatusCode = 0x1
	PublishDoneTrackEnded        PublishDoneStatusCode = 0x2
	PublishDoneSubscriptionEnded PublishDoneStatusCode = 0x3
	PublishDoneGoingAway         PublishDoneStatusCode = 0x4
	PublishDoneExpired           PublishDoneStatusCode = 0x5
	PublishDoneTooFarBehind      PublishDoneStatusCode = 0x6
)

// FetchType selects whether a FETCH is a standalone range request or joins
// an existing subscription.
type FetchType uint8

const (
	FetchStandalone FetchType = 0x1
	FetchJoining    FetchType = 0x2
)

// FetchErrorCode explains a FETCH_ERROR.
type FetchErrorCode uint8

const (
	FetchErrorInternalError    FetchErrorCode = 0x0
	FetchErrorUnauthorized     FetchErrorCode = 0x1
	FetchErrorTimeout          FetchErrorCode = 0x2
	FetchErrorNotSupported     FetchErrorCode = 0x3
	FetchErrorTrackDoesNotExist FetchErrorCode = 0x4
	FetchErrorInvalidRange     FetchErrorCode = 0x5
)

// PublishNamespaceErrorCode explains a PUBLISH_NAMESPACE_ERROR.
type PublishNamespaceErrorCode uint64

const (
	PublishNamespaceErrorInternalError PublishNamespaceErrorCode = 0x0
	PublishNamespaceErrorUnauthorized  PublishNamespaceErrorCode = 0x1
	PublishNamespaceErrorTimeout       PublishNamespaceErrorCode = 0x2
	PublishNamespaceErrorNotSupported  PublishNamespaceErrorCode = 0x3
	PublishNamespaceErrorUninterested  PublishNamespaceErrorCode = 0x4
)

// SubscribeErrorCode explains a SUBSCRIBE_ERROR, TRACK_STATUS_ERROR, or
// PUBLISH_ERROR.
type SubscribeErrorCode uint64

const (
	SubscribeErrorInternalError    SubscribeErrorCode = 0x0
	SubscribeErrorUnauthorized     SubscribeErrorCode = 0x1
	SubscribeErrorTimeout          SubscribeErrorCode = 0x2
	SubscribeErrorNotSupported     SubscribeErrorCode = 0x3
	SubscribeErrorTrackDoesNotExist SubscribeErrorCode = 0x4
	SubscribeErrorInvalidRange     SubscribeErrorCode = 0x5
	SubscribeErrorRetryTrackAlias  SubscribeErrorCode = 0x6
)

// SubscribeNamespaceErrorCode explains a SUBSCRIBE_NAMESPACE_ERROR.
type SubscribeNamespaceErrorCode uint64

const (
	SubscribeNamespaceErrorInternalError        SubscribeNamespaceErrorCode = 0x0
	SubscribeNamespaceErrorUnauthorized         SubscribeNamespaceErrorCode = 0x1
	SubscribeNamespaceErrorTimeout               SubscribeNamespaceErrorCode = 0x2
	SubscribeNamespaceErrorNotSupported          SubscribeNamespaceErrorCode = 0x3
	SubscribeNamespaceErrorNamespacePrefixUnknown SubscribeNamespaceErrorCode = 0x4
)

// ReadControlMessage reads one control message envelope from r: a varint
// type, a varint length, then the payload. It blocks until a full message
// is available or r returns an error.
func ReadControlMessage(r io.Reader) (ControlMessageType, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		buffered := bufio.NewReader(r)
		br = buffered
		r = buffered
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	length, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}

	return ControlMessageType(msgType), payload, nil
}

// WriteControlMessage writes a control message envelope to w as a single
// Write call, so a control stream shared by multiple goroutines never
// interleaves a partial message.
func WriteControlMessage(w io.Writer, msgType ControlMessageType, payload []byte) error {
	buf := quicvarint.Append(nil, uint64(msgType))
	buf = quicvarint.Append(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// DecodeControlMessage decodes a complete control message from the front
// of b using the resumable StreamBuffer cursor, returning (false) if the
// envelope is not yet fully buffered.
func DecodeControlMessage(sb *StreamBuffer) (ControlMessageType, []byte, bool) {
	// A type varint and a length varint are each at most 8 bytes; grab
	// whatever is queued up to that worst case, it's fine if less.
	header, ok := sb.Front(min(16, sb.Len()))
	if !ok || len(header) == 0 {
		return 0, nil, false
	}
	msgType, n1, err := DecodeVarint(header)
	if err != nil {
		return 0, nil, false
	}
	length, n2, err := DecodeVarint(header[n1:])
	if err != nil {
		return 0, nil, false
	}
	headerLen := n1 + n2
	total := headerLen + int(length)
	frame, ok := sb.Front(total)
	if !ok {
		return 0, nil, false
	}
	sb.Pop(total)
	payload := make([]byte, length)
	copy(payload, frame[headerLen:])
	return ControlMessageType(msgType), payload, true
}

// ClientSetup is the first message a client sends on the control stream.
type ClientSetup struct {
	SupportedVersions []uint64
	SetupParameters   []SetupParameter
}

func AppendClientSetup(buf []byte, msg ClientSetup) []byte {
	buf = AppendVarint(buf, uint64(len(msg.SupportedVersions)))
	for _, v := range msg.SupportedVersions {
		buf = AppendVarint(buf, v)
	}
	return AppendSetupParameters(buf, msg.SetupParameters)
}

func DecodeClientSetup(b []byte) (ClientSetup, error) {
	var msg ClientSetup
	count, n, err := DecodeVarint(b)
	if err != nil {
		return msg, &ParseError{Field: "supported_versions_count", Err: err}
	}
	off := n
	msg.SupportedVersions = make([]uint64, count)
	for i := uint64(0); i < count; i++ {
		v, n, err := DecodeVarint(b[off:])
		if err != nil {
			return msg, &ParseError{Field: "supported_version", Err: err}
		}
		msg.SupportedVersions[i] = v
		off += n
	}
	params, _, err := DecodeSetupParameters(b[off:])
	if err != nil {
		return msg, err
	}
	msg.SetupParameters = params
	return msg, nil
}

// ServerSetup is the server's response to ClientSetup.
type ServerSetup struct {
	SelectedVersion uint64
	SetupParameters []SetupParameter
}

func AppendServerSetup(buf []byte, msg ServerSetup) []byte {
	buf = AppendVarint(buf, msg.SelectedVersion)
	return AppendSetupParameters(buf, msg.SetupParameters)
}

func DecodeServerSetup(b []byte) (ServerSetup, error) {
	var msg ServerSetup
	v, n, err := DecodeVarint(b)
	if err != nil {
		return msg, &ParseError{Field: "selected_version", Err: err}
	}
	msg.SelectedVersion = v
	params, _, err := DecodeSetupParameters(b[n:])
	if err != nil {
		return msg, err
	}
	msg.SetupParameters = params
	return msg, nil
}

// SubscribeUpdate narrows or extends an existing subscription in place.
type SubscribeUpdate struct {
	RequestID             uint64
	SubscriptionRequestID uint64
	StartLocation         Location
	EndGroup              uint64
	SubscriberPriority    uint8
	Forward               bool
	Parameters            []Parameter
}

func AppendSubscribeUpdate(buf []byte, msg SubscribeUpdate) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = AppendVarint(buf, msg.SubscriptionRequestID)
	buf = AppendLocation(buf, msg.StartLocation)
	buf = AppendVarint(buf, msg.EndGroup)
	buf = append(buf, msg.SubscriberPriority)
	buf = append(buf, boolByte(msg.Forward))
	return AppendParameters(buf, msg.Parameters)
}

func DecodeSubscribeUpdate(b []byte) (SubscribeUpdate, error) {
	var msg SubscribeUpdate
	off := 0
	var err error
	if msg.RequestID, msg.SubscriptionRequestID, off, err = decodeTwoVarints(b, "request_id", "subscription_request_id"); err != nil {
		return msg, err
	}
	loc, n, err := DecodeLocation(b[off:])
	if err != nil {
		return msg, err
	}
	msg.StartLocation = loc
	off += n
	msg.EndGroup, n, err = DecodeVarint(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "end_group", Err: err}
	}
	off += n
	if off >= len(b) {
		return msg, &ParseError{Field: "subscriber_priority", Err: ErrTruncated}
	}
	msg.SubscriberPriority = b[off]
	off++
	if off >= len(b) {
		return msg, &ParseError{Field: "forward", Err: ErrTruncated}
	}
	msg.Forward = b[off] != 0
	off++
	params, _, err := DecodeParameters(b[off:])
	if err != nil {
		return msg, err
	}
	msg.Parameters = params
	return msg, nil
}

// Subscribe requests delivery of a track, optionally bounded by a filter.
type Subscribe struct {
	RequestID          uint64
	TrackNamespace     TrackNamespace
	TrackName          []byte
	SubscriberPriority uint8
	GroupOrder         GroupOrder
	Forward            bool
	FilterType         FilterType
	StartLocation      Location // present iff FilterType.hasStartLocation()
	EndGroup           uint64   // present iff FilterType.hasEndGroup()
	Parameters         []Parameter
}

func AppendSubscribe(buf []byte, msg Subscribe) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = AppendTrackNamespace(buf, msg.TrackNamespace)
	buf = AppendBytesLP(buf, msg.TrackName)
	buf = append(buf, msg.SubscriberPriority, byte(msg.GroupOrder), boolByte(msg.Forward))
	buf = AppendVarint(buf, uint64(msg.FilterType))
	if msg.FilterType.hasStartLocation() {
		buf = AppendLocation(buf, msg.StartLocation)
	}
	if msg.FilterType.hasEndGroup() {
		buf = AppendVarint(buf, msg.EndGroup)
	}
	return AppendParameters(buf, msg.Parameters)
}

func DecodeSubscribe(b []byte) (Subscribe, error) {
	var msg Subscribe
	v, n, err := DecodeVarint(b)
	if err != nil {
		return msg, &ParseError{Field: "request_id", Err: err}
	}
	msg.RequestID = v
	off := n

	ns, n, err := DecodeTrackNamespace(b[off:])
	if err != nil {
		return msg, err
	}
	msg.TrackNamespace = ns
	off += n

	name, n, err := DecodeBytesLP(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "track_name", Err: err}
	}
	msg.TrackName = cloneBytes(name)
	off += n

	if off+3 > len(b) {
		return msg, &ParseError{Field: "priority_order_forward", Err: ErrTruncated}
	}
	msg.SubscriberPriority = b[off]
	msg.GroupOrder = GroupOrder(b[off+1])
	msg.Forward = b[off+2] != 0
	off += 3

	ft, n, err := DecodeVarint(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "filter_type", Err: err}
	}
	msg.FilterType = FilterType(ft)
	off += n

	if msg.FilterType.hasStartLocation() {
		loc, n, err := DecodeLocation(b[off:])
		if err != nil {
			return msg, err
		}
		msg.StartLocation = loc
		off += n
	}
	if msg.FilterType.hasEndGroup() {
		eg, n, err := DecodeVarint(b[off:])
		if err != nil {
			return msg, &ParseError{Field: "end_group", Err: err}
		}
		msg.EndGroup = eg
		off += n
	}

	params, _, err := DecodeParameters(b[off:])
	if err != nil {
		return msg, err
	}
	msg.Parameters = params
	return msg, nil
}

// SubscribeOk confirms a subscription and assigns the track alias the
// subscriber must use to match incoming data streams/datagrams.
type SubscribeOk struct {
	RequestID        uint64
	TrackAlias       uint64
	Expires          uint64
	GroupOrder       GroupOrder
	ContentExists    bool
	LargestLocation  Location // present iff ContentExists
	Parameters       []Parameter
}

func AppendSubscribeOk(buf []byte, msg SubscribeOk) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = AppendVarint(buf, msg.TrackAlias)
	buf = AppendVarint(buf, msg.Expires)
	buf = append(buf, byte(msg.GroupOrder), boolByte(msg.ContentExists))
	if msg.ContentExists {
		buf = AppendLocation(buf, msg.LargestLocation)
	}
	return AppendParameters(buf, msg.Parameters)
}

func DecodeSubscribeOk(b []byte) (SubscribeOk, error) {
	var msg SubscribeOk
	var off int
	var err error
	if msg.RequestID, msg.TrackAlias, off, err = decodeTwoVarints(b, "request_id", "track_alias"); err != nil {
		return msg, err
	}
	exp, n, err := DecodeVarint(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "expires", Err: err}
	}
	msg.Expires = exp
	off += n
	if off+2 > len(b) {
		return msg, &ParseError{Field: "group_order_content_exists", Err: ErrTruncated}
	}
	msg.GroupOrder = GroupOrder(b[off])
	msg.ContentExists = b[off+1] != 0
	off += 2
	if msg.ContentExists {
		loc, n, err := DecodeLocation(b[off:])
		if err != nil {
			return msg, err
		}
		msg.LargestLocation = loc
		off += n
	}
	params, _, err := DecodeParameters(b[off:])
	if err != nil {
		return msg, err
	}
	msg.Parameters = params
	return msg, nil
}

// SubscribeError rejects a subscription.
type SubscribeError struct {
	RequestID    uint64
	ErrorCode    SubscribeErrorCode
	ErrorReason  []byte
}

func AppendSubscribeError(buf []byte, msg SubscribeError) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = AppendVarint(buf, uint64(msg.ErrorCode))
	return AppendBytesLP(buf, msg.ErrorReason)
}

func DecodeSubscribeError(b []byte) (SubscribeError, error) {
	var msg SubscribeError
	reqID, code, off, err := decodeTwoVarints(b, "request_id", "error_code")
	if err != nil {
		return msg, err
	}
	msg.RequestID = reqID
	msg.ErrorCode = SubscribeErrorCode(code)
	reason, _, err := DecodeBytesLP(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "error_reason", Err: err}
	}
	msg.ErrorReason = cloneBytes(reason)
	return msg, nil
}

// PublishNamespace announces a namespace of tracks a peer is willing to
// serve (the renamed ANNOUNCE).
type PublishNamespace struct {
	RequestID      uint64
	TrackNamespace TrackNamespace
	Parameters     []Parameter
}

func AppendPublishNamespace(buf []byte, msg PublishNamespace) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = AppendTrackNamespace(buf, msg.TrackNamespace)
	return AppendParameters(buf, msg.Parameters)
}

func DecodePublishNamespace(b []byte) (PublishNamespace, error) {
	var msg PublishNamespace
	v, n, err := DecodeVarint(b)
	if err != nil {
		return msg, &ParseError{Field: "request_id", Err: err}
	}
	msg.RequestID = v
	ns, n2, err := DecodeTrackNamespace(b[n:])
	if err != nil {
		return msg, err
	}
	msg.TrackNamespace = ns
	params, _, err := DecodeParameters(b[n+n2:])
	if err != nil {
		return msg, err
	}
	msg.Parameters = params
	return msg, nil
}

// PublishNamespaceOk acknowledges a PublishNamespace.
type PublishNamespaceOk struct {
	RequestID uint64
}

func AppendPublishNamespaceOk(buf []byte, msg PublishNamespaceOk) []byte {
	return AppendVarint(buf, msg.RequestID)
}

func DecodePublishNamespaceOk(b []byte) (PublishNamespaceOk, error) {
	v, _, err := DecodeVarint(b)
	if err != nil {
		return PublishNamespaceOk{}, &ParseError{Field: "request_id", Err: err}
	}
	return PublishNamespaceOk{RequestID: v}, nil
}

// PublishNamespaceError rejects a PublishNamespace.
type PublishNamespaceError struct {
	RequestID   uint64
	ErrorCode   PublishNamespaceErrorCode
	ErrorReason []byte
}

func AppendPublishNamespaceError(buf []byte, msg PublishNamespaceError) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = AppendVarint(buf, uint64(msg.ErrorCode))
	return AppendBytesLP(buf, msg.ErrorReason)
}

func DecodePublishNamespaceError(b []byte) (PublishNamespaceError, error) {
	var msg PublishNamespaceError
	reqID, code, off, err := decodeTwoVarints(b, "request_id", "error_code")
	if err != nil {
		return msg, err
	}
	msg.RequestID = reqID
	msg.ErrorCode = PublishNamespaceErrorCode(code)
	reason, _, err := DecodeBytesLP(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "error_reason", Err: err}
	}
	msg.ErrorReason = cloneBytes(reason)
	return msg, nil
}

// PublishNamespaceDone signals the publisher will no longer serve a
// previously-announced namespace.
type PublishNamespaceDone struct {
	TrackNamespace TrackNamespace
}

func AppendPublishNamespaceDone(buf []byte, msg PublishNamespaceDone) []byte {
	return AppendTrackNamespace(buf, msg.TrackNamespace)
}

func DecodePublishNamespaceDone(b []byte) (PublishNamespaceDone, error) {
	ns, _, err := DecodeTrackNamespace(b)
	if err != nil {
		return PublishNamespaceDone{}, err
	}
	return PublishNamespaceDone{TrackNamespace: ns}, nil
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	RequestID uint64
}

func AppendUnsubscribe(buf []byte, msg Unsubscribe) []byte {
	return AppendVarint(buf, msg.RequestID)
}

func DecodeUnsubscribe(b []byte) (Unsubscribe, error) {
	v, _, err := DecodeVarint(b)
	if err != nil {
		return Unsubscribe{}, &ParseError{Field: "request_id", Err: err}
	}
	return Unsubscribe{RequestID: v}, nil
}

// PublishDone tells a subscriber a previously-subscribed track has ended
// (the renamed SUBSCRIBE_DONE).
type PublishDone struct {
	RequestID    uint64
	StatusCode   PublishDoneStatusCode
	StreamCount  uint64
	ErrorReason  []byte
}

func AppendPublishDone(buf []byte, msg PublishDone) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = AppendVarint(buf, uint64(msg.StatusCode))
	buf = AppendVarint(buf, msg.StreamCount)
	return AppendBytesLP(buf, msg.ErrorReason)
}

func DecodePublishDone(b []byte) (PublishDone, error) {
	var msg PublishDone
	reqID, status, off, err := decodeTwoVarints(b, "request_id", "status_code")
	if err != nil {
		return msg, err
	}
	msg.RequestID = reqID
	msg.StatusCode = PublishDoneStatusCode(status)
	count, n, err := DecodeVarint(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "stream_count", Err: err}
	}
	msg.StreamCount = count
	off += n
	reason, _, err := DecodeBytesLP(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "error_reason", Err: err}
	}
	msg.ErrorReason = cloneBytes(reason)
	return msg, nil
}

// PublishNamespaceCancel tells a peer to stop relying on a namespace
// announcement due to an error.
type PublishNamespaceCancel struct {
	TrackNamespace TrackNamespace
	ErrorCode      uint64
	ErrorReason    []byte
}

func AppendPublishNamespaceCancel(buf []byte, msg PublishNamespaceCancel) []byte {
	buf = AppendTrackNamespace(buf, msg.TrackNamespace)
	buf = AppendVarint(buf, msg.ErrorCode)
	return AppendBytesLP(buf, msg.ErrorReason)
}

func DecodePublishNamespaceCancel(b []byte) (PublishNamespaceCancel, error) {
	var msg PublishNamespaceCancel
	ns, n, err := DecodeTrackNamespace(b)
	if err != nil {
		return msg, err
	}
	msg.TrackNamespace = ns
	code, n2, err := DecodeVarint(b[n:])
	if err != nil {
		return msg, &ParseError{Field: "error_code", Err: err}
	}
	msg.ErrorCode = code
	reason, _, err := DecodeBytesLP(b[n+n2:])
	if err != nil {
		return msg, &ParseError{Field: "error_reason", Err: err}
	}
	msg.ErrorReason = cloneBytes(reason)
	return msg, nil
}

// TrackStatus requests the current status of a track without subscribing
// to it, using the same filter-driven optional fields as Subscribe.
type TrackStatus struct {
	RequestID          uint64
	TrackNamespace     TrackNamespace
	TrackName          []byte
	SubscriberPriority uint8
	GroupOrder         GroupOrder
	Forward            bool
	FilterType         FilterType
	StartLocation      Location
	EndGroup           uint64
	Parameters         []Parameter
}

func AppendTrackStatus(buf []byte, msg TrackStatus) []byte {
	return AppendSubscribe(buf, Subscribe(msg))
}

func DecodeTrackStatus(b []byte) (TrackStatus, error) {
	s, err := DecodeSubscribe(b)
	return TrackStatus(s), err
}

// TrackStatusOk answers TrackStatus with the track's state, mirroring
// SubscribeOk's optional largest-location group.
type TrackStatusOk struct {
	RequestID       uint64
	TrackAlias      uint64
	Expires         uint64
	GroupOrder      GroupOrder
	ContentExists   bool
	LargestLocation Location
	Parameters      []Parameter
}

func AppendTrackStatusOk(buf []byte, msg TrackStatusOk) []byte {
	return AppendSubscribeOk(buf, SubscribeOk(msg))
}

func DecodeTrackStatusOk(b []byte) (TrackStatusOk, error) {
	s, err := DecodeSubscribeOk(b)
	return TrackStatusOk(s), err
}

// TrackStatusError rejects a TrackStatus request.
type TrackStatusError struct {
	RequestID   uint64
	ErrorCode   SubscribeErrorCode
	ErrorReason []byte
}

func AppendTrackStatusError(buf []byte, msg TrackStatusError) []byte {
	return AppendSubscribeError(buf, SubscribeError(msg))
}

func DecodeTrackStatusError(b []byte) (TrackStatusError, error) {
	s, err := DecodeSubscribeError(b)
	return TrackStatusError(s), err
}

// Goaway asks a peer to migrate to a new session, optionally at a new URI.
type Goaway struct {
	NewSessionURI []byte
}

func AppendGoaway(buf []byte, msg Goaway) []byte {
	return AppendBytesLP(buf, msg.NewSessionURI)
}

func DecodeGoaway(b []byte) (Goaway, error) {
	uri, _, err := DecodeBytesLP(b)
	if err != nil {
		return Goaway{}, &ParseError{Field: "new_session_uri", Err: err}
	}
	return Goaway{NewSessionURI: cloneBytes(uri)}, nil
}

// SubscribeNamespace asks a peer to report PublishNamespace announcements
// for any namespace under a prefix.
type SubscribeNamespace struct {
	RequestID            uint64
	TrackNamespacePrefix TrackNamespace
	Parameters           []Parameter
}

func AppendSubscribeNamespace(buf []byte, msg SubscribeNamespace) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = AppendTrackNamespace(buf, msg.TrackNamespacePrefix)
	return AppendParameters(buf, msg.Parameters)
}

func DecodeSubscribeNamespace(b []byte) (SubscribeNamespace, error) {
	var msg SubscribeNamespace
	v, n, err := DecodeVarint(b)
	if err != nil {
		return msg, &ParseError{Field: "request_id", Err: err}
	}
	msg.RequestID = v
	prefix, n2, err := DecodeTrackNamespace(b[n:])
	if err != nil {
		return msg, err
	}
	msg.TrackNamespacePrefix = prefix
	params, _, err := DecodeParameters(b[n+n2:])
	if err != nil {
		return msg, err
	}
	msg.Parameters = params
	return msg, nil
}

// SubscribeNamespaceOk acknowledges a SubscribeNamespace.
type SubscribeNamespaceOk struct {
	RequestID uint64
}

func AppendSubscribeNamespaceOk(buf []byte, msg SubscribeNamespaceOk) []byte {
	return AppendVarint(buf, msg.RequestID)
}

func DecodeSubscribeNamespaceOk(b []byte) (SubscribeNamespaceOk, error) {
	v, _, err := DecodeVarint(b)
	if err != nil {
		return SubscribeNamespaceOk{}, &ParseError{Field: "request_id", Err: err}
	}
	return SubscribeNamespaceOk{RequestID: v}, nil
}

// SubscribeNamespaceError rejects a SubscribeNamespace.
type SubscribeNamespaceError struct {
	RequestID   uint64
	ErrorCode   SubscribeNamespaceErrorCode
	ErrorReason []byte
}

func AppendSubscribeNamespaceError(buf []byte, msg SubscribeNamespaceError) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = AppendVarint(buf, uint64(msg.ErrorCode))
	return AppendBytesLP(buf, msg.ErrorReason)
}

func DecodeSubscribeNamespaceError(b []byte) (SubscribeNamespaceError, error) {
	var msg SubscribeNamespaceError
	reqID, code, off, err := decodeTwoVarints(b, "request_id", "error_code")
	if err != nil {
		return msg, err
	}
	msg.RequestID = reqID
	msg.ErrorCode = SubscribeNamespaceErrorCode(code)
	reason, _, err := DecodeBytesLP(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "error_reason", Err: err}
	}
	msg.ErrorReason = cloneBytes(reason)
	return msg, nil
}

// UnsubscribeNamespace cancels a SubscribeNamespace.
type UnsubscribeNamespace struct {
	TrackNamespacePrefix TrackNamespace
}

func AppendUnsubscribeNamespace(buf []byte, msg UnsubscribeNamespace) []byte {
	return AppendTrackNamespace(buf, msg.TrackNamespacePrefix)
}

func DecodeUnsubscribeNamespace(b []byte) (UnsubscribeNamespace, error) {
	prefix, _, err := DecodeTrackNamespace(b)
	if err != nil {
		return UnsubscribeNamespace{}, err
	}
	return UnsubscribeNamespace{TrackNamespacePrefix: prefix}, nil
}

// MaxRequestId raises the peer's request ID quota.
type MaxRequestId struct {
	RequestID uint64
}

func AppendMaxRequestId(buf []byte, msg MaxRequestId) []byte {
	return AppendVarint(buf, msg.RequestID)
}

func DecodeMaxRequestId(b []byte) (MaxRequestId, error) {
	v, _, err := DecodeVarint(b)
	if err != nil {
		return MaxRequestId{}, &ParseError{Field: "request_id", Err: err}
	}
	return MaxRequestId{RequestID: v}, nil
}

// RequestsBlocked informs a peer that the local request ID quota was
// exhausted at the given maximum.
type RequestsBlocked struct {
	MaximumRequestID uint64
}

func AppendRequestsBlocked(buf []byte, msg RequestsBlocked) []byte {
	return AppendVarint(buf, msg.MaximumRequestID)
}

func DecodeRequestsBlocked(b []byte) (RequestsBlocked, error) {
	v, _, err := DecodeVarint(b)
	if err != nil {
		return RequestsBlocked{}, &ParseError{Field: "maximum_request_id", Err: err}
	}
	return RequestsBlocked{MaximumRequestID: v}, nil
}

// StandaloneFetch names an explicit track and (start, end) object range to
// retrieve.
type StandaloneFetch struct {
	TrackNamespace TrackNamespace
	TrackName      []byte
	StartLocation  Location
	EndLocation    Location
}

// JoiningFetch retrieves objects preceding an existing subscription's
// current position, rather than naming a track directly.
//
// The normative codec's two known generated variants disagree on this
// field's name (one uses preceding_group_offset, the other joining_start);
// this codec follows joining_start and does not attempt to accept both.
type JoiningFetch struct {
	JoiningRequestID uint64
	JoiningStart     uint64
}

// Fetch pulls a bounded range of historical objects, either standalone or
// relative to an existing subscription.
type Fetch struct {
	RequestID          uint64
	SubscriberPriority  uint8
	GroupOrder          GroupOrder
	FetchType           FetchType
	Standalone          StandaloneFetch // present iff FetchType == FetchStandalone
	Joining             JoiningFetch    // present iff FetchType == FetchJoining
	Parameters          []Parameter
}

func AppendFetch(buf []byte, msg Fetch) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = append(buf, msg.SubscriberPriority, byte(msg.GroupOrder), byte(msg.FetchType))
	switch msg.FetchType {
	case FetchStandalone:
		buf = AppendTrackNamespace(buf, msg.Standalone.TrackNamespace)
		buf = AppendBytesLP(buf, msg.Standalone.TrackName)
		buf = AppendLocation(buf, msg.Standalone.StartLocation)
		buf = AppendLocation(buf, msg.Standalone.EndLocation)
	case FetchJoining:
		buf = AppendVarint(buf, msg.Joining.JoiningRequestID)
		buf = AppendVarint(buf, msg.Joining.JoiningStart)
	}
	return AppendParameters(buf, msg.Parameters)
}

func DecodeFetch(b []byte) (Fetch, error) {
	var msg Fetch
	v, n, err := DecodeVarint(b)
	if err != nil {
		return msg, &ParseError{Field: "request_id", Err: err}
	}
	msg.RequestID = v
	off := n
	if off+3 > len(b) {
		return msg, &ParseError{Field: "priority_order_fetchtype", Err: ErrTruncated}
	}
	msg.SubscriberPriority = b[off]
	msg.GroupOrder = GroupOrder(b[off+1])
	msg.FetchType = FetchType(b[off+2])
	off += 3

	switch msg.FetchType {
	case FetchStandalone:
		ns, n, err := DecodeTrackNamespace(b[off:])
		if err != nil {
			return msg, err
		}
		msg.Standalone.TrackNamespace = ns
		off += n
		name, n, err := DecodeBytesLP(b[off:])
		if err != nil {
			return msg, &ParseError{Field: "fetch_track_name", Err: err}
		}
		msg.Standalone.TrackName = cloneBytes(name)
		off += n
		start, n, err := DecodeLocation(b[off:])
		if err != nil {
			return msg, err
		}
		msg.Standalone.StartLocation = start
		off += n
		end, n, err := DecodeLocation(b[off:])
		if err != nil {
			return msg, err
		}
		msg.Standalone.EndLocation = end
		off += n
	case FetchJoining:
		id, n, err := DecodeVarint(b[off:])
		if err != nil {
			return msg, &ParseError{Field: "joining_request_id", Err: err}
		}
		msg.Joining.JoiningRequestID = id
		off += n
		start, n, err := DecodeVarint(b[off:])
		if err != nil {
			return msg, &ParseError{Field: "joining_start", Err: err}
		}
		msg.Joining.JoiningStart = start
		off += n
	default:
		return msg, ErrUnsupportedFetchType
	}

	params, _, err := DecodeParameters(b[off:])
	if err != nil {
		return msg, err
	}
	msg.Parameters = params
	return msg, nil
}

// FetchCancel aborts an in-progress FETCH.
type FetchCancel struct {
	RequestID uint64
}

func AppendFetchCancel(buf []byte, msg FetchCancel) []byte {
	return AppendVarint(buf, msg.RequestID)
}

func DecodeFetchCancel(b []byte) (FetchCancel, error) {
	v, _, err := DecodeVarint(b)
	if err != nil {
		return FetchCancel{}, &ParseError{Field: "request_id", Err: err}
	}
	return FetchCancel{RequestID: v}, nil
}

// FetchOk confirms a FETCH and reports the range that will actually be
// delivered.
type FetchOk struct {
	RequestID   uint64
	GroupOrder  GroupOrder
	EndOfTrack  bool
	EndLocation Location
	Parameters  []Parameter
}

func AppendFetchOk(buf []byte, msg FetchOk) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = append(buf, byte(msg.GroupOrder), boolByte(msg.EndOfTrack))
	buf = AppendLocation(buf, msg.EndLocation)
	return AppendParameters(buf, msg.Parameters)
}

func DecodeFetchOk(b []byte) (FetchOk, error) {
	var msg FetchOk
	v, n, err := DecodeVarint(b)
	if err != nil {
		return msg, &ParseError{Field: "request_id", Err: err}
	}
	msg.RequestID = v
	off := n
	if off+2 > len(b) {
		return msg, &ParseError{Field: "group_order_end_of_track", Err: ErrTruncated}
	}
	msg.GroupOrder = GroupOrder(b[off])
	msg.EndOfTrack = b[off+1] != 0
	off += 2
	loc, n, err := DecodeLocation(b[off:])
	if err != nil {
		return msg, err
	}
	msg.EndLocation = loc
	off += n
	params, _, err := DecodeParameters(b[off:])
	if err != nil {
		return msg, err
	}
	msg.Parameters = params
	return msg, nil
}

// FetchError rejects a FETCH.
type FetchError struct {
	RequestID   uint64
	ErrorCode   FetchErrorCode
	ErrorReason []byte
}

func AppendFetchError(buf []byte, msg FetchError) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = append(buf, byte(msg.ErrorCode))
	return AppendBytesLP(buf, msg.ErrorReason)
}

func DecodeFetchError(b []byte) (FetchError, error) {
	var msg FetchError
	v, n, err := DecodeVarint(b)
	if err != nil {
		return msg, &ParseError{Field: "request_id", Err: err}
	}
	msg.RequestID = v
	off := n
	if off >= len(b) {
		return msg, &ParseError{Field: "error_code", Err: ErrTruncated}
	}
	msg.ErrorCode = FetchErrorCode(b[off])
	off++
	reason, _, err := DecodeBytesLP(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "error_reason", Err: err}
	}
	msg.ErrorReason = cloneBytes(reason)
	return msg, nil
}

// Publish offers a track directly to a peer without a prior subscribe
// (relay-initiated push), carrying the alias the peer should expect on
// the data plane.
type Publish struct {
	RequestID       uint64
	TrackNamespace  TrackNamespace
	TrackName       []byte
	TrackAlias      uint64
	GroupOrder      GroupOrder
	ContentExists   bool
	LargestLocation Location // present iff ContentExists
	Forward         bool
	Parameters      []Parameter
}

func AppendPublish(buf []byte, msg Publish) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = AppendTrackNamespace(buf, msg.TrackNamespace)
	buf = AppendBytesLP(buf, msg.TrackName)
	buf = AppendVarint(buf, msg.TrackAlias)
	buf = append(buf, byte(msg.GroupOrder), boolByte(msg.ContentExists))
	if msg.ContentExists {
		buf = AppendLocation(buf, msg.LargestLocation)
	}
	buf = append(buf, boolByte(msg.Forward))
	return AppendParameters(buf, msg.Parameters)
}

func DecodePublish(b []byte) (Publish, error) {
	var msg Publish
	v, n, err := DecodeVarint(b)
	if err != nil {
		return msg, &ParseError{Field: "request_id", Err: err}
	}
	msg.RequestID = v
	off := n

	ns, n, err := DecodeTrackNamespace(b[off:])
	if err != nil {
		return msg, err
	}
	msg.TrackNamespace = ns
	off += n

	name, n, err := DecodeBytesLP(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "track_name", Err: err}
	}
	msg.TrackName = cloneBytes(name)
	off += n

	alias, n, err := DecodeVarint(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "track_alias", Err: err}
	}
	msg.TrackAlias = alias
	off += n

	if off+2 > len(b) {
		return msg, &ParseError{Field: "group_order_content_exists", Err: ErrTruncated}
	}
	msg.GroupOrder = GroupOrder(b[off])
	msg.ContentExists = b[off+1] != 0
	off += 2

	if msg.ContentExists {
		loc, n, err := DecodeLocation(b[off:])
		if err != nil {
			return msg, err
		}
		msg.LargestLocation = loc
		off += n
	}

	if off >= len(b) {
		return msg, &ParseError{Field: "forward", Err: ErrTruncated}
	}
	msg.Forward = b[off] != 0
	off++

	params, _, err := DecodeParameters(b[off:])
	if err != nil {
		return msg, err
	}
	msg.Parameters = params
	return msg, nil
}

// PublishOk confirms a Publish and tells the publisher what range to send.
type PublishOk struct {
	RequestID          uint64
	Forward            bool
	SubscriberPriority uint8
	GroupOrder         GroupOrder
	FilterType         FilterType
	StartLocation      Location // present iff FilterType.hasStartLocation()
	EndGroup           uint64   // present iff FilterType.hasEndGroup()
	Parameters         []Parameter
}

func AppendPublishOk(buf []byte, msg PublishOk) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = append(buf, boolByte(msg.Forward), msg.SubscriberPriority, byte(msg.GroupOrder))
	buf = AppendVarint(buf, uint64(msg.FilterType))
	if msg.FilterType.hasStartLocation() {
		buf = AppendLocation(buf, msg.StartLocation)
	}
	if msg.FilterType.hasEndGroup() {
		buf = AppendVarint(buf, msg.EndGroup)
	}
	return AppendParameters(buf, msg.Parameters)
}

func DecodePublishOk(b []byte) (PublishOk, error) {
	var msg PublishOk
	v, n, err := DecodeVarint(b)
	if err != nil {
		return msg, &ParseError{Field: "request_id", Err: err}
	}
	msg.RequestID = v
	off := n

	if off+3 > len(b) {
		return msg, &ParseError{Field: "forward_priority_order", Err: ErrTruncated}
	}
	msg.Forward = b[off] != 0
	msg.SubscriberPriority = b[off+1]
	msg.GroupOrder = GroupOrder(b[off+2])
	off += 3

	ft, n, err := DecodeVarint(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "filter_type", Err: err}
	}
	msg.FilterType = FilterType(ft)
	off += n

	if msg.FilterType.hasStartLocation() {
		loc, n, err := DecodeLocation(b[off:])
		if err != nil {
			return msg, err
		}
		msg.StartLocation = loc
		off += n
	}
	if msg.FilterType.hasEndGroup() {
		eg, n, err := DecodeVarint(b[off:])
		if err != nil {
			return msg, &ParseError{Field: "end_group", Err: err}
		}
		msg.EndGroup = eg
		off += n
	}

	params, _, err := DecodeParameters(b[off:])
	if err != nil {
		return msg, err
	}
	msg.Parameters = params
	return msg, nil
}

// PublishError rejects a Publish.
type PublishError struct {
	RequestID   uint64
	ErrorCode   uint64
	ErrorReason []byte
}

func AppendPublishError(buf []byte, msg PublishError) []byte {
	buf = AppendVarint(buf, msg.RequestID)
	buf = AppendVarint(buf, msg.ErrorCode)
	return AppendBytesLP(buf, msg.ErrorReason)
}

func DecodePublishError(b []byte) (PublishError, error) {
	var msg PublishError
	reqID, code, off, err := decodeTwoVarints(b, "request_id", "error_code")
	if err != nil {
		return msg, err
	}
	msg.RequestID = reqID
	msg.ErrorCode = code
	reason, _, err := DecodeBytesLP(b[off:])
	if err != nil {
		return msg, &ParseError{Field: "error_reason", Err: err}
	}
	msg.ErrorReason = cloneBytes(reason)
	return msg, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// decodeTwoVarints decodes two adjacent varints from the front of b,
// labeling ParseError failures with field1/field2.
func decodeTwoVarints(b []byte, field1, field2 string) (uint64, uint64, int, error) {
	v1, n1, err := DecodeVarint(b)
	if err != nil {
		return 0, 0, 0, &ParseError{Field: field1, Err: err}
	}
	v2, n2, err := DecodeVarint(b[n1:])
	if err != nil {
		return 0, 0, 0, &ParseError{Field: field2, Err: err}
	}
	return v1, v2, n1 + n2, nil
}
