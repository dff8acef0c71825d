// Package moqt implements the MOQT connection state machine: track
// registration, session setup and control-message dispatch, and the object
// dispatcher that frames outbound objects and reassembles inbound ones. The
// wire codec it builds on lives in [github.com/quicwire/moqt/wire].
package moqt

import "github.com/quicwire/moqt/wire"

// SubscribeState is the lifecycle state of a SubscribeHandler.
type SubscribeState int

const (
	SubscribeNotSubscribed SubscribeState = iota
	SubscribePendingResponse
	SubscribeOk
	SubscribeErrored
	SubscribeNotAuthorized
	SubscribeSendingUnsubscribe
	SubscribePaused
	SubscribeNewGroupRequested
	SubscribeNotConnected
)

func (s SubscribeState) String() string {
	switch s {
	case SubscribeNotSubscribed:
		return "not_subscribed"
	case SubscribePendingResponse:
		return "pending_response"
	case SubscribeOk:
		return "ok"
	case SubscribeErrored:
		return "error"
	case SubscribeNotAuthorized:
		return "not_authorized"
	case SubscribeSendingUnsubscribe:
		return "sending_unsubscribe"
	case SubscribePaused:
		return "paused"
	case SubscribeNewGroupRequested:
		return "new_group_requested"
	case SubscribeNotConnected:
		return "not_connected"
	default:
		return "unknown"
	}
}

// PublishState is the lifecycle state of a PublishHandler.
type PublishState int

const (
	PublishNotAnnounced PublishState = iota
	PublishPendingAnnounceResponse
	PublishAnnounceNotAuthorized
	PublishNoSubscribers
	PublishOk
	PublishSendingUnannounce
	PublishNotConnected
)

func (s PublishState) String() string {
	switch s {
	case PublishNotAnnounced:
		return "not_announced"
	case PublishPendingAnnounceResponse:
		return "pending_announce_response"
	case PublishAnnounceNotAuthorized:
		return "announce_not_authorized"
	case PublishNoSubscribers:
		return "no_subscribers"
	case PublishOk:
		return "ok"
	case PublishSendingUnannounce:
		return "sending_unannounce"
	case PublishNotConnected:
		return "not_connected"
	default:
		return "unknown"
	}
}

// TrackMode selects the wire framing the dispatcher uses for a published
// track's objects.
type TrackMode int

const (
	// Datagram emits one OBJECT_DATAGRAM per object.
	Datagram TrackMode = iota
	// StreamPerObject opens a new unidirectional stream per object.
	StreamPerObject
	// StreamPerGroup opens a new stream per group, reusing it across the
	// group's objects.
	StreamPerGroup
	// StreamPerTrack opens a single stream that spans the whole track.
	StreamPerTrack
)

func (m TrackMode) String() string {
	switch m {
	case Datagram:
		return "datagram"
	case StreamPerObject:
		return "stream_per_object"
	case StreamPerGroup:
		return "stream_per_group"
	case StreamPerTrack:
		return "stream_per_track"
	default:
		return "unknown"
	}
}

// PublishObjectStatus is the synchronous result of SendObject.
type PublishObjectStatus int

const (
	PublishObjectOk PublishObjectStatus = iota
	PublishObjectNotAnnounced
	PublishObjectNoSubscribers
)

func (s PublishObjectStatus) String() string {
	switch s {
	case PublishObjectOk:
		return "ok"
	case PublishObjectNotAnnounced:
		return "not_announced"
	case PublishObjectNoSubscribers:
		return "no_subscribers"
	default:
		return "unknown"
	}
}

// ObjectHeaders carries one object's framing metadata to a subscribe
// handler's ObjectReceived callback, decoupled from whichever wire message
// the dispatcher decoded it out of.
type ObjectHeaders struct {
	Group             uint64
	Object            uint64
	SubgroupID        uint64
	PublisherPriority uint8
	Extensions        []wire.Extension
	Status            wire.ObjectStatus
}

// SubscribeMetrics accumulates per-subscription delivery counters, updated
// by the Dispatcher as each object is delivered.
type SubscribeMetrics struct {
	ObjectsReceived uint64
	BytesReceived   uint64
	LastGroup       uint64
	LastObject      uint64
}

// PublishMetrics accumulates per-publication send counters.
type PublishMetrics struct {
	ObjectsSent uint64
	BytesSent   uint64
	LastGroup   uint64
	LastObject  uint64
}

// SubscribeHandler is the capability interface an application implements to
// receive a subscribed track's objects and status transitions. It plays the
// role the source's virtual SubscribeTrackHandler base class plays, without
// the cyclic back-pointer to its connection: the Registry addresses
// handlers by subscribe id, and a handler never reaches back into the
// session itself.
type SubscribeHandler interface {
	// FullTrackName identifies the track this handler subscribes to.
	FullTrackName() wire.FullTrackName

	// StatusChanged is invoked whenever the subscription's state changes,
	// e.g. on SUBSCRIBE_OK, SUBSCRIBE_ERROR, SUBSCRIBE_DONE, or a
	// transport disconnect.
	StatusChanged(state SubscribeState)

	// ObjectReceived delivers one decoded object.
	ObjectReceived(headers ObjectHeaders, payload []byte)

	// MetricsSampled receives a metrics snapshot. Nothing in this module
	// calls it: the Session has no sampling timer and no sample-period
	// setting.
	MetricsSampled(m SubscribeMetrics)
}

// PublishHandler is the capability interface an application implements to
// serve a published track: it supplies the track's mode and priority and
// receives status transitions and metrics, and it is both the Registry's
// and the Dispatcher's handle for objects enqueued on this track.
type PublishHandler interface {
	// FullTrackName identifies the track this handler publishes.
	FullTrackName() wire.FullTrackName

	// TrackMode selects the wire framing the Dispatcher uses for this
	// track's objects.
	TrackMode() TrackMode

	// Priority is the default QUIC stream/datagram priority for this
	// track's objects.
	Priority() uint8

	// StatusChanged is invoked whenever the publication's state changes.
	StatusChanged(state PublishState)

	// MetricsSampled receives a metrics snapshot. Nothing in this module
	// calls it: the Session has no sampling timer and no sample-period
	// setting.
	MetricsSampled(m PublishMetrics)
}

// BaseSubscribeHandler is an embeddable no-op implementation of
// SubscribeHandler; callers override only the methods they care about.
type BaseSubscribeHandler struct {
	Name wire.FullTrackName
}

func (h *BaseSubscribeHandler) FullTrackName() wire.FullTrackName       { return h.Name }
func (h *BaseSubscribeHandler) StatusChanged(SubscribeState)            {}
func (h *BaseSubscribeHandler) ObjectReceived(ObjectHeaders, []byte)    {}
func (h *BaseSubscribeHandler) MetricsSampled(SubscribeMetrics)         {}

// BasePublishHandler is an embeddable no-op implementation of
// PublishHandler; callers override only the methods they care about.
type BasePublishHandler struct {
	Name wire.FullTrackName
	Mode TrackMode
	Prio uint8
}

func (h *BasePublishHandler) FullTrackName() wire.FullTrackName { return h.Name }
func (h *BasePublishHandler) TrackMode() TrackMode              { return h.Mode }
func (h *BasePublishHandler) Priority() uint8                   { return h.Prio }
func (h *BasePublishHandler) StatusChanged(PublishState)        {}
func (h *BasePublishHandler) MetricsSampled(PublishMetrics)     {}
