package moqt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quicwire/moqt/wire"
)

// streamState tracks the send stream a StreamPerGroup or StreamPerTrack
// publication is currently writing objects onto, reused across objects the
// same way a keyframe-bounded video writer reuses its stream across frames
// within one group.
type streamState struct {
	stream       SendStream
	group        uint64
	headerOpened bool
}

// Dispatcher frames outbound objects per a track's mode (MOQT §4.6) and
// reassembles inbound stream/datagram bytes back into decoded objects
// delivered to the owning SubscribeEntry's handler.
type Dispatcher struct {
	log       *slog.Logger
	transport Transport
	registry  *Registry

	mu      sync.Mutex
	streams map[uint64]*streamState // keyed by publish track alias
}

// NewDispatcher returns a Dispatcher wired to t and r.
func NewDispatcher(log *slog.Logger, t Transport, r *Registry) *Dispatcher {
	return &Dispatcher{
		log:       log,
		transport: t,
		registry:  r,
		streams:   make(map[uint64]*streamState),
	}
}

// SendObject frames and sends one object on entry's track, using the mode
// and priority entry.Handler declares, and returns the synchronous result
// MOQT §4.6 defines for send_object.
func (d *Dispatcher) SendObject(ctx context.Context, entry *PublishEntry, headers ObjectHeaders, payload []byte) (PublishObjectStatus, error) {
	if !entry.HasSubscribeID || entry.State != PublishOk {
		return PublishObjectNoSubscribers, nil
	}

	priority := entry.Handler.Priority()
	switch entry.Handler.TrackMode() {
	case Datagram:
		return d.sendDatagram(entry, priority, headers, payload)
	case StreamPerObject:
		return d.sendStreamPerObject(ctx, entry, priority, headers, payload)
	case StreamPerGroup:
		return d.sendReusableStream(ctx, entry, priority, headers, payload, true)
	case StreamPerTrack:
		return d.sendReusableStream(ctx, entry, priority, headers, payload, false)
	default:
		return PublishObjectNotAnnounced, fmt.Errorf("moqt: unknown track mode %v", entry.Handler.TrackMode())
	}
}

func (d *Dispatcher) sendDatagram(entry *PublishEntry, priority uint8, headers ObjectHeaders, payload []byte) (PublishObjectStatus, error) {
	endOfGroup := headers.Status == wire.ObjectStatusEndOfGroup
	var buf []byte
	if len(payload) == 0 && headers.Status != wire.ObjectStatusAvailable {
		buf = wire.AppendObjectDatagramStatus(nil, wire.ObjectDatagramStatus{
			TrackAlias:        entry.TrackAlias,
			Group:             headers.Group,
			Object:            headers.Object,
			PublisherPriority: priority,
			Extensions:        headers.Extensions,
			Status:            headers.Status,
		})
	} else {
		buf = wire.AppendObjectDatagram(nil, endOfGroup, wire.ObjectDatagram{
			TrackAlias:        entry.TrackAlias,
			Group:             headers.Group,
			Object:            headers.Object,
			PublisherPriority: priority,
			Extensions:        headers.Extensions,
			Payload:           payload,
		})
	}
	if err := d.transport.SendDatagram(buf); err != nil {
		return PublishObjectNoSubscribers, err
	}
	d.recordSent(entry, headers, len(buf))
	return PublishObjectOk, nil
}

func (d *Dispatcher) sendStreamPerObject(ctx context.Context, entry *PublishEntry, priority uint8, headers ObjectHeaders, payload []byte) (PublishObjectStatus, error) {
	stream, err := d.transport.OpenStream(ctx)
	if err != nil {
		return PublishObjectNoSubscribers, err
	}
	defer stream.Close()

	hasExt := len(headers.Extensions) > 0
	endOfGroup := headers.Status == wire.ObjectStatusEndOfGroup
	buf := wire.AppendStreamHeaderSubgroup(nil, wire.SubgroupExplicit, endOfGroup, hasExt, wire.StreamHeaderSubgroup{
		TrackAlias:        entry.TrackAlias,
		Group:             headers.Group,
		SubgroupID:        headers.SubgroupID,
		PublisherPriority: priority,
	})
	buf = wire.AppendSubgroupObject(buf, hasExt, wire.SubgroupObject{
		Object:     headers.Object,
		Extensions: headers.Extensions,
		Payload:    payload,
		Status:     headers.Status,
	})
	if _, err := stream.Write(buf); err != nil {
		return PublishObjectNoSubscribers, err
	}
	d.recordSent(entry, headers, len(buf))
	return PublishObjectOk, nil
}

// sendReusableStream implements StreamPerGroup (reopenOnNewGroup = true) and
// StreamPerTrack (reopenOnNewGroup = false): a single stream is held open
// across consecutive objects and only the STREAM_HEADER_SUBGROUP's first
// write carries the header.
func (d *Dispatcher) sendReusableStream(ctx context.Context, entry *PublishEntry, priority uint8, headers ObjectHeaders, payload []byte, reopenOnNewGroup bool) (PublishObjectStatus, error) {
	d.mu.Lock()
	st, ok := d.streams[entry.TrackAlias]
	needsNewStream := !ok || !st.headerOpened || (reopenOnNewGroup && st.group != headers.Group)
	if needsNewStream {
		if ok && st.headerOpened {
			st.stream.Close()
		}
		stream, err := d.transport.OpenStream(ctx)
		if err != nil {
			d.mu.Unlock()
			return PublishObjectNoSubscribers, err
		}
		hasExt := len(headers.Extensions) > 0
		endOfGroup := headers.Status == wire.ObjectStatusEndOfGroup
		hdr := wire.AppendStreamHeaderSubgroup(nil, wire.SubgroupExplicit, endOfGroup, hasExt, wire.StreamHeaderSubgroup{
			TrackAlias:        entry.TrackAlias,
			Group:             headers.Group,
			SubgroupID:        headers.SubgroupID,
			PublisherPriority: priority,
		})
		if _, err := stream.Write(hdr); err != nil {
			d.mu.Unlock()
			return PublishObjectNoSubscribers, err
		}
		st = &streamState{stream: stream, group: headers.Group, headerOpened: true}
		d.streams[entry.TrackAlias] = st
	}
	d.mu.Unlock()

	hasExt := len(headers.Extensions) > 0
	buf := wire.AppendSubgroupObject(nil, hasExt, wire.SubgroupObject{
		Object:     headers.Object,
		Extensions: headers.Extensions,
		Payload:    payload,
		Status:     headers.Status,
	})
	if _, err := st.stream.Write(buf); err != nil {
		d.mu.Lock()
		delete(d.streams, entry.TrackAlias)
		d.mu.Unlock()
		return PublishObjectNoSubscribers, err
	}
	d.recordSent(entry, headers, len(buf))

	if headers.Status == wire.ObjectStatusEndOfTrack || (reopenOnNewGroup && headers.Status == wire.ObjectStatusEndOfGroup) {
		d.mu.Lock()
		st.stream.Close()
		delete(d.streams, entry.TrackAlias)
		d.mu.Unlock()
	}
	return PublishObjectOk, nil
}

// CloseTrackStream closes and forgets any stream held open for a publish
// track, e.g. on unpublish or PUBLISH_DONE.
func (d *Dispatcher) CloseTrackStream(trackAlias uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.streams[trackAlias]; ok {
		st.stream.Close()
		delete(d.streams, trackAlias)
	}
}

func (d *Dispatcher) recordSent(entry *PublishEntry, headers ObjectHeaders, n int) {
	entry.Metrics.ObjectsSent++
	entry.Metrics.BytesSent += uint64(n)
	entry.Metrics.LastGroup = headers.Group
	entry.Metrics.LastObject = headers.Object
}

// SendFetchObjects opens a unidirectional stream carrying requestID's
// FETCH_HEADER followed by every object a FetchServer supplied, in order.
// This is the delivery half a FETCH_OK promises: SendObject's subscribe-mode
// framing has no path for it, since a fetch stream is keyed by request id
// rather than by a live PublishEntry's track alias. The caller is
// responsible for terminating the sequence with an object whose Status is
// wire.ObjectStatusEndOfTrack, per the fetch stream's own end marker.
func (d *Dispatcher) SendFetchObjects(ctx context.Context, requestID uint64, objects []wire.FetchObject) error {
	stream, err := d.transport.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	buf := wire.AppendFetchHeader(nil, wire.FetchHeader{RequestID: requestID})
	for _, obj := range objects {
		buf = wire.AppendFetchObject(buf, len(obj.Extensions) > 0, obj)
	}
	if _, err := stream.Write(buf); err != nil {
		return err
	}
	return nil
}

// HandleDatagram decodes a single inbound datagram and delivers it to the
// subscription its track alias names, per MOQT §4.6's inbound dispatch.
func (d *Dispatcher) HandleDatagram(b []byte) {
	if len(b) == 0 {
		return
	}
	typ := wire.StreamHeaderType(b[0])
	switch {
	case typ.IsObjectDatagram():
		obj, err := wire.DecodeObjectDatagram(typ, b[1:])
		if err != nil {
			d.log.Debug("bad object datagram", "error", err)
			return
		}
		d.deliver(obj.TrackAlias, ObjectHeaders{
			Group:             obj.Group,
			Object:            obj.Object,
			PublisherPriority: obj.PublisherPriority,
			Extensions:        obj.Extensions,
			Status:            wire.ObjectStatusAvailable,
		}, obj.Payload)
	case typ.IsObjectDatagramStatus():
		obj, err := wire.DecodeObjectDatagramStatus(typ, b[1:])
		if err != nil {
			d.log.Debug("bad object datagram status", "error", err)
			return
		}
		d.deliver(obj.TrackAlias, ObjectHeaders{
			Group:             obj.Group,
			Object:            obj.Object,
			PublisherPriority: obj.PublisherPriority,
			Extensions:        obj.Extensions,
			Status:            obj.Status,
		}, nil)
	default:
		d.log.Debug("datagram with unrecognized type", "type", typ)
	}
}

// HandleStream reads one unidirectional data stream to completion,
// decoding its leading header once and then every object record that
// follows, delivering each to the subscription its track alias names.
// Grounded on MOQT §4.6's process_stream_data_message algorithm: the
// buffer's slot A holds the decoded header, and an object record is
// consumed only once all of its bytes are queued (slot B is not used), so
// a caller reading in chunks can call this repeatedly as more bytes arrive
// instead of re-parsing from the start.
func (d *Dispatcher) HandleStream(buf *wire.StreamBuffer) {
	if buf.A.Empty() {
		front, ok := buf.Front(buf.Len())
		if !ok || len(front) == 0 {
			return
		}
		typ := wire.StreamHeaderType(front[0])
		switch {
		case typ.IsStreamHeaderSubgroup():
			if _, _, err := wire.DecodeStreamHeaderSubgroup(typ, front[1:]); err != nil {
				return
			}
			buf.Pop(1)
			d.decodeSubgroupHeader(buf, typ)
		case typ == wire.FetchHeaderType:
			if _, _, err := wire.DecodeFetchHeader(front[1:]); err != nil {
				return
			}
			buf.Pop(1)
			d.decodeFetchHeader(buf)
		default:
			d.log.Debug("stream with unrecognized leading type", "type", typ)
			return
		}
	}

	switch header := buf.A.State.(type) {
	case wire.StreamHeaderSubgroup:
		d.drainSubgroupObjects(buf, header)
	case wire.FetchHeader:
		d.drainFetchObjects(buf, header)
	}
}

// subgroupTag packs decodeSubgroupHeader's state for drainSubgroupObjects
// into buf.A.Tag's single uint64 slot: bit 0 is hasExtensions, bits 1-2 hold
// the SubgroupIDEncoding, bit 3 marks whether SubgroupID has been resolved
// yet (always true for SubgroupZero/SubgroupExplicit; false for
// SubgroupFirstObject until the first object is drained).
const (
	subgroupTagExtensions = 1 << 0
	subgroupTagSIDShift   = 1
	subgroupTagSIDMask    = 0x3 << subgroupTagSIDShift
	subgroupTagResolved   = 1 << 3
)

func decodeSubgroupTag(tag uint64) (hasExtensions bool, sid wire.SubgroupIDEncoding, resolved bool) {
	hasExtensions = tag&subgroupTagExtensions != 0
	sid = wire.SubgroupIDEncoding((tag & subgroupTagSIDMask) >> subgroupTagSIDShift)
	resolved = tag&subgroupTagResolved != 0
	return
}

func (d *Dispatcher) decodeSubgroupHeader(buf *wire.StreamBuffer, typ wire.StreamHeaderType) {
	sid, _, extensions := typ.Decompose()
	front, ok := buf.Front(buf.Len())
	if !ok {
		return
	}
	header, n, err := wire.DecodeStreamHeaderSubgroup(typ, front)
	if err != nil {
		return
	}
	buf.Pop(n)
	buf.A.State = header
	tag := uint64(sid) << subgroupTagSIDShift
	if extensions {
		tag |= subgroupTagExtensions
	}
	if sid != wire.SubgroupFirstObject {
		tag |= subgroupTagResolved
	}
	buf.A.Tag = new(uint64)
	*buf.A.Tag = tag
}

func (d *Dispatcher) decodeFetchHeader(buf *wire.StreamBuffer) {
	front, ok := buf.Front(buf.Len())
	if !ok {
		return
	}
	header, n, err := wire.DecodeFetchHeader(front)
	if err != nil {
		return
	}
	buf.Pop(n)
	buf.A.State = header
}

func (d *Dispatcher) drainSubgroupObjects(buf *wire.StreamBuffer, header wire.StreamHeaderSubgroup) {
	var tag uint64
	if buf.A.Tag != nil {
		tag = *buf.A.Tag
	}
	hasExt, _, resolved := decodeSubgroupTag(tag)
	for {
		front, ok := buf.Front(buf.Len())
		if !ok || len(front) == 0 {
			return
		}
		obj, n, err := wire.DecodeSubgroupObject(hasExt, front)
		if err != nil {
			return
		}
		buf.Pop(n)
		if !resolved {
			// MOQT §4.3: the first object delivered on a SubgroupFirstObject
			// stream gives its object id to the subgroup itself.
			header.SubgroupID = obj.Object
			resolved = true
			buf.A.State = header
			*buf.A.Tag |= subgroupTagResolved
		}
		d.deliver(header.TrackAlias, ObjectHeaders{
			Group:             header.Group,
			Object:            obj.Object,
			SubgroupID:        header.SubgroupID,
			PublisherPriority: header.PublisherPriority,
			Extensions:        obj.Extensions,
			Status:            obj.Status,
		}, obj.Payload)
		if obj.Status == wire.ObjectStatusEndOfGroup || obj.Status == wire.ObjectStatusEndOfTrack {
			buf.A.Reset()
			return
		}
	}
}

func (d *Dispatcher) drainFetchObjects(buf *wire.StreamBuffer, header wire.FetchHeader) {
	for {
		front, ok := buf.Front(buf.Len())
		if !ok || len(front) == 0 {
			return
		}
		obj, n, err := wire.DecodeFetchObject(false, front)
		if err != nil {
			return
		}
		buf.Pop(n)
		handler, ok := d.registry.FetchHandler(header.RequestID)
		if !ok {
			d.log.Debug("fetch object for unknown request id", "request_id", header.RequestID)
			if obj.Status == wire.ObjectStatusEndOfTrack {
				buf.A.Reset()
				return
			}
			continue
		}
		handler.ObjectReceived(ObjectHeaders{
			Group:             obj.Group,
			Object:            obj.Object,
			SubgroupID:        obj.SubgroupID,
			PublisherPriority: obj.PublisherPriority,
			Extensions:        obj.Extensions,
			Status:            obj.Status,
		}, obj.Payload)
		if obj.Status == wire.ObjectStatusEndOfTrack {
			d.registry.UnregisterFetch(header.RequestID)
			buf.A.Reset()
			return
		}
	}
}

func (d *Dispatcher) deliver(trackAlias uint64, headers ObjectHeaders, payload []byte) {
	entry, ok := d.registry.SubscribeByAlias(trackAlias)
	if !ok {
		d.log.Debug("object for unknown track alias", "alias", trackAlias)
		return
	}
	entry.Metrics.ObjectsReceived++
	entry.Metrics.BytesReceived += uint64(len(payload))
	entry.Metrics.LastGroup = headers.Group
	entry.Metrics.LastObject = headers.Object
	entry.Handler.ObjectReceived(headers, payload)
}
