package moqt

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/quicwire/moqt/wire"
)

// mockControlStream implements ControlStream for test purposes, with
// separate Reader/Writer buffers standing in for the two halves of a real
// bidirectional QUIC stream.
type mockControlStream struct {
	Reader *bytes.Buffer
	Writer *bytes.Buffer
}

func (m *mockControlStream) Read(p []byte) (int, error)  { return m.Reader.Read(p) }
func (m *mockControlStream) Write(p []byte) (int, error) { return m.Writer.Write(p) }
func (m *mockControlStream) Close() error                { return nil }

func newTestSession(role Role) (*Session, *mockControlStream) {
	cs := &mockControlStream{Reader: &bytes.Buffer{}, Writer: &bytes.Buffer{}}
	s := NewSession(SessionConfig{ID: "test", Role: role, Log: slog.Default()})
	s.control = cs
	return s, cs
}

func buildClientSetupPayload(versions []uint64) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, uint64(len(versions)))
	for _, v := range versions {
		buf = quicvarint.Append(buf, v)
	}
	buf = quicvarint.Append(buf, 0) // no setup parameters
	return buf
}

func TestSessionHandleServerSetupHappyPath(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleServer)

	payload := buildClientSetupPayload([]uint64{wire.Version})
	if err := wire.WriteControlMessage(cs.Reader, wire.MsgClientSetup, payload); err != nil {
		t.Fatal(err)
	}

	if err := s.handleServerSetup(); err != nil {
		t.Fatalf("handleServerSetup() = %v", err)
	}

	msgType, ssPayload, err := wire.ReadControlMessage(cs.Writer)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != wire.MsgServerSetup {
		t.Fatalf("first response = %v, want SERVER_SETUP", msgType)
	}
	ss, err := wire.DecodeServerSetup(ssPayload)
	if err != nil {
		t.Fatal(err)
	}
	if ss.SelectedVersion != wire.Version {
		t.Fatalf("selected version = %#x, want %#x", ss.SelectedVersion, wire.Version)
	}

	msgType2, mrPayload, err := wire.ReadControlMessage(cs.Writer)
	if err != nil {
		t.Fatal(err)
	}
	if msgType2 != wire.MsgMaxRequestId {
		t.Fatalf("second response = %v, want MAX_REQUEST_ID", msgType2)
	}
	mr, err := wire.DecodeMaxRequestId(mrPayload)
	if err != nil {
		t.Fatal(err)
	}
	if mr.RequestID != defaultMaxRequestID {
		t.Fatalf("max request id = %d, want %d", mr.RequestID, defaultMaxRequestID)
	}
}

func TestSessionHandleServerSetupVersionMismatch(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleServer)

	payload := buildClientSetupPayload([]uint64{0xff000001})
	if err := wire.WriteControlMessage(cs.Reader, wire.MsgClientSetup, payload); err != nil {
		t.Fatal(err)
	}

	if err := s.handleServerSetup(); err == nil {
		t.Fatal("expected error for incompatible version")
	}
}

type recordingSubscribeHandler struct {
	BaseSubscribeHandler
	states []SubscribeState
}

func (h *recordingSubscribeHandler) StatusChanged(state SubscribeState) {
	h.states = append(h.states, state)
}

type recordingPublishHandler struct {
	BasePublishHandler
	states []PublishState
}

func (h *recordingPublishHandler) StatusChanged(state PublishState) {
	h.states = append(h.states, state)
}

func TestSessionHandleSubscribeKnownTrack(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleServer)

	h := &recordingPublishHandler{BasePublishHandler: BasePublishHandler{Name: testTrackName("example.com/cam", "video"), Mode: StreamPerGroup}}
	if _, err := s.Publish(h); err != nil {
		t.Fatal(err)
	}
	// drain the PUBLISH_NAMESPACE the announce writes
	if _, _, err := wire.ReadControlMessage(cs.Writer); err != nil {
		t.Fatal(err)
	}

	s.handleSubscribe(wire.Subscribe{
		RequestID:      9,
		TrackNamespace: wire.NewTrackNamespace("example.com/cam"),
		TrackName:      []byte("video"),
	})

	msgType, payload, err := wire.ReadControlMessage(cs.Writer)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != wire.MsgSubscribeOk {
		t.Fatalf("response = %v, want SUBSCRIBE_OK", msgType)
	}
	ok, err := wire.DecodeSubscribeOk(payload)
	if err != nil {
		t.Fatal(err)
	}
	if ok.RequestID != 9 {
		t.Fatalf("request id = %d, want 9", ok.RequestID)
	}

	entry, found := s.registry.PublishBySubscribeID(9)
	if !found || entry.State != PublishOk {
		t.Fatalf("entry after subscribe = %+v, found=%v", entry, found)
	}
	if len(h.states) == 0 || h.states[len(h.states)-1] != PublishOk {
		t.Fatalf("handler states = %v, want last = PublishOk", h.states)
	}
}

func TestSessionHandleSubscribeUnknownTrack(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleServer)

	s.handleSubscribe(wire.Subscribe{
		RequestID:      3,
		TrackNamespace: wire.NewTrackNamespace("nope"),
		TrackName:      []byte("video"),
	})

	msgType, payload, err := wire.ReadControlMessage(cs.Writer)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != wire.MsgSubscribeError {
		t.Fatalf("response = %v, want SUBSCRIBE_ERROR", msgType)
	}
	se, err := wire.DecodeSubscribeError(payload)
	if err != nil {
		t.Fatal(err)
	}
	if se.ErrorCode != wire.SubscribeErrorTrackDoesNotExist {
		t.Fatalf("error code = %v, want TrackDoesNotExist", se.ErrorCode)
	}
}

func TestSessionHandleUnsubscribeClearsBinding(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(RoleServer)

	h := &recordingPublishHandler{BasePublishHandler: BasePublishHandler{Name: testTrackName("ns", "a"), Mode: Datagram}}
	entry, _, err := s.registry.Publish(h)
	if err != nil {
		t.Fatal(err)
	}
	s.registry.BindPublisherTrack(42, entry)

	s.handleUnsubscribe(wire.Unsubscribe{RequestID: 42})

	if _, ok := s.registry.PublishBySubscribeID(42); ok {
		t.Fatal("expected subscriber binding to be gone after UNSUBSCRIBE")
	}
	if entry.State != PublishNoSubscribers {
		t.Fatalf("entry state = %v, want PublishNoSubscribers", entry.State)
	}
	if len(h.states) == 0 || h.states[len(h.states)-1] != PublishNoSubscribers {
		t.Fatalf("handler states = %v, want last = PublishNoSubscribers", h.states)
	}
}

func TestSessionPublishAnnouncesOnlyOncePerNamespace(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleClient)

	h1 := &recordingPublishHandler{BasePublishHandler: BasePublishHandler{Name: testTrackName("ns", "video"), Mode: Datagram}}
	h2 := &recordingPublishHandler{BasePublishHandler: BasePublishHandler{Name: testTrackName("ns", "audio"), Mode: Datagram}}

	if _, err := s.Publish(h1); err != nil {
		t.Fatal(err)
	}
	msgType, _, err := wire.ReadControlMessage(cs.Writer)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != wire.MsgPublishNamespace {
		t.Fatalf("first publish = %v, want PUBLISH_NAMESPACE", msgType)
	}

	if _, err := s.Publish(h2); err != nil {
		t.Fatal(err)
	}
	if cs.Writer.Len() != 0 {
		t.Fatal("expected no second PUBLISH_NAMESPACE for a track sharing an already-announced namespace")
	}
}

func TestSessionHandlePublishNamespaceOkTransitionsPending(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleClient)

	h := &recordingPublishHandler{BasePublishHandler: BasePublishHandler{Name: testTrackName("ns", "video"), Mode: Datagram}}
	if _, err := s.Publish(h); err != nil {
		t.Fatal(err)
	}
	if _, _, err := wire.ReadControlMessage(cs.Writer); err != nil {
		t.Fatal(err)
	}

	s.handlePublishNamespaceOk(wire.PublishNamespaceOk{RequestID: 1})

	if len(h.states) == 0 || h.states[len(h.states)-1] != PublishNoSubscribers {
		t.Fatalf("handler states = %v, want last = PublishNoSubscribers", h.states)
	}
}

func TestSessionHandlePublishNamespaceErrorTransitionsPending(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleClient)

	h := &recordingPublishHandler{BasePublishHandler: BasePublishHandler{Name: testTrackName("ns", "video"), Mode: Datagram}}
	if _, err := s.Publish(h); err != nil {
		t.Fatal(err)
	}
	if _, _, err := wire.ReadControlMessage(cs.Writer); err != nil {
		t.Fatal(err)
	}

	s.handlePublishNamespaceError(wire.PublishNamespaceError{RequestID: 1, ErrorCode: wire.PublishNamespaceErrorUnauthorized})

	if len(h.states) == 0 || h.states[len(h.states)-1] != PublishAnnounceNotAuthorized {
		t.Fatalf("handler states = %v, want last = PublishAnnounceNotAuthorized", h.states)
	}
}

func TestSessionDispatchUnknownMessageType(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(RoleServer)
	if err := s.dispatch(context.Background(), wire.ControlMessageType(0x99), nil); err == nil {
		t.Fatal("expected error for unrecognized control message type")
	}
}

func TestSessionHandleFetchWithoutFetchServer(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleServer)

	s.handleFetch(context.Background(), wire.Fetch{
		RequestID: 5,
		FetchType: wire.FetchStandalone,
		Standalone: wire.StandaloneFetch{
			TrackNamespace: wire.NewTrackNamespace("ns"),
			TrackName:      []byte("video"),
		},
	})

	msgType, payload, err := wire.ReadControlMessage(cs.Writer)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != wire.MsgFetchError {
		t.Fatalf("response = %v, want FETCH_ERROR", msgType)
	}
	fe, err := wire.DecodeFetchError(payload)
	if err != nil {
		t.Fatal(err)
	}
	if fe.ErrorCode != wire.FetchErrorNotSupported {
		t.Fatalf("error code = %v, want NotSupported", fe.ErrorCode)
	}
}

type fakeFetchServer struct {
	ok      wire.FetchOk
	objects []wire.FetchObject
	served  bool
}

func (f *fakeFetchServer) ServeFetch(wire.Fetch) (wire.FetchOk, []wire.FetchObject, bool) {
	return f.ok, f.objects, f.served
}

func TestSessionHandleFetchDeliversObjectsAfterFetchOK(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleServer)
	transport := &dispatcherTestTransport{}
	s.dispatcher = NewDispatcher(slog.Default(), transport, s.registry)
	s.fetchServer = &fakeFetchServer{
		ok: wire.FetchOk{EndOfTrack: true, GroupOrder: wire.GroupOrderAscending},
		objects: []wire.FetchObject{
			{Group: 0, Object: 0, Payload: []byte("a")},
			{Group: 0, Object: 1, Payload: []byte("b"), Status: wire.ObjectStatusEndOfTrack},
		},
		served: true,
	}

	s.handleFetch(context.Background(), wire.Fetch{
		RequestID: 9,
		FetchType: wire.FetchStandalone,
		Standalone: wire.StandaloneFetch{
			TrackNamespace: wire.NewTrackNamespace("ns"),
			TrackName:      []byte("video"),
		},
	})

	msgType, payload, err := wire.ReadControlMessage(cs.Writer)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != wire.MsgFetchOk {
		t.Fatalf("response = %v, want FETCH_OK", msgType)
	}
	ok, err := wire.DecodeFetchOk(payload)
	if err != nil {
		t.Fatal(err)
	}
	if ok.RequestID != 9 {
		t.Fatalf("FETCH_OK request id = %d, want 9", ok.RequestID)
	}

	if len(transport.streams) != 1 {
		t.Fatalf("fetch streams opened = %d, want 1", len(transport.streams))
	}
	buf := transport.streams[0].Bytes()
	if len(buf) == 0 || wire.StreamHeaderType(buf[0]) != wire.FetchHeaderType {
		t.Fatalf("fetch stream did not start with a FETCH_HEADER")
	}
	hdr, n, err := wire.DecodeFetchHeader(buf[1:])
	if err != nil {
		t.Fatal(err)
	}
	if hdr.RequestID != 9 {
		t.Fatalf("FETCH_HEADER request id = %d, want 9", hdr.RequestID)
	}
	off := 1 + n
	first, n, err := wire.DecodeFetchObject(false, buf[off:])
	if err != nil {
		t.Fatal(err)
	}
	if string(first.Payload) != "a" {
		t.Fatalf("first fetch object payload = %q, want %q", first.Payload, "a")
	}
	off += n
	second, _, err := wire.DecodeFetchObject(false, buf[off:])
	if err != nil {
		t.Fatal(err)
	}
	if string(second.Payload) != "b" {
		t.Fatalf("second fetch object payload = %q, want %q", second.Payload, "b")
	}
	if second.Status != wire.ObjectStatusEndOfTrack {
		t.Fatalf("second fetch object status = %v, want ObjectStatusEndOfTrack", second.Status)
	}
	if !transport.streams[0].closed {
		t.Fatal("expected the fetch stream to be closed once all objects were written")
	}
}

func TestSessionHandlePublishWithoutOffer(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleServer)

	if err := s.handlePublish(wire.Publish{
		RequestID:      6,
		TrackNamespace: wire.NewTrackNamespace("ns"),
		TrackName:      []byte("video"),
		TrackAlias:     11,
	}); err != nil {
		t.Fatal(err)
	}

	msgType, _, err := wire.ReadControlMessage(cs.Writer)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != wire.MsgPublishError {
		t.Fatalf("response = %v, want PUBLISH_ERROR", msgType)
	}
}

func TestSessionHandlePublishWithOfferAccepted(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleServer)

	var offered wire.Publish
	s.onPublishOffer = func(p wire.Publish) SubscribeHandler {
		offered = p
		return &recordingSubscribeHandler{BaseSubscribeHandler: BaseSubscribeHandler{Name: testTrackName("ns", "video")}}
	}

	if err := s.handlePublish(wire.Publish{
		RequestID:      7,
		TrackNamespace: wire.NewTrackNamespace("ns"),
		TrackName:      []byte("video"),
		TrackAlias:     11,
	}); err != nil {
		t.Fatal(err)
	}

	if offered.RequestID != 7 {
		t.Fatalf("offer callback saw request id %d, want 7", offered.RequestID)
	}

	msgType, payload, err := wire.ReadControlMessage(cs.Writer)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != wire.MsgPublishOk {
		t.Fatalf("response = %v, want PUBLISH_OK", msgType)
	}
	ok, err := wire.DecodePublishOk(payload)
	if err != nil {
		t.Fatal(err)
	}
	if ok.RequestID != 7 {
		t.Fatalf("request id = %d, want 7", ok.RequestID)
	}

	entry, found := s.registry.SubscribeByAlias(11)
	if !found || entry.SubscribeID != 7 {
		t.Fatalf("registered push subscription = %+v, found=%v", entry, found)
	}
}

func TestSessionHandlePublishDuplicateAliasClosesSession(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(RoleServer)
	s.onPublishOffer = func(p wire.Publish) SubscribeHandler {
		return &recordingSubscribeHandler{BaseSubscribeHandler: BaseSubscribeHandler{Name: testTrackName("ns", "video")}}
	}

	if err := s.handlePublish(wire.Publish{
		RequestID:      1,
		TrackNamespace: wire.NewTrackNamespace("ns"),
		TrackName:      []byte("video"),
		TrackAlias:     42,
	}); err != nil {
		t.Fatal(err)
	}

	err := s.handlePublish(wire.Publish{
		RequestID:      2,
		TrackNamespace: wire.NewTrackNamespace("ns"),
		TrackName:      []byte("audio"),
		TrackAlias:     42,
	})
	if err == nil {
		t.Fatal("expected an error for a duplicate track alias")
	}
	var ce *closeError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want a *closeError", err)
	}
	if ce.reason != wire.ReasonDuplicateTrackAlias {
		t.Fatalf("reason = %v, want ReasonDuplicateTrackAlias", ce.reason)
	}
}

func TestSessionHandleRequestsBlockedInvokesCallback(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(RoleServer)

	var seen uint64
	s.onRequestsBlocked = func(max uint64) { seen = max }

	payload := wire.AppendRequestsBlocked(nil, wire.RequestsBlocked{MaximumRequestID: 100})
	if err := s.dispatch(context.Background(), wire.MsgRequestsBlocked, payload); err != nil {
		t.Fatal(err)
	}
	if seen != 100 {
		t.Fatalf("onRequestsBlocked saw %d, want 100", seen)
	}
}

func TestSessionHandleGoawayInvokesCallback(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(RoleClient)

	var seen []byte
	s.onGoaway = func(uri []byte) { seen = uri }

	payload := wire.AppendGoaway(nil, wire.Goaway{NewSessionURI: []byte("https://example.com/new")})
	if err := s.dispatch(context.Background(), wire.MsgGoaway, payload); err != nil {
		t.Fatal(err)
	}
	if string(seen) != "https://example.com/new" {
		t.Fatalf("onGoaway saw %q", seen)
	}
}

func TestSessionDispatchSubscribeNamespaceRejected(t *testing.T) {
	t.Parallel()
	s, cs := newTestSession(RoleServer)

	payload := wire.AppendSubscribeNamespace(nil, wire.SubscribeNamespace{
		RequestID:            1,
		TrackNamespacePrefix: wire.NewTrackNamespace("ns"),
	})
	if err := s.dispatch(context.Background(), wire.MsgSubscribeNamespace, payload); err != nil {
		t.Fatal(err)
	}

	msgType, _, err := wire.ReadControlMessage(cs.Writer)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != wire.MsgSubscribeNamespaceError {
		t.Fatalf("response = %v, want SUBSCRIBE_NAMESPACE_ERROR", msgType)
	}
}
