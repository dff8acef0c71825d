package moqt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/quicwire/moqt/wire"
)

// ErrVersionMismatch is returned by the setup handshake when the peer
// offers or selects no version this codec supports.
var ErrVersionMismatch = errors.New("moqt: version mismatch")

// closeError carries the termination reason a dispatch failure should
// close the connection with; a plain error defaults to
// wire.ReasonProtocolViolation.
type closeError struct {
	reason wire.TerminationReason
	err    error
}

func (e *closeError) Error() string { return e.err.Error() }
func (e *closeError) Unwrap() error  { return e.err }

// defaultMaxRequestID is the request-id quota this side grants a peer on
// connect. The session does not currently enforce the quota it itself was
// granted; REQUESTS_BLOCKED from a peer is only surfaced, not acted on.
const defaultMaxRequestID = 100

// Role distinguishes which side of the handshake a Session plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// FetchServer answers FETCH requests a peer sends for a track this side
// publishes. Sessions without one reject every FETCH with
// FetchErrorNotSupported: this engine keeps no retained object history of
// its own, only whatever an application chooses to serve. A successful
// ServeFetch supplies the full set of objects to deliver; handleFetch
// sends them on a fresh FETCH_HEADER stream right after FETCH_OK.
type FetchServer interface {
	ServeFetch(f wire.Fetch) (ok wire.FetchOk, objects []wire.FetchObject, served bool)
}

// SessionConfig configures a new Session.
type SessionConfig struct {
	ID        string
	Transport Transport
	Role      Role
	Log       *slog.Logger

	// FetchServer answers inbound FETCH requests, if this side serves any.
	FetchServer FetchServer

	// OnPublishOffer is consulted for an inbound PUBLISH push: returning a
	// non-nil handler accepts the track, routing its objects to it under
	// the alias the peer dictated. Returning nil rejects with PublishError.
	OnPublishOffer func(wire.Publish) SubscribeHandler

	// OnGoaway is invoked when the peer sends GOAWAY, with the new session
	// URI it suggests (empty if none).
	OnGoaway func(newSessionURI []byte)

	// OnRequestsBlocked is invoked when the peer reports it is at its
	// request-id quota. The session does not itself raise the quota.
	OnRequestsBlocked func(maximumRequestID uint64)
}

// Session runs one MOQT connection's setup handshake and control-message
// dispatch loop, and owns the Registry and Dispatcher the application's
// Subscribe/Publish/SendObject calls go through.
type Session struct {
	id        string
	log       *slog.Logger
	role      Role
	transport Transport

	registry   *Registry
	dispatcher *Dispatcher

	fetchServer       FetchServer
	onPublishOffer    func(wire.Publish) SubscribeHandler
	onGoaway          func([]byte)
	onRequestsBlocked func(uint64)

	control   ControlStream
	controlMu sync.Mutex

	nextRequestID     atomic.Uint64
	nextFetchRequest  atomic.Uint64
	peerMaxRequestID  atomic.Uint64

	announceMu      sync.Mutex
	pendingAnnounce map[uint64]uint64 // announce request id -> namespace hash

	closed atomic.Bool
}

// NewSession builds a Session over an already-established Transport. Call
// Run to perform the setup handshake and begin dispatching.
func NewSession(cfg SessionConfig) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", cfg.ID, "role", cfg.Role)

	registry := NewRegistry()
	s := &Session{
		id:                cfg.ID,
		log:               log,
		role:              cfg.Role,
		transport:         cfg.Transport,
		registry:          registry,
		fetchServer:       cfg.FetchServer,
		onPublishOffer:    cfg.OnPublishOffer,
		onGoaway:          cfg.OnGoaway,
		onRequestsBlocked: cfg.OnRequestsBlocked,
		pendingAnnounce:   make(map[uint64]uint64),
	}
	s.dispatcher = NewDispatcher(log, cfg.Transport, registry)
	return s
}

// ID returns the session's identifier, as supplied in SessionConfig.
func (s *Session) ID() string { return s.id }

// Registry exposes the session's track registry, e.g. for metrics sampling.
func (s *Session) Registry() *Registry { return s.registry }

// SetOnPublishOffer replaces the handler consulted for an inbound PUBLISH
// push. Intended for a Server's OnSession hook, which runs before Run
// starts the dispatch loop, to bind a per-session closure (e.g. one that
// captures the session's own identity for fan-out) that SessionConfig's
// single shared callback can't express.
func (s *Session) SetOnPublishOffer(fn func(wire.Publish) SubscribeHandler) {
	s.onPublishOffer = fn
}

// Run performs the CLIENT_SETUP/SERVER_SETUP handshake, starts the stream
// and datagram accept loops, and dispatches control messages until ctx is
// canceled or the control stream fails. It always returns a non-nil error:
// ctx.Err() on a clean shutdown, or the failure that ended the session.
func (s *Session) Run(ctx context.Context) error {
	control, err := s.transport.Control(ctx)
	if err != nil {
		return fmt.Errorf("moqt: open control stream: %w", err)
	}
	s.control = control

	if s.role == RoleClient {
		if err := s.sendClientSetup(); err != nil {
			return err
		}
		if err := s.readServerSetup(); err != nil {
			return err
		}
	} else {
		if err := s.handleServerSetup(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.acceptStreamLoop(runCtx)
	go s.acceptDatagramLoop(runCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.controlLoop(runCtx) }()

	var runErr error
	select {
	case <-runCtx.Done():
		runErr = runCtx.Err()
	case runErr = <-errCh:
	}

	s.teardown(runErr)
	return runErr
}

func (s *Session) sendClientSetup() error {
	msg := wire.ClientSetup{SupportedVersions: []uint64{wire.Version}}
	if err := s.writeControl(wire.MsgClientSetup, wire.AppendClientSetup(nil, msg)); err != nil {
		return fmt.Errorf("write CLIENT_SETUP: %w", err)
	}
	return nil
}

func (s *Session) readServerSetup() error {
	msgType, payload, err := wire.ReadControlMessage(s.control)
	if err != nil {
		return fmt.Errorf("read SERVER_SETUP: %w", err)
	}
	if msgType != wire.MsgServerSetup {
		return fmt.Errorf("moqt: expected SERVER_SETUP, got %v", msgType)
	}
	ss, err := wire.DecodeServerSetup(payload)
	if err != nil {
		return fmt.Errorf("decode SERVER_SETUP: %w", err)
	}
	if ss.SelectedVersion != wire.Version {
		return fmt.Errorf("%w: server selected %#x", ErrVersionMismatch, ss.SelectedVersion)
	}
	return nil
}

func (s *Session) handleServerSetup() error {
	msgType, payload, err := wire.ReadControlMessage(s.control)
	if err != nil {
		return fmt.Errorf("read CLIENT_SETUP: %w", err)
	}
	if msgType != wire.MsgClientSetup {
		return fmt.Errorf("moqt: expected CLIENT_SETUP, got %v", msgType)
	}
	cs, err := wire.DecodeClientSetup(payload)
	if err != nil {
		return fmt.Errorf("decode CLIENT_SETUP: %w", err)
	}

	versionOK := false
	for _, v := range cs.SupportedVersions {
		if v == wire.Version {
			versionOK = true
			break
		}
	}
	if !versionOK {
		return fmt.Errorf("%w (client offered %v)", ErrVersionMismatch, cs.SupportedVersions)
	}

	if err := s.writeControl(wire.MsgServerSetup, wire.AppendServerSetup(nil, wire.ServerSetup{SelectedVersion: wire.Version})); err != nil {
		return fmt.Errorf("write SERVER_SETUP: %w", err)
	}
	if err := s.writeControl(wire.MsgMaxRequestId, wire.AppendMaxRequestId(nil, wire.MaxRequestId{RequestID: defaultMaxRequestID})); err != nil {
		return fmt.Errorf("write MAX_REQUEST_ID: %w", err)
	}
	return nil
}

func (s *Session) writeControl(msgType wire.ControlMessageType, payload []byte) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return wire.WriteControlMessage(s.control, msgType, payload)
}

func (s *Session) teardown(cause error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if cause == nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		_ = s.writeControl(wire.MsgGoaway, wire.AppendGoaway(nil, wire.Goaway{}))
	}
	for _, sub := range s.registry.AllSubscriptions() {
		sub.Handler.StatusChanged(SubscribeNotConnected)
	}
	_ = s.transport.Close(uint64(wire.ReasonNoError), "session ended")
}

// acceptStreamLoop accepts unidirectional data streams and hands each to
// the Dispatcher a chunk at a time, resuming HandleStream as more bytes
// arrive.
func (s *Session) acceptStreamLoop(ctx context.Context) {
	for {
		stream, err := s.transport.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("accept stream failed", "error", err)
			}
			return
		}
		go s.readStream(ctx, stream)
	}
}

func (s *Session) readStream(ctx context.Context, stream RecvStream) {
	buf := wire.NewSyncStreamBuffer()
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf.Push(chunk[:n])
			s.dispatcher.HandleStream(buf)
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.log.Debug("data stream read error", "error", err)
			}
			return
		}
	}
}

func (s *Session) acceptDatagramLoop(ctx context.Context) {
	for {
		b, err := s.transport.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("receive datagram failed", "error", err)
			}
			return
		}
		s.dispatcher.HandleDatagram(b)
	}
}

// controlLoop reads and dispatches control messages until the stream fails
// or a message proves malformed enough to be a protocol violation, at which
// point the session closes rather than keep processing a desynced stream.
func (s *Session) controlLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgType, payload, err := wire.ReadControlMessage(s.control)
		if err != nil {
			return fmt.Errorf("read control message: %w", err)
		}
		if err := s.dispatch(ctx, msgType, payload); err != nil {
			reason := wire.ReasonProtocolViolation
			var ce *closeError
			if errors.As(err, &ce) {
				reason = ce.reason
			}
			s.log.Warn("closing session on control dispatch error", "error", err, "reason", reason)
			_ = s.transport.Close(uint64(reason), err.Error())
			return err
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msgType wire.ControlMessageType, payload []byte) error {
	switch msgType {
	case wire.MsgSubscribe:
		msg, err := wire.DecodeSubscribe(payload)
		if err != nil {
			return fmt.Errorf("decode SUBSCRIBE: %w", err)
		}
		s.handleSubscribe(msg)

	case wire.MsgSubscribeOk:
		msg, err := wire.DecodeSubscribeOk(payload)
		if err != nil {
			return fmt.Errorf("decode SUBSCRIBE_OK: %w", err)
		}
		s.handleSubscribeOk(msg)

	case wire.MsgSubscribeError:
		msg, err := wire.DecodeSubscribeError(payload)
		if err != nil {
			return fmt.Errorf("decode SUBSCRIBE_ERROR: %w", err)
		}
		s.handleSubscribeError(msg)

	case wire.MsgUnsubscribe:
		msg, err := wire.DecodeUnsubscribe(payload)
		if err != nil {
			return fmt.Errorf("decode UNSUBSCRIBE: %w", err)
		}
		s.handleUnsubscribe(msg)

	case wire.MsgPublishDone:
		msg, err := wire.DecodePublishDone(payload)
		if err != nil {
			return fmt.Errorf("decode PUBLISH_DONE: %w", err)
		}
		s.handlePublishDone(msg)

	case wire.MsgPublishNamespace:
		msg, err := wire.DecodePublishNamespace(payload)
		if err != nil {
			return fmt.Errorf("decode PUBLISH_NAMESPACE: %w", err)
		}
		s.handlePublishNamespace(msg)

	case wire.MsgPublishNamespaceOk:
		msg, err := wire.DecodePublishNamespaceOk(payload)
		if err != nil {
			return fmt.Errorf("decode PUBLISH_NAMESPACE_OK: %w", err)
		}
		s.handlePublishNamespaceOk(msg)

	case wire.MsgPublishNamespaceError:
		msg, err := wire.DecodePublishNamespaceError(payload)
		if err != nil {
			return fmt.Errorf("decode PUBLISH_NAMESPACE_ERROR: %w", err)
		}
		s.handlePublishNamespaceError(msg)

	case wire.MsgPublishNamespaceDone:
		msg, err := wire.DecodePublishNamespaceDone(payload)
		if err != nil {
			return fmt.Errorf("decode PUBLISH_NAMESPACE_DONE: %w", err)
		}
		s.log.Debug("peer no longer serving namespace", "namespace", msg.TrackNamespace.Strings())

	case wire.MsgPublishNamespaceCancel:
		msg, err := wire.DecodePublishNamespaceCancel(payload)
		if err != nil {
			return fmt.Errorf("decode PUBLISH_NAMESPACE_CANCEL: %w", err)
		}
		s.log.Debug("namespace announce canceled", "namespace", msg.TrackNamespace.Strings(), "error_code", msg.ErrorCode)

	case wire.MsgTrackStatus:
		msg, err := wire.DecodeTrackStatus(payload)
		if err != nil {
			return fmt.Errorf("decode TRACK_STATUS: %w", err)
		}
		s.handleTrackStatus(msg)

	case wire.MsgTrackStatusOk:
		msg, err := wire.DecodeTrackStatusOk(payload)
		if err != nil {
			return fmt.Errorf("decode TRACK_STATUS_OK: %w", err)
		}
		s.log.Debug("TRACK_STATUS_OK", "request_id", msg.RequestID)

	case wire.MsgTrackStatusError:
		msg, err := wire.DecodeTrackStatusError(payload)
		if err != nil {
			return fmt.Errorf("decode TRACK_STATUS_ERROR: %w", err)
		}
		s.log.Debug("TRACK_STATUS_ERROR", "request_id", msg.RequestID, "error_code", msg.ErrorCode)

	case wire.MsgGoaway:
		msg, err := wire.DecodeGoaway(payload)
		if err != nil {
			return fmt.Errorf("decode GOAWAY: %w", err)
		}
		s.log.Info("received GOAWAY", "new_session_uri", string(msg.NewSessionURI))
		if s.onGoaway != nil {
			s.onGoaway(msg.NewSessionURI)
		}

	case wire.MsgSubscribeNamespace:
		msg, err := wire.DecodeSubscribeNamespace(payload)
		if err != nil {
			return fmt.Errorf("decode SUBSCRIBE_NAMESPACE: %w", err)
		}
		s.sendSubscribeNamespaceError(msg.RequestID, wire.SubscribeNamespaceErrorNotSupported, "namespace-prefix fanout not served")

	case wire.MsgSubscribeNamespaceOk:
		msg, err := wire.DecodeSubscribeNamespaceOk(payload)
		if err != nil {
			return fmt.Errorf("decode SUBSCRIBE_NAMESPACE_OK: %w", err)
		}
		s.log.Debug("SUBSCRIBE_NAMESPACE_OK", "request_id", msg.RequestID)

	case wire.MsgSubscribeNamespaceError:
		msg, err := wire.DecodeSubscribeNamespaceError(payload)
		if err != nil {
			return fmt.Errorf("decode SUBSCRIBE_NAMESPACE_ERROR: %w", err)
		}
		s.log.Debug("SUBSCRIBE_NAMESPACE_ERROR", "request_id", msg.RequestID, "error_code", msg.ErrorCode)

	case wire.MsgUnsubscribeNamespace:
		if _, err := wire.DecodeUnsubscribeNamespace(payload); err != nil {
			return fmt.Errorf("decode UNSUBSCRIBE_NAMESPACE: %w", err)
		}

	case wire.MsgMaxRequestId:
		msg, err := wire.DecodeMaxRequestId(payload)
		if err != nil {
			return fmt.Errorf("decode MAX_REQUEST_ID: %w", err)
		}
		s.peerMaxRequestID.Store(msg.RequestID)

	case wire.MsgRequestsBlocked:
		msg, err := wire.DecodeRequestsBlocked(payload)
		if err != nil {
			return fmt.Errorf("decode REQUESTS_BLOCKED: %w", err)
		}
		s.log.Warn("peer reports REQUESTS_BLOCKED", "maximum_request_id", msg.MaximumRequestID)
		if s.onRequestsBlocked != nil {
			s.onRequestsBlocked(msg.MaximumRequestID)
		}

	case wire.MsgFetch:
		msg, err := wire.DecodeFetch(payload)
		if err != nil {
			return fmt.Errorf("decode FETCH: %w", err)
		}
		s.handleFetch(ctx, msg)

	case wire.MsgFetchCancel:
		msg, err := wire.DecodeFetchCancel(payload)
		if err != nil {
			return fmt.Errorf("decode FETCH_CANCEL: %w", err)
		}
		s.registry.UnregisterFetch(msg.RequestID)

	case wire.MsgFetchOk:
		msg, err := wire.DecodeFetchOk(payload)
		if err != nil {
			return fmt.Errorf("decode FETCH_OK: %w", err)
		}
		s.log.Debug("FETCH_OK", "request_id", msg.RequestID, "end_of_track", msg.EndOfTrack)

	case wire.MsgFetchError:
		msg, err := wire.DecodeFetchError(payload)
		if err != nil {
			return fmt.Errorf("decode FETCH_ERROR: %w", err)
		}
		if handler, ok := s.registry.FetchHandler(msg.RequestID); ok {
			s.registry.UnregisterFetch(msg.RequestID)
			handler.StatusChanged(SubscribeErrored)
		}
		s.log.Debug("FETCH_ERROR", "request_id", msg.RequestID, "error_code", msg.ErrorCode, "reason", string(msg.ErrorReason))

	case wire.MsgPublish:
		msg, err := wire.DecodePublish(payload)
		if err != nil {
			return fmt.Errorf("decode PUBLISH: %w", err)
		}
		if err := s.handlePublish(msg); err != nil {
			return err
		}

	case wire.MsgPublishOk:
		msg, err := wire.DecodePublishOk(payload)
		if err != nil {
			return fmt.Errorf("decode PUBLISH_OK: %w", err)
		}
		s.log.Debug("PUBLISH_OK", "request_id", msg.RequestID)

	case wire.MsgPublishError:
		msg, err := wire.DecodePublishError(payload)
		if err != nil {
			return fmt.Errorf("decode PUBLISH_ERROR: %w", err)
		}
		s.log.Debug("PUBLISH_ERROR", "request_id", msg.RequestID, "error_code", msg.ErrorCode)

	case wire.MsgClientSetup, wire.MsgServerSetup:
		return fmt.Errorf("moqt: %v after handshake complete", msgType)

	default:
		return fmt.Errorf("%w: %v", wire.ErrUnknownMessageType, msgType)
	}
	return nil
}

// handleSubscribe serves an incoming SUBSCRIBE for a track this side
// publishes.
func (s *Session) handleSubscribe(msg wire.Subscribe) {
	entry, ok := s.registry.PublishByName(msg.TrackNamespace, msg.TrackName)
	if !ok {
		s.sendSubscribeError(msg.RequestID, wire.SubscribeErrorTrackDoesNotExist, "track not published")
		return
	}
	s.registry.BindPublisherTrack(msg.RequestID, entry)
	entry.Handler.StatusChanged(PublishOk)
	s.sendSubscribeOk(msg.RequestID, entry.TrackAlias, wire.GroupOrderAscending, false, wire.Location{})
}

func (s *Session) handleSubscribeOk(msg wire.SubscribeOk) {
	entry, ok := s.registry.SubscribeByID(msg.RequestID)
	if !ok {
		s.log.Debug("SUBSCRIBE_OK for unknown subscribe id", "subscribe_id", msg.RequestID)
		return
	}
	s.registry.BindTrackAlias(msg.RequestID, msg.TrackAlias)
	entry.State = SubscribeOk
	entry.Handler.StatusChanged(SubscribeOk)
}

func (s *Session) handleSubscribeError(msg wire.SubscribeError) {
	entry, ok := s.registry.Unsubscribe(msg.RequestID)
	if !ok {
		s.log.Debug("SUBSCRIBE_ERROR for unknown subscribe id", "subscribe_id", msg.RequestID)
		return
	}
	s.log.Debug("subscribe rejected", "subscribe_id", msg.RequestID, "error_code", msg.ErrorCode, "reason", string(msg.ErrorReason))
	entry.Handler.StatusChanged(SubscribeErrored)
}

func (s *Session) handleUnsubscribe(msg wire.Unsubscribe) {
	entry, ok := s.registry.UnbindPublisherTrack(msg.RequestID)
	if !ok {
		s.log.Debug("UNSUBSCRIBE for unknown subscribe id", "subscribe_id", msg.RequestID)
		return
	}
	s.dispatcher.CloseTrackStream(entry.TrackAlias)
	entry.Handler.StatusChanged(PublishNoSubscribers)
}

func (s *Session) handlePublishDone(msg wire.PublishDone) {
	entry, ok := s.registry.Unsubscribe(msg.RequestID)
	if !ok {
		s.log.Debug("PUBLISH_DONE for unknown subscribe id", "subscribe_id", msg.RequestID)
		return
	}
	s.log.Debug("publisher ended track", "subscribe_id", msg.RequestID, "status_code", msg.StatusCode)
	entry.Handler.StatusChanged(SubscribeNotSubscribed)
}

func (s *Session) handlePublishNamespace(msg wire.PublishNamespace) {
	s.log.Debug("peer announced namespace", "namespace", msg.TrackNamespace.Strings())
	_ = s.writeControl(wire.MsgPublishNamespaceOk, wire.AppendPublishNamespaceOk(nil, wire.PublishNamespaceOk{RequestID: msg.RequestID}))
}

func (s *Session) handlePublishNamespaceOk(msg wire.PublishNamespaceOk) {
	s.announceMu.Lock()
	nsHash, ok := s.pendingAnnounce[msg.RequestID]
	delete(s.pendingAnnounce, msg.RequestID)
	s.announceMu.Unlock()
	if !ok {
		s.log.Debug("PUBLISH_NAMESPACE_OK for unknown request id", "request_id", msg.RequestID)
		return
	}
	for _, entry := range s.registry.TransitionNamespacePending(nsHash, PublishNoSubscribers) {
		entry.Handler.StatusChanged(PublishNoSubscribers)
	}
}

func (s *Session) handlePublishNamespaceError(msg wire.PublishNamespaceError) {
	s.announceMu.Lock()
	nsHash, ok := s.pendingAnnounce[msg.RequestID]
	delete(s.pendingAnnounce, msg.RequestID)
	s.announceMu.Unlock()
	if !ok {
		s.log.Debug("PUBLISH_NAMESPACE_ERROR for unknown request id", "request_id", msg.RequestID)
		return
	}
	for _, entry := range s.registry.TransitionNamespacePending(nsHash, PublishAnnounceNotAuthorized) {
		entry.Handler.StatusChanged(PublishAnnounceNotAuthorized)
	}
}

func (s *Session) handleTrackStatus(msg wire.TrackStatus) {
	entry, ok := s.registry.PublishByName(msg.TrackNamespace, msg.TrackName)
	if !ok {
		s.sendTrackStatusError(msg.RequestID, wire.SubscribeErrorTrackDoesNotExist, "track not published")
		return
	}
	s.writeOrLog(wire.MsgTrackStatusOk, wire.AppendTrackStatusOk(nil, wire.TrackStatusOk{
		RequestID:     msg.RequestID,
		TrackAlias:    entry.TrackAlias,
		GroupOrder:    wire.GroupOrderAscending,
		ContentExists: entry.State == PublishOk,
	}), "TRACK_STATUS_OK")
}

func (s *Session) handleFetch(ctx context.Context, msg wire.Fetch) {
	if msg.FetchType != wire.FetchStandalone {
		s.sendFetchError(msg.RequestID, wire.FetchErrorNotSupported, "joining fetch not served")
		return
	}
	if s.fetchServer == nil {
		s.sendFetchError(msg.RequestID, wire.FetchErrorNotSupported, "no retained object history")
		return
	}
	ok, objects, served := s.fetchServer.ServeFetch(msg)
	if !served {
		s.sendFetchError(msg.RequestID, wire.FetchErrorTrackDoesNotExist, "track not found")
		return
	}
	ok.RequestID = msg.RequestID
	s.writeOrLog(wire.MsgFetchOk, wire.AppendFetchOk(nil, ok), "FETCH_OK")
	if err := s.dispatcher.SendFetchObjects(ctx, msg.RequestID, objects); err != nil {
		s.log.Warn("failed to deliver FETCH objects", "request_id", msg.RequestID, "error", err)
	}
}

func (s *Session) handlePublish(msg wire.Publish) error {
	if _, taken := s.registry.SubscribeByAlias(msg.TrackAlias); taken {
		return &closeError{
			reason: wire.ReasonDuplicateTrackAlias,
			err:    fmt.Errorf("moqt: PUBLISH track alias %d already in use", msg.TrackAlias),
		}
	}

	if s.onPublishOffer == nil {
		s.sendPublishError(msg.RequestID, uint64(wire.SubscribeErrorNotSupported), "unsolicited publish not accepted")
		return nil
	}
	handler := s.onPublishOffer(msg)
	if handler == nil {
		s.sendPublishError(msg.RequestID, uint64(wire.SubscribeErrorUnauthorized), "publish declined")
		return nil
	}
	s.registry.BindPushSubscription(msg.RequestID, msg.TrackAlias, handler)
	handler.StatusChanged(SubscribeOk)
	s.writeOrLog(wire.MsgPublishOk, wire.AppendPublishOk(nil, wire.PublishOk{
		RequestID:  msg.RequestID,
		Forward:    true,
		GroupOrder: wire.GroupOrderAscending,
		FilterType: wire.FilterLatestGroup,
	}), "PUBLISH_OK")
	return nil
}

func (s *Session) sendSubscribeOk(requestID, trackAlias uint64, order wire.GroupOrder, contentExists bool, largest wire.Location) {
	s.writeOrLog(wire.MsgSubscribeOk, wire.AppendSubscribeOk(nil, wire.SubscribeOk{
		RequestID:       requestID,
		TrackAlias:      trackAlias,
		GroupOrder:      order,
		ContentExists:   contentExists,
		LargestLocation: largest,
	}), "SUBSCRIBE_OK")
}

func (s *Session) sendSubscribeError(requestID uint64, code wire.SubscribeErrorCode, reason string) {
	s.writeOrLog(wire.MsgSubscribeError, wire.AppendSubscribeError(nil, wire.SubscribeError{
		RequestID:   requestID,
		ErrorCode:   code,
		ErrorReason: []byte(reason),
	}), "SUBSCRIBE_ERROR")
}

func (s *Session) sendTrackStatusError(requestID uint64, code wire.SubscribeErrorCode, reason string) {
	s.writeOrLog(wire.MsgTrackStatusError, wire.AppendTrackStatusError(nil, wire.TrackStatusError{
		RequestID:   requestID,
		ErrorCode:   code,
		ErrorReason: []byte(reason),
	}), "TRACK_STATUS_ERROR")
}

func (s *Session) sendSubscribeNamespaceError(requestID uint64, code wire.SubscribeNamespaceErrorCode, reason string) {
	s.writeOrLog(wire.MsgSubscribeNamespaceError, wire.AppendSubscribeNamespaceError(nil, wire.SubscribeNamespaceError{
		RequestID:   requestID,
		ErrorCode:   code,
		ErrorReason: []byte(reason),
	}), "SUBSCRIBE_NAMESPACE_ERROR")
}

func (s *Session) sendFetchError(requestID uint64, code wire.FetchErrorCode, reason string) {
	s.writeOrLog(wire.MsgFetchError, wire.AppendFetchError(nil, wire.FetchError{
		RequestID:   requestID,
		ErrorCode:   code,
		ErrorReason: []byte(reason),
	}), "FETCH_ERROR")
}

func (s *Session) sendPublishError(requestID uint64, code uint64, reason string) {
	s.writeOrLog(wire.MsgPublishError, wire.AppendPublishError(nil, wire.PublishError{
		RequestID:   requestID,
		ErrorCode:   code,
		ErrorReason: []byte(reason),
	}), "PUBLISH_ERROR")
}

func (s *Session) writeOrLog(msgType wire.ControlMessageType, payload []byte, label string) {
	if err := s.writeControl(msgType, payload); err != nil {
		s.log.Warn("write "+label+" failed", "error", err)
	}
}

// Subscribe sends a SUBSCRIBE for h's track and installs a pending
// SubscribeEntry. The handler learns the outcome through StatusChanged once
// SUBSCRIBE_OK or SUBSCRIBE_ERROR arrives.
func (s *Session) Subscribe(h SubscribeHandler, priority uint8, order wire.GroupOrder, filter wire.FilterType) (*SubscribeEntry, error) {
	entry := s.registry.Subscribe(h, priority, order, filter)
	name := h.FullTrackName()
	msg := wire.Subscribe{
		RequestID:          entry.SubscribeID,
		TrackNamespace:     name.Namespace,
		TrackName:          name.Name,
		SubscriberPriority: priority,
		GroupOrder:         order,
		Forward:            true,
		FilterType:         filter,
	}
	if err := s.writeControl(wire.MsgSubscribe, wire.AppendSubscribe(nil, msg)); err != nil {
		s.registry.Unsubscribe(entry.SubscribeID)
		return nil, fmt.Errorf("write SUBSCRIBE: %w", err)
	}
	return entry, nil
}

// Unsubscribe sends UNSUBSCRIBE for a subscription and removes it locally.
func (s *Session) Unsubscribe(subscribeID uint64) error {
	if _, ok := s.registry.Unsubscribe(subscribeID); !ok {
		return ErrTrackDoesNotExist
	}
	return s.writeControl(wire.MsgUnsubscribe, wire.AppendUnsubscribe(nil, wire.Unsubscribe{RequestID: subscribeID}))
}

// Publish registers h as a publisher and, if this is the first track under
// its namespace on this connection, announces the namespace with
// PUBLISH_NAMESPACE.
func (s *Session) Publish(h PublishHandler) (*PublishEntry, error) {
	entry, isNewNamespace, err := s.registry.Publish(h)
	if err != nil {
		return nil, err
	}
	if !isNewNamespace {
		entry.State = PublishNoSubscribers
		return entry, nil
	}

	reqID := s.nextRequestID.Add(1)
	s.announceMu.Lock()
	s.pendingAnnounce[reqID] = entry.NamespaceHash
	s.announceMu.Unlock()

	name := h.FullTrackName()
	if err := s.writeControl(wire.MsgPublishNamespace, wire.AppendPublishNamespace(nil, wire.PublishNamespace{
		RequestID:      reqID,
		TrackNamespace: name.Namespace,
	})); err != nil {
		s.registry.Unpublish(h)
		return nil, fmt.Errorf("write PUBLISH_NAMESPACE: %w", err)
	}
	return entry, nil
}

// Unpublish withdraws h. If h was the last track under its namespace, the
// namespace is withdrawn with PUBLISH_NAMESPACE_DONE.
func (s *Session) Unpublish(h PublishHandler) error {
	entry, namespaceEmptied, ok := s.registry.Unpublish(h)
	if !ok {
		return ErrTrackDoesNotExist
	}
	s.dispatcher.CloseTrackStream(entry.TrackAlias)
	if namespaceEmptied {
		name := h.FullTrackName()
		s.writeOrLog(wire.MsgPublishNamespaceDone, wire.AppendPublishNamespaceDone(nil, wire.PublishNamespaceDone{
			TrackNamespace: name.Namespace,
		}), "PUBLISH_NAMESPACE_DONE")
	}
	return nil
}

// SendObject frames and sends one object on entry's track.
func (s *Session) SendObject(ctx context.Context, entry *PublishEntry, headers ObjectHeaders, payload []byte) (PublishObjectStatus, error) {
	return s.dispatcher.SendObject(ctx, entry, headers, payload)
}

// Fetch sends a standalone FETCH for a historical object range and
// registers h to receive the results as they arrive on the resulting
// FETCH_HEADER stream.
func (s *Session) Fetch(h SubscribeHandler, priority uint8, order wire.GroupOrder, start, end wire.Location) (uint64, error) {
	name := h.FullTrackName()
	reqID := s.nextFetchRequest.Add(1)
	s.registry.RegisterFetch(reqID, h)

	msg := wire.Fetch{
		RequestID:          reqID,
		SubscriberPriority: priority,
		GroupOrder:         order,
		FetchType:          wire.FetchStandalone,
		Standalone: wire.StandaloneFetch{
			TrackNamespace: name.Namespace,
			TrackName:      name.Name,
			StartLocation:  start,
			EndLocation:    end,
		},
	}
	if err := s.writeControl(wire.MsgFetch, wire.AppendFetch(nil, msg)); err != nil {
		s.registry.UnregisterFetch(reqID)
		return 0, fmt.Errorf("write FETCH: %w", err)
	}
	return reqID, nil
}

// CancelFetch sends FETCH_CANCEL and drops the local fetch registration.
func (s *Session) CancelFetch(requestID uint64) error {
	s.registry.UnregisterFetch(requestID)
	return s.writeControl(wire.MsgFetchCancel, wire.AppendFetchCancel(nil, wire.FetchCancel{RequestID: requestID}))
}
