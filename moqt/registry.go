package moqt

import (
	"errors"
	"sync"

	"github.com/quicwire/moqt/wire"
)

// ErrDuplicateTrackAlias is returned by Registry.Publish when the computed
// track alias for a new publish handler collides with one already bound on
// this connection (MOQT §4.4's tie-break: close with kDuplicateTrackAlias).
var ErrDuplicateTrackAlias = errors.New("moqt: duplicate track alias")

// ErrTrackDoesNotExist is returned when a SUBSCRIBE/TRACK_STATUS references
// a (namespace, name) this connection has no publish handler bound for.
var ErrTrackDoesNotExist = errors.New("moqt: track does not exist")

// SubscribeEntry is the Registry's record of one local subscription: the
// state MOQT §3's "Subscribe handler state" describes, plus the handler it
// delivers to and the per-track stream buffer the Dispatcher parses
// incoming stream objects into.
type SubscribeEntry struct {
	SubscribeID uint64
	TrackAlias  uint64
	State       SubscribeState
	Priority    uint8
	GroupOrder  wire.GroupOrder
	FilterType  wire.FilterType
	Handler     SubscribeHandler
	Buffer      *wire.StreamBuffer
	Metrics     SubscribeMetrics
}

// PublishEntry is the Registry's record of one local publication, MOQT
// §3's "Publish handler state" plus the bookkeeping the Dispatcher needs
// to frame sequential sends.
type PublishEntry struct {
	NamespaceHash  uint64
	NameHash       uint64
	TrackAlias     uint64
	SubscribeID    uint64
	HasSubscribeID bool
	State          PublishState
	Handler        PublishHandler
	DataContextID  uint64
	HasDataContext bool
	Metrics        PublishMetrics
	NextGroup      uint64
	NextObject     uint64
	StreamOpen     bool // not set by this package; the Dispatcher tracks open streams in its own per-track state
}

// Registry holds one connection's track tables: published tracks by
// (namespace-hash, name-hash), subscribed tracks by subscribe id, and the
// data-context bindings the Dispatcher uses to route enqueued bytes. All
// operations are guarded by a single lock, per MOQT §4.4.
type Registry struct {
	mu sync.Mutex

	tracksBySubID    map[uint64]*SubscribeEntry
	tracksByAlias    map[uint64]*SubscribeEntry          // track_alias -> subscription, for inbound object dispatch
	pubTracksByName  map[uint64]map[uint64]*PublishEntry // namespace_hash -> name_hash -> entry
	pubTracksByDCtx  map[uint64]*PublishEntry
	pubTracksBySubID map[uint64]*PublishEntry     // peer-assigned subscribe_id -> publish entry bound to it
	recvSubID        map[uint64]wire.TrackHash    // client-mode: subscribe_id the peer assigned -> track it names
	fetchesByRequest map[uint64]SubscribeHandler  // request_id -> handler receiving FETCH_HEADER results

	nextSubscribeID uint64
}

// NewRegistry returns an empty Registry for one connection.
func NewRegistry() *Registry {
	return &Registry{
		tracksBySubID:    make(map[uint64]*SubscribeEntry),
		tracksByAlias:    make(map[uint64]*SubscribeEntry),
		pubTracksByName:  make(map[uint64]map[uint64]*PublishEntry),
		pubTracksByDCtx:  make(map[uint64]*PublishEntry),
		pubTracksBySubID: make(map[uint64]*PublishEntry),
		recvSubID:        make(map[uint64]wire.TrackHash),
		fetchesByRequest: make(map[uint64]SubscribeHandler),
	}
}

// RegisterFetch associates a pending FETCH's request id with the handler
// that should receive its FETCH_HEADER stream's objects.
func (r *Registry) RegisterFetch(requestID uint64, h SubscribeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchesByRequest[requestID] = h
}

// UnregisterFetch drops a fetch's handler binding, e.g. once its stream
// reports end-of-track or on FETCH_CANCEL.
func (r *Registry) UnregisterFetch(requestID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fetchesByRequest, requestID)
}

// FetchHandler resolves a FETCH_HEADER's request id back to the handler
// RegisterFetch bound it to.
func (r *Registry) FetchHandler(requestID uint64) (SubscribeHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.fetchesByRequest[requestID]
	return h, ok
}

// Subscribe allocates a subscribe id and track alias for h and installs a
// pending SubscribeEntry. The caller is responsible for emitting the
// SUBSCRIBE message with the returned id/alias.
func (r *Registry) Subscribe(h SubscribeHandler, priority uint8, order wire.GroupOrder, filter wire.FilterType) *SubscribeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSubscribeID++
	hash := wire.HashFullTrackName(h.FullTrackName())
	entry := &SubscribeEntry{
		SubscribeID: r.nextSubscribeID,
		TrackAlias:  hash.FullNameHash,
		State:       SubscribePendingResponse,
		Priority:    priority,
		GroupOrder:  order,
		FilterType:  filter,
		Handler:     h,
		Buffer:      wire.NewStreamBuffer(),
	}
	r.tracksBySubID[entry.SubscribeID] = entry
	r.tracksByAlias[entry.TrackAlias] = entry
	return entry
}

// BindTrackAlias updates the track alias a subscription is addressed by,
// for when a SUBSCRIBE_OK names an alias different from the one this side
// proposed.
func (r *Registry) BindTrackAlias(subscribeID, alias uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tracksBySubID[subscribeID]
	if !ok {
		return
	}
	if entry.TrackAlias != alias {
		delete(r.tracksByAlias, entry.TrackAlias)
		entry.TrackAlias = alias
		r.tracksByAlias[alias] = entry
	}
}

// SubscribeByAlias looks up a subscription by track alias, the key inbound
// object records carry on the wire.
func (r *Registry) SubscribeByAlias(alias uint64) (*SubscribeEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tracksByAlias[alias]
	return entry, ok
}

// Unsubscribe removes and returns the subscription for subscribeID.
// Idempotent: calling it again after removal reports ok=false rather than
// erroring, per MOQT §5's cancellation rule.
func (r *Registry) Unsubscribe(subscribeID uint64) (*SubscribeEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.tracksBySubID[subscribeID]
	if !ok {
		return nil, false
	}
	entry.State = SubscribeNotSubscribed
	delete(r.tracksBySubID, subscribeID)
	delete(r.tracksByAlias, entry.TrackAlias)
	return entry, true
}

// SubscribeByID looks up a subscription by subscribe id. A miss is not a
// protocol violation (MOQT §3's stale-reference invariant): callers log and
// drop.
func (r *Registry) SubscribeByID(subscribeID uint64) (*SubscribeEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tracksBySubID[subscribeID]
	return entry, ok
}

// AllSubscriptions returns a snapshot of every live subscription, for
// connection teardown.
func (r *Registry) AllSubscriptions() []*SubscribeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SubscribeEntry, 0, len(r.tracksBySubID))
	for _, e := range r.tracksBySubID {
		out = append(out, e)
	}
	return out
}

// Publish computes h's track alias and installs a pending PublishEntry
// under (namespace_hash, name_hash). isNewNamespace reports whether this is
// the first track registered under that namespace on this connection (the
// caller uses this to decide whether to emit PUBLISH_NAMESPACE). Returns
// ErrDuplicateTrackAlias if the alias collides with an existing publish on
// this connection.
func (r *Registry) Publish(h PublishHandler) (entry *PublishEntry, isNewNamespace bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := wire.HashFullTrackName(h.FullTrackName())
	for _, names := range r.pubTracksByName {
		for _, existing := range names {
			if existing.TrackAlias == hash.FullNameHash {
				return nil, false, ErrDuplicateTrackAlias
			}
		}
	}
	byName, nsExists := r.pubTracksByName[hash.NamespaceHash]
	if !nsExists {
		byName = make(map[uint64]*PublishEntry)
		r.pubTracksByName[hash.NamespaceHash] = byName
	}

	entry = &PublishEntry{
		NamespaceHash: hash.NamespaceHash,
		NameHash:      hash.NameHash,
		TrackAlias:    hash.FullNameHash,
		State:         PublishPendingAnnounceResponse,
		Handler:       h,
	}
	byName[hash.NameHash] = entry
	return entry, !nsExists, nil
}

// Unpublish removes h's PublishEntry. namespaceEmptied reports whether this
// was the last track under its namespace, the caller's cue to emit
// PUBLISH_NAMESPACE_DONE/UNANNOUNCE.
func (r *Registry) Unpublish(h PublishHandler) (entry *PublishEntry, namespaceEmptied bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := wire.HashFullTrackName(h.FullTrackName())
	byName, nsExists := r.pubTracksByName[hash.NamespaceHash]
	if !nsExists {
		return nil, false, false
	}
	entry, ok = byName[hash.NameHash]
	if !ok {
		return nil, false, false
	}
	delete(byName, hash.NameHash)
	if entry.HasDataContext {
		delete(r.pubTracksByDCtx, entry.DataContextID)
	}
	if entry.HasSubscribeID {
		delete(r.pubTracksBySubID, entry.SubscribeID)
	}
	if len(byName) == 0 {
		delete(r.pubTracksByName, hash.NamespaceHash)
		namespaceEmptied = true
	}
	return entry, namespaceEmptied, true
}

// TransitionNamespacePending moves every publish entry under namespaceHash
// still waiting on its PUBLISH_NAMESPACE response into newState, and returns
// the entries that were transitioned so the caller can invoke their
// handler's StatusChanged outside the lock. Entries already bound to a
// subscriber (state Ok) are left alone.
func (r *Registry) TransitionNamespacePending(namespaceHash uint64, newState PublishState) []*PublishEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.pubTracksByName[namespaceHash]
	if !ok {
		return nil
	}
	var out []*PublishEntry
	for _, entry := range byName {
		if entry.State == PublishPendingAnnounceResponse {
			entry.State = newState
			out = append(out, entry)
		}
	}
	return out
}

// BindPushSubscription installs a subscription whose subscribe id and track
// alias are dictated by the peer (a PUBLISH push) rather than allocated
// locally, so inbound objects tagged with that exact alias are routed to h.
func (r *Registry) BindPushSubscription(subscribeID, alias uint64, h SubscribeHandler) *SubscribeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &SubscribeEntry{
		SubscribeID: subscribeID,
		TrackAlias:  alias,
		State:       SubscribeOk,
		Handler:     h,
		Buffer:      wire.NewStreamBuffer(),
	}
	r.tracksBySubID[subscribeID] = entry
	r.tracksByAlias[alias] = entry
	return entry
}

// PublishByName looks up a publish handler bound to (ns, name) on this
// connection.
func (r *Registry) PublishByName(ns wire.TrackNamespace, name []byte) (*PublishEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fake := wire.FullTrackName{Namespace: ns, Name: name}
	hash := wire.HashFullTrackName(fake)
	byName, ok := r.pubTracksByName[hash.NamespaceHash]
	if !ok {
		return nil, false
	}
	entry, ok := byName[hash.NameHash]
	return entry, ok
}

// BindPublisherTrack associates subscribeID (assigned by an incoming
// SUBSCRIBE) with entry, so that objects sent via entry's handler are
// addressed to this subscriber. Server-side operation per MOQT §4.4.
func (r *Registry) BindPublisherTrack(subscribeID uint64, entry *PublishEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.SubscribeID = subscribeID
	entry.HasSubscribeID = true
	entry.State = PublishOk
	r.pubTracksBySubID[subscribeID] = entry
}

// PublishBySubscribeID looks up the publish entry bound to a peer-assigned
// subscribe id, the key UNSUBSCRIBE and PUBLISH_DONE name on the wire.
func (r *Registry) PublishBySubscribeID(subscribeID uint64) (*PublishEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pubTracksBySubID[subscribeID]
	return entry, ok
}

// UnbindPublisherTrack drops the subscriber binding on a publish entry
// without removing the entry itself: the track stays announced, just with
// no subscriber currently attached. Used on UNSUBSCRIBE.
func (r *Registry) UnbindPublisherTrack(subscribeID uint64) (*PublishEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pubTracksBySubID[subscribeID]
	if !ok {
		return nil, false
	}
	delete(r.pubTracksBySubID, subscribeID)
	entry.HasSubscribeID = false
	entry.State = PublishNoSubscribers
	return entry, true
}

// BindDataContext records the transport-level data context entry's objects
// are enqueued on, so inbound dispatch callbacks keyed by data context id
// can find the handler.
func (r *Registry) BindDataContext(entry *PublishEntry, dataContextID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.DataContextID = dataContextID
	entry.HasDataContext = true
	r.pubTracksByDCtx[dataContextID] = entry
}

// PublishByDataContext looks up a publish entry by its transport data
// context id.
func (r *Registry) PublishByDataContext(dataContextID uint64) (*PublishEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pubTracksByDCtx[dataContextID]
	return entry, ok
}

// RecordRecvSubID remembers, for a peer-assigned subscribe id on a track
// this side publishes, which (namespace_hash, name_hash) it names. Used in
// client mode to resolve UNSUBSCRIBE/PUBLISH_DONE arriving for a track
// this side doesn't otherwise index by subscribe id.
func (r *Registry) RecordRecvSubID(subscribeID uint64, hash wire.TrackHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recvSubID[subscribeID] = hash
}

// RecvSubIDTrack resolves a peer-assigned subscribe id back to the track
// hash RecordRecvSubID stored for it.
func (r *Registry) RecvSubIDTrack(subscribeID uint64) (wire.TrackHash, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hash, ok := r.recvSubID[subscribeID]
	return hash, ok
}

// ForgetRecvSubID drops a recv_sub_id entry, e.g. on UNSUBSCRIBE.
func (r *Registry) ForgetRecvSubID(subscribeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recvSubID, subscribeID)
}
