package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quicwire/moqt/moqt"
	"github.com/quicwire/moqt/wire"
)

// sendTimeout bounds how long a single forwarded object's SendObject call
// may block a slow downstream session before the hub gives up on it.
const sendTimeout = 5 * time.Second

type trackKey struct {
	namespace string
	name      string
}

func keyFor(ns wire.TrackNamespace, name []byte) trackKey {
	return trackKey{namespace: strings.Join(ns.Strings(), "/"), name: string(name)}
}

// sink is one downstream session's publication of a relayed track.
type sink struct {
	session *moqt.Session
	entry   *moqt.PublishEntry
}

// topic is one relayed track: the full name it was first published under,
// and every downstream session currently receiving its objects.
type topic struct {
	name wire.FullTrackName

	mu    sync.Mutex
	sinks map[string]*sink
}

// hub is a single-hop MOQT relay: every PUBLISH push it accepts from one
// session is fanned out, object by object, to every other currently
// connected session, each of which sees the track published to it under
// its own connection. It deliberately does not chain through another
// relay, or carry a track's objects past this one hop.
type hub struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*moqt.Session
	topics   map[trackKey]*topic
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:      log,
		sessions: make(map[string]*moqt.Session),
		topics:   make(map[trackKey]*topic),
	}
}

// onSession registers a newly accepted session and binds its PUBLISH
// handler to this hub. Intended as a Server's OnSession hook.
func (h *hub) onSession(s *moqt.Session) {
	s.SetOnPublishOffer(func(msg wire.Publish) moqt.SubscribeHandler {
		return h.acceptPublish(s, msg)
	})

	h.mu.Lock()
	h.sessions[s.ID()] = s
	existing := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		existing = append(existing, t)
	}
	h.mu.Unlock()

	for _, t := range existing {
		h.announceTo(t, s)
	}
}

// onSessionClosed drops a disconnected session from every topic it was
// receiving. Intended as a Server's OnSessionClosed hook.
func (h *hub) onSessionClosed(s *moqt.Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID())
	topics := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		delete(t.sinks, s.ID())
		t.mu.Unlock()
	}
}

// acceptPublish accepts an inbound PUBLISH push from source, registers (or
// reuses) the topic it names, and announces that topic to every other
// connected session so they can each receive it as a relayed publication.
func (h *hub) acceptPublish(source *moqt.Session, msg wire.Publish) moqt.SubscribeHandler {
	name := wire.FullTrackName{Namespace: msg.TrackNamespace, Name: msg.TrackName}
	key := keyFor(msg.TrackNamespace, msg.TrackName)

	h.mu.Lock()
	t, ok := h.topics[key]
	if !ok {
		t = &topic{name: name, sinks: make(map[string]*sink)}
		h.topics[key] = t
	}
	peers := make([]*moqt.Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id == source.ID() {
			continue
		}
		peers = append(peers, s)
	}
	h.mu.Unlock()

	for _, s := range peers {
		h.announceTo(t, s)
	}

	h.log.Info("relaying published track",
		"session", source.ID(), "namespace", name.Namespace.Strings(), "name", string(name.Name))

	return &relayHandler{
		BaseSubscribeHandler: moqt.BaseSubscribeHandler{Name: name},
		hub:                  h,
		key:                  key,
	}
}

// announceTo publishes t to s, unless s is already receiving it.
func (h *hub) announceTo(t *topic, s *moqt.Session) {
	t.mu.Lock()
	_, already := t.sinks[s.ID()]
	t.mu.Unlock()
	if already {
		return
	}

	entry, err := s.Publish(&moqt.BasePublishHandler{Name: t.name, Mode: moqt.StreamPerGroup})
	if err != nil {
		h.log.Warn("failed to announce relayed track to session",
			"session", s.ID(), "name", string(t.name.Name), "error", err)
		return
	}

	t.mu.Lock()
	t.sinks[s.ID()] = &sink{session: s, entry: entry}
	t.mu.Unlock()
}

// forward sends one object to every sink currently registered for key.
func (h *hub) forward(key trackKey, headers moqt.ObjectHeaders, payload []byte) {
	h.mu.Lock()
	t := h.topics[key]
	h.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	sinks := make([]*sink, 0, len(t.sinks))
	for _, snk := range t.sinks {
		sinks = append(sinks, snk)
	}
	t.mu.Unlock()

	for _, snk := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_, err := snk.session.SendObject(ctx, snk.entry, headers, payload)
		cancel()
		if err != nil {
			h.log.Debug("forwarding object failed", "session", snk.session.ID(), "error", err)
		}
	}
}

// relayHandler is the SubscribeHandler side of one accepted PUBLISH push:
// it never subscribes anywhere itself, only receives the objects the
// dispatcher decodes off the pushing session's streams/datagrams and hands
// them to the hub to fan out.
type relayHandler struct {
	moqt.BaseSubscribeHandler
	hub *hub
	key trackKey
}

func (r *relayHandler) ObjectReceived(headers moqt.ObjectHeaders, payload []byte) {
	r.hub.forward(r.key, headers, payload)
}
