package moqt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/quicwire/moqt/wire"
)

// AcceptFunc accepts the next inbound connection and returns a Transport
// for it, blocking until one arrives or ctx is cancelled. A quictransport
// Listener's Accept is adapted to this signature by the caller, since its
// concrete *Transport return type doesn't itself satisfy the interface.
type AcceptFunc func(ctx context.Context) (Transport, error)

// ServerConfig configures a Server.
type ServerConfig struct {
	Accept AcceptFunc
	Log    *slog.Logger

	FetchServer       FetchServer
	OnPublishOffer    func(wire.Publish) SubscribeHandler
	OnGoaway          func(newSessionURI []byte)
	OnRequestsBlocked func(maximumRequestID uint64)

	// OnSession, if set, is called with each newly accepted Session before
	// it starts dispatching, so the application can register it (e.g. to
	// route an inbound PUBLISH to the right destination) before traffic
	// arrives.
	OnSession func(*Session)

	// OnSessionClosed, if set, is called once a Session's Run has returned,
	// after it has been removed from Sessions, so the application can drop
	// any per-session state OnSession registered.
	OnSessionClosed func(*Session)
}

// Server accepts inbound Transport connections and runs one Session per
// connection, in the RoleServer position, until its context is cancelled.
// Applications drive it through Client/Server and never see the Transport
// or accept-loop machinery directly.
type Server struct {
	cfg ServerConfig
	log *slog.Logger

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer builds a Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Sessions returns the currently connected sessions, keyed by ID.
func (s *Server) Sessions() map[string]*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Session, len(s.sessions))
	for k, v := range s.sessions {
		out[k] = v
	}
	return out
}

// Run accepts connections until ctx is cancelled or Accept returns a
// non-context error, running each accepted Session to completion in its
// own goroutine. A single session's failure never stops the accept loop or
// other sessions; Run only returns once every session goroutine has
// returned.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for {
		transport, err := s.cfg.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return g.Wait()
			}
			_ = g.Wait()
			return fmt.Errorf("moqt: accept: %w", err)
		}

		session := s.newSession(transport)
		g.Go(func() error {
			defer func() {
				s.removeSession(session)
				if s.cfg.OnSessionClosed != nil {
					s.cfg.OnSessionClosed(session)
				}
			}()
			if s.cfg.OnSession != nil {
				s.cfg.OnSession(session)
			}
			if err := session.Run(gctx); err != nil {
				s.log.Debug("session ended", "session", session.ID(), "error", err)
			}
			return nil
		})
	}
}

func (s *Server) newSession(transport Transport) *Session {
	id := fmt.Sprintf("server-%d", s.nextID.Add(1))
	session := NewSession(SessionConfig{
		ID:                id,
		Transport:         transport,
		Role:              RoleServer,
		Log:               s.log,
		FetchServer:       s.cfg.FetchServer,
		OnPublishOffer:    s.cfg.OnPublishOffer,
		OnGoaway:          s.cfg.OnGoaway,
		OnRequestsBlocked: s.cfg.OnRequestsBlocked,
	})

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	return session
}

func (s *Server) removeSession(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID())
	s.mu.Unlock()
}
