package moqt

import (
	"log/slog"

	"github.com/quicwire/moqt/wire"
)

// ClientConfig configures a Client. Transport must already be connected
// (e.g. via quictransport.Dial); Client only drives the MOQT handshake and
// control loop over it.
type ClientConfig struct {
	ID        string
	Transport Transport
	Log       *slog.Logger

	FetchServer       FetchServer
	OnPublishOffer    func(wire.Publish) SubscribeHandler
	OnGoaway          func(newSessionURI []byte)
	OnRequestsBlocked func(maximumRequestID uint64)
}

// Client is the client-side façade over a Session: applications that only
// need to connect out and subscribe/publish never need to see the
// Transport or Session types directly.
type Client struct {
	*Session
}

// NewClient builds a Client session in the RoleClient position. Call Run to
// perform CLIENT_SETUP/SERVER_SETUP and begin dispatching.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		Session: NewSession(SessionConfig{
			ID:                cfg.ID,
			Transport:         cfg.Transport,
			Role:              RoleClient,
			Log:               cfg.Log,
			FetchServer:       cfg.FetchServer,
			OnPublishOffer:    cfg.OnPublishOffer,
			OnGoaway:          cfg.OnGoaway,
			OnRequestsBlocked: cfg.OnRequestsBlocked,
		}),
	}
}
