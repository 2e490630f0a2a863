package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/entropool/entropool/engine/registry"
	"github.com/entropool/entropool/engine/session"
)

// upgrader performs the websocket handshake. The pool is a public surface,
// so cross-origin browsers are allowed to join; the REST CORS policy does
// not apply to websocket handshakes.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWebsocket upgrades the request and hands the connection to a session.
// The session owns the transport from here on: it registers nothing itself,
// but it guarantees the connection is unregistered and closed when it ends,
// no matter how it ends.
func (g *Gateway) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	client, err := registry.NewConnection(
		registry.WithQueueDepth(g.config.QueueDepth),
		registry.WithGracePeriod(g.config.GracePeriod),
	)
	if err != nil {
		g.writeErrorCode(w, http.StatusInternalServerError, errCodeInternal, "could not create connection")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		g.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if err := g.registry.Register(client); err != nil {
		// ids are fresh uuids, a duplicate registration is a bug
		g.log.Err(err).Str("connection_id", client.ID()).Msg("could not register connection")
		_ = conn.Close()
		return
	}

	s := session.New(g.sessionLog, g.config.Session, session.NewWebsocketConnection(conn), client, g.registry, g.states)

	g.sessions.Add(1)
	go func() {
		defer g.sessions.Done()
		s.Run(g.sessionContext())
	}()
}
