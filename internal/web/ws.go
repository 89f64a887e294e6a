// ABOUTME: Websocket feed endpoint: one viewer connection per open dashboard tab.
// ABOUTME: Wraps the socket as a fan-out sink; broadcast failures detach it.

package web

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lumenlab/roomfeed/internal/fanout"
)

// wsWriteTimeout bounds a single payload write so one stalled viewer
// cannot hold up a broadcast pass.
const wsWriteTimeout = 5 * time.Second

// wsSink adapts a websocket connection to the fan-out sink contract.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, p *fanout.Payload) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, p)
}

// handleWS upgrades the request and registers the viewer with the
// fan-out registry until the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "user_id", user.ID, "error", err)
		return
	}

	viewerID := s.registry.Attach(user.ID, &wsSink{conn: conn})
	defer s.registry.Detach(user.ID, viewerID)

	s.logger.Info("viewer attached", "user_id", user.ID, "viewer_id", viewerID)

	// Make sure the live session is running while someone is watching.
	if user.Linked() {
		if _, err := s.ensureSession(r.Context(), user); err != nil {
			s.logger.Warn("session unavailable for viewer",
				"user_id", user.ID, "error", err)
		}
	}

	// No inbound frames expected; CloseRead surfaces disconnects.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()

	conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("viewer detached", "user_id", user.ID, "viewer_id", viewerID)
}
