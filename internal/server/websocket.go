package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/refine"
	"github.com/MrWong99/refinery/internal/stream"
)

// handleRefineWS runs one refinement per connection. The first text frame
// carries the request; every event is written as its own text frame and the
// socket is closed normally once the run ends. A client that closes the
// socket cancels the run.
func (s *Server) handleRefineWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.maxBody)

	ctx := r.Context()
	log := observe.Logger(ctx)

	var req refine.Request
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		log.Debug("websocket read request failed", "err", err)
		conn.Close(websocket.StatusUnsupportedData, "expected a JSON refine request")
		return
	}

	// CloseRead drains control frames and cancels ctx when the peer goes away.
	ctx, cancel := context.WithCancel(conn.CloseRead(ctx))
	defer cancel()

	run, err := s.refiner.Stream(ctx, req)
	if err != nil {
		reason := "failed to start run"
		if errors.Is(err, refine.ErrInvalidRequest) {
			reason = err.Error()
		}
		_ = wsjson.Write(ctx, conn, stream.Event{Type: stream.TypeStatus, Content: stream.StatusError(reason)})
		conn.Close(websocket.StatusPolicyViolation, truncateReason(reason))
		return
	}

	err = stream.Pump(run.Events, func(ev stream.Event) error {
		return wsjson.Write(ctx, conn, ev)
	}, cancel)
	if err != nil {
		log.Debug("websocket write failed, run cancelled", "run_id", run.ID, "err", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "completed")
}

// truncateReason keeps a close reason within the 123-byte control frame limit.
func truncateReason(s string) string {
	const limit = 123
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
