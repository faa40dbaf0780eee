package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/moneycoach/internal/coach"
	"github.com/MrWong99/moneycoach/internal/observe"
)

// Frame types sent to websocket clients.
const (
	FrameMessage = "message"
	FrameState   = "state"
	FrameError   = "error"
)

// Frame is one JSON websocket message from server to client. A turn produces
// one "message" frame per visible message followed by a single "state" frame.
type Frame struct {
	Type         string      `json:"type"`
	Text         string      `json:"text,omitempty"`
	Mode         coach.Mode  `json:"mode,omitempty"`
	Phase        coach.Phase `json:"phase,omitempty"`
	Intervention string      `json:"intervention,omitempty"`
}

// chat upgrades to a websocket. Each client text frame is one user message.
// The session stays alive when the socket closes, until it is ended or
// expires after coach.session_idle_timeout.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.mgr.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBody)

	log := observe.Logger(r.Context()).With("session_id", id)
	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			_ = conn.Close(websocket.StatusUnsupportedData, "text frames only")
			return
		}

		reply, err := s.mgr.Handle(ctx, id, string(data))
		switch {
		case errors.Is(err, coach.ErrSessionNotFound), errors.Is(err, coach.ErrSessionClosed):
			_ = conn.Close(websocket.StatusPolicyViolation, "session ended")
			return
		case err != nil && !errors.Is(err, coach.ErrTurnFailed):
			log.Error("turn failed", "error", err)
			_ = wsjson.Write(ctx, conn, Frame{Type: FrameError, Text: "internal error"})
			continue
		}
		if err := writeReply(ctx, conn, reply); err != nil {
			log.Debug("websocket write failed", "error", err)
			return
		}
	}
}

func writeReply(ctx context.Context, conn *websocket.Conn, r coach.Reply) error {
	for _, m := range r.Messages() {
		if err := wsjson.Write(ctx, conn, Frame{Type: FrameMessage, Text: m}); err != nil {
			return err
		}
	}
	return wsjson.Write(ctx, conn, Frame{
		Type:         FrameState,
		Mode:         r.Mode,
		Phase:        r.Phase,
		Intervention: r.Intervention,
	})
}
