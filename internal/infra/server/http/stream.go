package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

const streamWriteTimeout = 5 * time.Second

type streamFrame struct {
	At        time.Time                 `json:"at"`
	Providers []schema.ProtectionStatus `json:"providers"`
}

// streamProtection pushes protection statuses to a dashboard until the client goes away.
func (s *httpServer) streamProtection(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("protection stream accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Client frames are ignored; CloseRead cancels ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.deps.StreamInterval)
	defer ticker.Stop()

	for {
		if err := s.pushStatuses(ctx, conn); err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
				s.log.Debug("protection stream closed", zap.Error(err))
			}
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func (s *httpServer) pushStatuses(ctx context.Context, conn *websocket.Conn) error {
	frame, err := json.Marshal(streamFrame{At: time.Now().UTC(), Providers: s.deps.Protection.Statuses()})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}
