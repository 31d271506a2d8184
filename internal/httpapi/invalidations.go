package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const (
	invalidationBuffer = 64
	writeTimeout       = 5 * time.Second
)

// Invalidation is one message on the /v1/invalidations stream.
type Invalidation struct {
	Type        string    `json:"type"`
	Collections []string  `json:"collections,omitempty"`
	At          time.Time `json:"at"`
}

// handleInvalidations streams committed collection names to a websocket
// client until it disconnects. A client that falls behind receives a
// "resync" message in place of the dropped batches.
func (s *Server) handleInvalidations(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	events := make(chan []string, invalidationBuffer)
	overflow := make(chan struct{}, 1)
	unsubscribe := s.engine.SubscribeAll(func(collections []string) {
		select {
		case events <- collections:
		default:
			select {
			case overflow <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	// the client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away
	ctx := conn.CloseRead(r.Context())
	if err := writeInvalidation(ctx, conn, Invalidation{Type: "hello", At: time.Now().UTC()}); err != nil {
		return
	}
	s.logger.Debug().Str("correlation_id", correlationID).Msg("invalidation stream opened")

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case collections := <-events:
			if err := writeInvalidation(ctx, conn, Invalidation{Type: "invalidate", Collections: collections, At: time.Now().UTC()}); err != nil {
				s.logger.Debug().Err(err).Msg("invalidation stream write failed")
				return
			}
		case <-overflow:
			if err := writeInvalidation(ctx, conn, Invalidation{Type: "resync", At: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

func writeInvalidation(ctx context.Context, conn *websocket.Conn, msg Invalidation) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
