package watch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/directory/wire"
)

func (ctl *Controller) writePump(ctx context.Context, c *WsFeedConn) {
	ticker := time.NewTicker(ctl.Settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "watch").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Settings.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "watch").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "watch").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.Settings.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "watch").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, id core.ConnID, c *WsFeedConn) {
	defer func() {
		log.Info().Str("module", "watch").Str("conn", string(id)).Msg("readPump closing")
		ctl.Registry.Cancel(id)
		ctl.Registry.Unbind(id)
		c.Close()
	}()

	wait := ctl.Settings.pongWait()
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "watch").Str("conn", string(id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		ctl.handleFrame(ctx, id, c, data)
	}
}

func (ctl *Controller) handleFrame(ctx context.Context, id core.ConnID, c *WsFeedConn, data []byte) {
	var f wire.ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "watch").Msg("bad json")
		ctl.sendError(id, c, "", wire.Error{Code: wire.CodeBadRequest, Message: "malformed frame"})
		return
	}

	switch f.Type {
	case wire.TypeSubscribe:
		ctl.handleSubscribe(ctx, id, c, f)
	case wire.TypeUnsubscribe:
		ctl.handleUnsubscribe(id, f)
	case wire.TypePing:
		ctl.handlePing(id, c)
	default:
		log.Warn().Str("module", "watch").Str("type", f.Type).Msg("unknown frame")
		ctl.sendError(id, c, f.ID, wire.Error{Code: wire.CodeBadRequest, Message: "unknown frame type " + f.Type})
	}
}

// send queues f and applies the backpressure policy when the buffer is full.
func (ctl *Controller) send(id core.ConnID, c *WsFeedConn, f wire.ServerFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("module", "watch").Msg("send marshal")
		return
	}
	err = c.TrySend(b)
	switch {
	case err == nil:
		ctl.Metrics.Frames.WithLabelValues(f.Type).Inc()
	case errors.Is(err, ErrBackpressure):
		drops := ctl.Registry.RecordDrop(id)
		action := ctl.Policy.OnBackPressure(id, drops)
		ctl.Metrics.Backpressure.WithLabelValues(action.String()).Inc()
		log.Warn().Str("module", "watch").Str("conn", string(id)).Int("drops", drops).Str("action", action.String()).Msg("slow watcher")
		if action == app.Disconnect {
			ctl.Registry.Cancel(id)
		}
	}
}

func (ctl *Controller) sendError(id core.ConnID, c *WsFeedConn, subID string, e wire.Error) {
	ctl.send(id, c, wire.ServerFrame{Type: wire.TypeError, ID: subID, Error: &e})
}
