package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/ptt/internal/app"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Opts.PingPeriod)
	defer func() {
		ticker.Stop()
		// Unblocks the read pump.
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sess *storeSession) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sess.sid)).Msg("readPump closing")
		cancel()
		sess.closeSubs()
		sess.store.Disconnect()
		ctl.Registry.Unbind(sess.sid)
		ctl.Limiter.Forget(sess.sid)
		sess.conn.Close()
	}()

	c := sess.conn.conn
	_ = c.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sess.sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Info().Str("module", "signal").Str("sid", string(sess.sid)).Msg("client closed")
				} else {
					log.Warn().Err(err).Str("module", "signal").Str("sid", string(sess.sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
			ctl.handleSignal(ctx, sess, data)
		}
	}
}

func (ctl *SignalWSController) sendJSON(sess *storeSession, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	err = sess.conn.TrySend(b)
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	action := app.NoAction
	if ctl.Policy != nil {
		action = ctl.Policy.OnBackPressure(sess.sid)
	}
	log.Warn().Str("module", "signal").Str("sid", string(sess.sid)).Str("action", action.String()).Msg("send queue full")
	switch action {
	case app.KickMember:
		ctl.Registry.Cancel(sess.sid)
	case app.NoAction:
		log.Error().Str("module", "signal").Str("sid", string(sess.sid)).Msg("event lost, client view is now stale")
	}
}
