package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/ptt/internal/domain"
	"github.com/dkeye/ptt/internal/protocol"
	"github.com/dkeye/ptt/internal/store"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleSignal(ctx context.Context, sess *storeSession, data []byte) {
	var req protocol.Message
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendJSON(sess, protocol.ErrorResponse(req, protocol.CodeBadRequest, err))
		return
	}
	if req.Type != protocol.TypeRequest {
		log.Warn().Str("module", "signal").Str("type", req.Type).Msg("unknown signal")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, ctl.Opts.OpTimeout)
	defer cancel()

	res, err := ctl.dispatch(opCtx, sess, req)
	if err != nil {
		code := protocol.CodeInternal
		switch {
		case errors.Is(err, store.ErrInvalidPath):
			code = protocol.CodeInvalidPath
		case errors.Is(err, errRateLimited):
			code = protocol.CodeRateLimited
		case errors.Is(err, errBadRequest):
			code = protocol.CodeBadRequest
		}
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sess.sid)).
			Str("op", string(req.Op)).Str("path", req.Path).Msg("request failed")
		ctl.sendJSON(sess, protocol.ErrorResponse(req, code, err))
		return
	}
	ctl.sendJSON(sess, res)
}

var (
	errRateLimited = errors.New("rate limited")
	errBadRequest  = errors.New("bad request")
)

func (ctl *SignalWSController) dispatch(ctx context.Context, sess *storeSession, req protocol.Message) (protocol.Message, error) {
	res := protocol.Response(req)
	st := sess.store

	switch req.Op {
	case protocol.OpGet:
		snap, err := st.Get(ctx, req.Path)
		if err != nil {
			return res, err
		}
		res.Value = snap.Value
	case protocol.OpSet:
		if err := st.Set(ctx, req.Path, req.Value); err != nil {
			return res, err
		}
	case protocol.OpUpdate:
		fields := make(map[string]any, len(req.Fields))
		for k, v := range req.Fields {
			fields[k] = v
		}
		if err := st.Update(ctx, req.Path, fields); err != nil {
			return res, err
		}
	case protocol.OpPush:
		if !ctl.Limiter.Allow(sess.sid) {
			return res, errRateLimited
		}
		key, err := st.Push(ctx, req.Path, req.Value)
		if err != nil {
			return res, err
		}
		res.Key = key
	case protocol.OpCAS:
		ok, stored, err := st.CompareAndSwap(ctx, req.Path, req.Expected, req.Value)
		if err != nil {
			return res, err
		}
		res.Committed = ok
		res.Value = stored
	case protocol.OpSubscribe:
		return res, ctl.handleSubscribe(ctx, sess, req)
	case protocol.OpUnsubscribe:
		sess.dropSub(req.SubID)
	case protocol.OpOnDisconnect:
		return res, ctl.handleOnDisconnect(ctx, sess, req)
	case protocol.OpPing:
		res.ServerTime = domain.Millis(st.ServerNow())
	default:
		return res, fmt.Errorf("%w: unknown op %q", errBadRequest, req.Op)
	}
	return res, nil
}

func (ctl *SignalWSController) handleSubscribe(ctx context.Context, sess *storeSession, req protocol.Message) error {
	if req.SubID == 0 {
		return fmt.Errorf("%w: missing sub_id", errBadRequest)
	}
	subID := req.SubID
	deliver := func(s store.Snapshot) {
		ctl.sendJSON(sess, protocol.Message{
			Type:  protocol.TypeEvent,
			SubID: subID,
			Path:  s.Path,
			Value: s.Value,
		})
	}

	var sub store.Subscription
	var err error
	switch req.Kind {
	case protocol.KindValue:
		sub, err = sess.store.SubscribeValue(ctx, req.Path, deliver)
	case protocol.KindChildAdded:
		sub, err = sess.store.SubscribeChildAdded(ctx, req.Path, deliver)
	default:
		return fmt.Errorf("%w: unknown kind %q", errBadRequest, req.Kind)
	}
	if err != nil {
		return err
	}
	sess.putSub(subID, sub)
	log.Debug().Str("module", "signal").Str("sid", string(sess.sid)).Str("path", req.Path).
		Str("kind", req.Kind).Uint64("sub", subID).Msg("subscribed")
	return nil
}

func (ctl *SignalWSController) handleOnDisconnect(ctx context.Context, sess *storeSession, req protocol.Message) error {
	op := sess.store.OnDisconnect(req.Path)
	switch req.Action {
	case protocol.ActionRemove:
		return op.Remove(ctx)
	case protocol.ActionUpdate:
		fields := make(map[string]any, len(req.Fields))
		for k, v := range req.Fields {
			fields[k] = v
		}
		return op.Update(ctx, fields)
	case protocol.ActionCancel:
		return op.Cancel(ctx)
	}
	return fmt.Errorf("%w: unknown action %q", errBadRequest, req.Action)
}
