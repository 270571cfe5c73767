package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceCall/internal/core"
)

func (ctl *SignalWSController) sendError(c core.SignalConnection, op string, err error) {
	ctl.sendJSON(c, errorMsg{Type: "error", Op: op, Code: ErrorCode(err), Error: err.Error()})
}

// handleJoin runs the join off the read loop so that leave and ping
// keep flowing while the provider connects.
func (ctl *SignalWSController) handleJoin(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	var p joinMsg
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendJSON(c, errorMsg{Type: "error", Op: "join", Error: "bad_payload"})
		return
	}
	if !ctl.Limiter.Allow(sid) {
		ctl.sendError(c, "join", ErrRateLimited)
		return
	}
	go func() {
		if err := ctl.Orch.Join(ctx, sid, p.Credentials); err != nil {
			ctl.sendError(c, "join", err)
		}
	}()
}

func (ctl *SignalWSController) handleLeave(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	go func() {
		before := ctl.Orch.Snapshot(sid)
		if err := ctl.Orch.Leave(ctx, sid); err != nil {
			ctl.sendError(c, "leave", err)
			return
		}
		ctl.sendJSON(c, callEndedMsg{Type: "call_ended", Channel: before.Channel, Elapsed: before.Elapsed})
	}()
}

func (ctl *SignalWSController) handleMute(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	var p muteMsg
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendJSON(c, errorMsg{Type: "error", Op: "mute", Error: "bad_payload"})
		return
	}
	if err := ctl.Orch.SetMuted(ctx, sid, p.Muted); err != nil {
		ctl.sendError(c, "mute", err)
	}
}

func (ctl *SignalWSController) handleToggleMute(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	if _, err := ctl.Orch.ToggleMute(ctx, sid); err != nil {
		ctl.sendError(c, "toggle_mute", err)
	}
}

func (ctl *SignalWSController) handleCamera(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	var p cameraMsg
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendJSON(c, errorMsg{Type: "error", Op: "camera", Error: "bad_payload"})
		return
	}
	if err := ctl.Orch.SetCameraEnabled(ctx, sid, p.Enabled); err != nil {
		ctl.sendError(c, "camera", err)
	}
}

func (ctl *SignalWSController) handleToggleCamera(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	if _, err := ctl.Orch.ToggleCamera(ctx, sid); err != nil {
		ctl.sendError(c, "toggle_camera", err)
	}
}

func (ctl *SignalWSController) handleMuteRemote(sid core.SessionID, c *WsSignalConn, data []byte) {
	var p muteRemoteMsg
	if err := json.Unmarshal(data, &p); err != nil || p.UID == "" {
		ctl.sendJSON(c, errorMsg{Type: "error", Op: "mute_remote", Error: "bad_payload"})
		return
	}
	if err := ctl.Orch.SetRemoteMuted(sid, p.UID, p.Muted); err != nil {
		ctl.sendError(c, "mute_remote", err)
	}
}

func (ctl *SignalWSController) handleState(sid core.SessionID, c *WsSignalConn) {
	frame, err := EncodeSnapshot(ctl.Orch.Snapshot(sid))
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode snapshot")
		return
	}
	_ = c.TrySend(frame)
}

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, typeMsg{Type: "pong"})
}
