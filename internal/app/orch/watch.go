package orch

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/core"
)

// Encoder renders a snapshot into a UI frame.
type Encoder func(core.Snapshot) (core.Frame, error)

// Watch pushes the client's current snapshot to conn and then every
// change after it. A slow connection is handled by the Policy.
func (o *Orchestrator) Watch(sid core.SessionID, conn core.SignalConnection, encode Encoder) (func(), error) {
	sess, err := o.session(sid)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	dropped := 0
	push := func(snap core.Snapshot) {
		frame, err := encode(snap)
		if err != nil {
			log.Error().Str("module", "orch").Str("sid", string(sid)).Err(err).Msg("encode snapshot")
			return
		}
		mu.Lock()
		defer mu.Unlock()
		err = conn.TrySend(frame)
		switch {
		case err == nil:
			dropped = 0
		case errors.Is(err, core.ErrBackpressure):
			dropped++
			o.Metrics.SnapshotDropped()
			o.onBackPressure(sid, conn, dropped)
		case errors.Is(err, core.ErrConnClosed):
		default:
			log.Warn().Str("module", "orch").Str("sid", string(sid)).Err(err).Msg("push snapshot")
		}
	}

	return sess.Watch(push), nil
}

func (o *Orchestrator) onBackPressure(sid core.SessionID, conn core.SignalConnection, dropped int) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(sid, dropped) {
	case app.DisconnectWatcher:
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Int("dropped", dropped).Msg("watcher too slow, disconnecting")
		conn.Close()
	case app.DropSnapshot, app.NoAction:
	}
}
