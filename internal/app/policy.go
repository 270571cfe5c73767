package app

import "github.com/dkeye/VoiceCall/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropSnapshot
	DisconnectWatcher
)

// Policy decides what happens when a UI connection cannot keep up with
// snapshot pushes. dropped counts consecutive drops, including this one.
type Policy interface {
	OnBackPressure(sid core.SessionID, dropped int) BackpressureAction
}

// SimplePolicy drops snapshots until MaxDropped in a row were lost, then
// disconnects the watcher. Zero never disconnects.
type SimplePolicy struct {
	MaxDropped int
}

func (p SimplePolicy) OnBackPressure(_ core.SessionID, dropped int) BackpressureAction {
	if p.MaxDropped > 0 && dropped >= p.MaxDropped {
		return DisconnectWatcher
	}
	return DropSnapshot
}
