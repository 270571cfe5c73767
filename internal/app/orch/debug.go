package orch

import (
	"errors"
	"fmt"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

var ErrInjectUnsupported = errors.New("provider does not accept injected events")

// EventInjector is implemented by providers whose remote side can be
// scripted (the loopback provider).
type EventInjector interface {
	EmitJoined(id domain.ParticipantID)
	EmitPublished(id domain.ParticipantID, kind domain.MediaKind)
	EmitUnpublished(id domain.ParticipantID, kind domain.MediaKind)
	EmitLeft(id domain.ParticipantID)
}

type DebugEvent struct {
	Kind  core.EventKind       `json:"kind" binding:"required,oneof=user-joined user-published user-unpublished user-left"`
	User  domain.ParticipantID `json:"uid" binding:"required"`
	Media domain.MediaKind     `json:"media"`
}

// Inject feeds a synthetic remote event into the client's provider.
func (o *Orchestrator) Inject(sid core.SessionID, ev DebugEvent) error {
	if _, err := o.session(sid); err != nil {
		return err
	}
	provider, _ := o.Registry.Provider(sid)
	inj, ok := provider.(EventInjector)
	if !ok {
		return ErrInjectUnsupported
	}
	media := ev.Media
	if media == "" {
		media = domain.MediaAudio
	}
	if !media.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedKind, media)
	}
	switch ev.Kind {
	case core.EventUserJoined:
		inj.EmitJoined(ev.User)
	case core.EventUserPublished:
		inj.EmitPublished(ev.User, media)
	case core.EventUserUnpublished:
		inj.EmitUnpublished(ev.User, media)
	case core.EventUserLeft:
		inj.EmitLeft(ev.User)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}
