package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/VoiceCall/internal/app/call"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

type joinMsg struct {
	Type string `json:"type"`
	domain.Credentials
}

type muteMsg struct {
	Type  string `json:"type"`
	Muted bool   `json:"muted"`
}

type cameraMsg struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type muteRemoteMsg struct {
	Type  string               `json:"type"`
	UID   domain.ParticipantID `json:"uid"`
	Muted bool                 `json:"muted"`
}

type snapshotMsg struct {
	Type string `json:"type"`
	core.Snapshot
}

type errorMsg struct {
	Type  string `json:"type"`
	Op    string `json:"op,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type callEndedMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Elapsed string `json:"elapsed"`
}

type typeMsg struct {
	Type string `json:"type"`
}

// EncodeSnapshot renders a snapshot as a "snapshot" message.
func EncodeSnapshot(s core.Snapshot) (core.Frame, error) {
	return json.Marshal(snapshotMsg{Type: "snapshot", Snapshot: s})
}

// ErrorCode names err for clients.
func ErrorCode(err error) string {
	var (
		connErr *call.ConnectionError
		resErr  *call.ResourceError
	)
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, call.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, call.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, call.ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, call.ErrSessionClosed):
		return "session_closed"
	case errors.As(err, &resErr):
		return "device_unavailable"
	case errors.As(err, &connErr):
		return "connection_failed"
	default:
		return "internal"
	}
}
