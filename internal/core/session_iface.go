package core

import "github.com/dkeye/VoiceCall/internal/domain"

// SessionID identifies a browser client (the "ct" cookie).
type SessionID string

// ParticipantDTO is a read-only view of a remote participant (no track handles).
type ParticipantDTO struct {
	ID       domain.ParticipantID `json:"id"`
	HasAudio bool                 `json:"has_audio"`
	Speaking bool                 `json:"speaking"`
	// Muted is true when local playback of this participant is paused.
	Muted bool `json:"muted"`
	// State is "connected" once audio is attached, "connecting" before.
	State string `json:"state"`
}

// Snapshot is what the presentation layer renders.
type Snapshot struct {
	Status           domain.CallStatus    `json:"status"`
	LocalID          domain.ParticipantID `json:"local_id,omitempty"`
	Channel          string               `json:"channel,omitempty"`
	Muted            bool                 `json:"muted"`
	CameraOn         bool                 `json:"camera_on"`
	ElapsedSeconds   int                  `json:"elapsed_seconds"`
	Elapsed          string               `json:"elapsed"`
	VolumeLevel      float64              `json:"volume_level"`
	Speaking         bool                 `json:"speaking"`
	Participants     []ParticipantDTO     `json:"participants"`
	ParticipantCount int                  `json:"participant_count"`
	Error            string               `json:"error,omitempty"`
}
