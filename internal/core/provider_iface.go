package core

import (
	"context"

	"github.com/dkeye/VoiceCall/internal/domain"
)

type EventKind string

const (
	EventUserJoined      EventKind = "user-joined"
	EventUserPublished   EventKind = "user-published"
	EventUserUnpublished EventKind = "user-unpublished"
	EventUserLeft        EventKind = "user-left"
)

// RemoteUser is the provider's handle for a remote call member.
// AudioTrack is nil until the user has published audio and was subscribed.
type RemoteUser interface {
	ID() domain.ParticipantID
	AudioTrack() RemoteAudioTrack
}

// ProviderEvent is one asynchronous notification from the provider.
// Media is set for publish/unpublish only.
type ProviderEvent struct {
	Kind  EventKind
	User  RemoteUser
	Media domain.MediaKind
}

// ClientConfig mirrors the provider's createClient options.
type ClientConfig struct {
	Mode  string `mapstructure:"mode"`
	Codec string `mapstructure:"codec"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{Mode: "rtc", Codec: "vp8"}
}

// Provider is the external RTC client. All media capture, transport and
// signaling live behind it; the call session only reacts to its events.
type Provider interface {
	// Join connects to the channel and returns the local participant id.
	Join(ctx context.Context, creds domain.Credentials) (domain.ParticipantID, error)
	CreateMicrophoneAudioTrack(ctx context.Context) (LocalAudioTrack, error)
	CreateCameraVideoTrack(ctx context.Context) (LocalTrack, error)
	Publish(ctx context.Context, tracks ...LocalTrack) error
	Subscribe(ctx context.Context, user RemoteUser, kind domain.MediaKind) error
	Leave(ctx context.Context) error
	// Events delivers notifications in arrival order. The channel lives as
	// long as the provider, across joins.
	Events() <-chan ProviderEvent
}

// ProviderFactory is the createClient entry point of a provider.
type ProviderFactory func(cfg ClientConfig) (Provider, error)
