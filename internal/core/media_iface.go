package core

import (
	"context"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// LocalTrack is a capture resource owned by the call session.
type LocalTrack interface {
	Kind() domain.MediaKind
	SetEnabled(enabled bool) error
	Enabled() bool
	Close() error
}

type LocalAudioTrack interface {
	LocalTrack
	// VolumeLevel is the instantaneous input level in [0, 1].
	VolumeLevel() float64
}

// RemoteAudioTrack is a subscribed remote audio stream.
type RemoteAudioTrack interface {
	Play() error
	Stop()
	// SetMuted pauses local playback only; the level is still reported.
	SetMuted(muted bool)
	VolumeLevel() float64
}

type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	ApplyAnswer(webrtc.SessionDescription) error
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// AddRecvTransceiver offers to receive media of kind without sending.
	AddRecvTransceiver(kind webrtc.RTPCodecType) error
	// OnClosed sets a callback for cleanup media session.
	OnClosed(func())
}
