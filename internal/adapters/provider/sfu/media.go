package sfu

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/VoiceCall/internal/adapters/rtc"
	"github.com/dkeye/VoiceCall/internal/app/playback"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

const playbackSink = "playback"

type remoteUser struct {
	id domain.ParticipantID

	mu    sync.Mutex
	audio *remoteAudio
}

func (u *remoteUser) ID() domain.ParticipantID { return u.id }

func (u *remoteUser) AudioTrack() core.RemoteAudioTrack {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.audio == nil {
		return nil
	}
	return u.audio
}

func (u *remoteUser) setAudio(a *remoteAudio) {
	u.mu.Lock()
	u.audio = a
	u.mu.Unlock()
}

// remoteAudio is one relayed remote stream. Play attaches the playback
// sink; the relay itself drains the track from the moment it arrives.
// A handle only acts on its own relay, so a stale handle left over from
// a republish cannot touch the newer stream.
type remoteAudio struct {
	p       *Provider
	id      domain.ParticipantID
	channel string
	relay   *playback.Relay

	mu    sync.Mutex
	muted bool
}

func (a *remoteAudio) Play() error {
	var sink playback.Sink = playback.Discard{}
	if a.p.cfg.RecordDir != "" {
		rec, err := playback.NewRecorder(a.p.cfg.RecordDir, a.channel, a.id, time.Now())
		if err != nil {
			return err
		}
		sink = rec
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.relay.AddSink(playbackSink, sink) {
		_ = sink.Close()
		return ErrNotPublished
	}
	a.relay.SetSinkMuted(playbackSink, a.muted)
	return nil
}

func (a *remoteAudio) Stop() {
	a.relay.MarkSinkDelete(playbackSink)
}

// SetMuted pauses local playback of the stream. The level keeps updating.
func (a *remoteAudio) SetMuted(muted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muted = muted
	a.relay.SetSinkMuted(playbackSink, muted)
}

func (a *remoteAudio) VolumeLevel() float64 {
	return a.relay.Level()
}

func videoRelayID(id domain.ParticipantID) domain.ParticipantID {
	return id + "/video"
}

// onTrack maps an SFU-forwarded track to its publisher. The SFU labels
// each forwarded stream with the publisher's member id.
func (p *Provider) onTrack(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	id := domain.ParticipantID(track.StreamID())
	if id == "" {
		id = domain.ParticipantID(track.ID())
	}
	kind := domain.MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaVideo
	}
	p.startRemote(ctx, id, kind, track, rtc.AudioLevelExtensionID(receiver))
}

func (p *Provider) startRemote(ctx context.Context, id domain.ParticipantID, kind domain.MediaKind, src playback.Source, audioLevelID uint8) {
	p.mu.Lock()
	sig, channel := p.sig, p.channel
	p.mu.Unlock()
	if sig == nil {
		return
	}
	u := p.user(id)

	if kind == domain.MediaVideo {
		p.relays.StartRelay(ctx, videoRelayID(id), src, 0, func() {
			p.emit(sig.ctx, core.ProviderEvent{Kind: core.EventUserUnpublished, User: u, Media: domain.MediaVideo})
		})
		p.emit(sig.ctx, core.ProviderEvent{Kind: core.EventUserPublished, User: u, Media: domain.MediaVideo})
		return
	}

	audio := &remoteAudio{p: p, id: id, channel: channel}
	var ended atomic.Bool
	audio.relay = p.relays.StartRelay(ctx, id, src, audioLevelID, func() {
		ended.Store(true)
		u.mu.Lock()
		current := u.audio == audio
		if current {
			u.audio = nil
		}
		u.mu.Unlock()
		if current {
			p.emit(sig.ctx, core.ProviderEvent{Kind: core.EventUserUnpublished, User: u, Media: domain.MediaAudio})
		}
	})
	// A relay that ended before the handle was installed is never published.
	u.mu.Lock()
	installed := !ended.Load()
	if installed {
		u.audio = audio
	}
	u.mu.Unlock()
	if installed {
		p.emit(sig.ctx, core.ProviderEvent{Kind: core.EventUserPublished, User: u, Media: domain.MediaAudio})
	}
}
