// Package loopback is an in-memory provider. Remote members are scripted
// through Emit*; failures and latency are injectable. It backs the demo
// mode and the call session tests.
package loopback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

var (
	ErrNotJoined     = errors.New("not joined")
	ErrAlreadyJoined = errors.New("already joined")
	ErrUnknownUser   = errors.New("unknown remote user")
)

const eventBuffer = 256

type Provider struct {
	cfg    core.ClientConfig
	events chan core.ProviderEvent

	mu         sync.Mutex
	joined     bool
	channel    string
	localID    domain.ParticipantID
	joinDelay  time.Duration
	joinErr    error
	captureErr error
	cameraErr  error
	publishErr error
	leaveErr   error
	published  []core.LocalTrack
	microphone *LocalTrack
	users      map[domain.ParticipantID]*User
	calls      []string
}

func New(cfg core.ClientConfig) *Provider {
	return &Provider{
		cfg:    cfg,
		events: make(chan core.ProviderEvent, eventBuffer),
		users:  make(map[domain.ParticipantID]*User),
	}
}

// Factory satisfies core.ProviderFactory.
func Factory(cfg core.ClientConfig) (core.Provider, error) {
	return New(cfg), nil
}

func (p *Provider) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *Provider) Join(ctx context.Context, creds domain.Credentials) (domain.ParticipantID, error) {
	p.mu.Lock()
	delay := p.joinDelay
	p.record("join")
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.joinErr != nil {
		return "", p.joinErr
	}
	if p.joined {
		return "", ErrAlreadyJoined
	}
	id := creds.UID
	if id == "" {
		id = domain.ParticipantID(uuid.NewString())
	}
	p.joined = true
	p.channel = creds.Channel
	p.localID = id
	log.Debug().Str("module", "provider.loopback").Str("channel", creds.Channel).Str("uid", string(id)).Msg("joined")
	return id, nil
}

func (p *Provider) CreateMicrophoneAudioTrack(context.Context) (core.LocalAudioTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("microphone")
	if p.captureErr != nil {
		return nil, p.captureErr
	}
	p.microphone = newLocalTrack(domain.MediaAudio)
	return p.microphone, nil
}

func (p *Provider) CreateCameraVideoTrack(context.Context) (core.LocalTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("camera")
	if p.cameraErr != nil {
		return nil, p.cameraErr
	}
	return newLocalTrack(domain.MediaVideo), nil
}

func (p *Provider) Publish(_ context.Context, tracks ...core.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("publish")
	if !p.joined {
		return ErrNotJoined
	}
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, tracks...)
	return nil
}

// Subscribe hands the user a remote audio track.
func (p *Provider) Subscribe(_ context.Context, user core.RemoteUser, kind domain.MediaKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("subscribe")
	if !p.joined {
		return ErrNotJoined
	}
	u, ok := p.users[user.ID()]
	if !ok {
		return ErrUnknownUser
	}
	if kind == domain.MediaAudio {
		u.mu.Lock()
		if u.audio == nil {
			u.audio = &RemoteTrack{}
		}
		u.mu.Unlock()
	}
	return nil
}

func (p *Provider) Leave(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("leave")
	p.joined = false
	p.published = nil
	p.microphone = nil
	p.users = make(map[domain.ParticipantID]*User)
	return p.leaveErr
}

func (p *Provider) Events() <-chan core.ProviderEvent { return p.events }

func (p *Provider) user(id domain.ParticipantID) *User {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[id]
	if !ok {
		u = &User{id: id}
		p.users[id] = u
	}
	return u
}

func (p *Provider) emit(ev core.ProviderEvent) {
	p.events <- ev
}

func (p *Provider) EmitJoined(id domain.ParticipantID) {
	p.emit(core.ProviderEvent{Kind: core.EventUserJoined, User: p.user(id)})
}

func (p *Provider) EmitPublished(id domain.ParticipantID, kind domain.MediaKind) {
	p.emit(core.ProviderEvent{Kind: core.EventUserPublished, User: p.user(id), Media: kind})
}

// EmitUnpublished also drops the user's audio track, as the provider does.
func (p *Provider) EmitUnpublished(id domain.ParticipantID, kind domain.MediaKind) {
	u := p.user(id)
	if kind == domain.MediaAudio {
		u.mu.Lock()
		u.audio = nil
		u.mu.Unlock()
	}
	p.emit(core.ProviderEvent{Kind: core.EventUserUnpublished, User: u, Media: kind})
}

func (p *Provider) EmitLeft(id domain.ParticipantID) {
	u := p.user(id)
	p.mu.Lock()
	delete(p.users, id)
	p.mu.Unlock()
	p.emit(core.ProviderEvent{Kind: core.EventUserLeft, User: u})
}

// User returns the remote handle for id, creating it if needed. Tests use
// it to feed events straight into a session.
func (p *Provider) User(id domain.ParticipantID) *User { return p.user(id) }

func (p *Provider) FailJoin(err error) {
	p.mu.Lock()
	p.joinErr = err
	p.mu.Unlock()
}

func (p *Provider) FailCapture(err error) {
	p.mu.Lock()
	p.captureErr = err
	p.mu.Unlock()
}

func (p *Provider) FailCamera(err error) {
	p.mu.Lock()
	p.cameraErr = err
	p.mu.Unlock()
}

func (p *Provider) FailPublish(err error) {
	p.mu.Lock()
	p.publishErr = err
	p.mu.Unlock()
}

func (p *Provider) FailLeave(err error) {
	p.mu.Lock()
	p.leaveErr = err
	p.mu.Unlock()
}

func (p *Provider) SetJoinDelay(d time.Duration) {
	p.mu.Lock()
	p.joinDelay = d
	p.mu.Unlock()
}

// Microphone is the last created local audio track.
func (p *Provider) Microphone() *LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.microphone
}

func (p *Provider) Joined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

func (p *Provider) Published() []core.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.LocalTrack(nil), p.published...)
}

// Calls lists the provider operations in invocation order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}
