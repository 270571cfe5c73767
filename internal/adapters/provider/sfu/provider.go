// Package sfu is a provider backed by a Voice SFU: websocket signaling
// for membership and SDP, pion for media.
package sfu

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceCall/internal/adapters/capture"
	"github.com/dkeye/VoiceCall/internal/adapters/rtc"
	"github.com/dkeye/VoiceCall/internal/app/playback"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

var (
	ErrNotJoined       = errors.New("not joined")
	ErrAlreadyJoined   = errors.New("already joined")
	ErrNotPublished    = errors.New("participant has no published audio")
	ErrUnsupportedKind = errors.New("track cannot be published")
)

const eventBuffer = 256

type Config struct {
	SignalURL   string        `mapstructure:"signal_url"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	// RecordDir enables per-participant Ogg recordings of remote audio.
	RecordDir string `mapstructure:"record_dir"`
}

// Capturer opens local tracks; capture.Devices is the production one.
type Capturer interface {
	Microphone(ctx context.Context, streamID string) (*capture.Track, error)
	Camera(ctx context.Context, streamID string) (*capture.Track, error)
}

type Provider struct {
	cfg      Config
	client   core.ClientConfig
	capturer Capturer
	api      *webrtc.API
	relays   *playback.RelayManager
	events   chan core.ProviderEvent
	dialer   *websocket.Dialer
	logger   zerolog.Logger

	mu      sync.Mutex
	joining bool
	sig     *signalConn
	conn    core.MediaConnection
	cancel  context.CancelFunc
	localID domain.ParticipantID
	channel string
	users   map[domain.ParticipantID]*remoteUser
}

func New(cfg Config, client core.ClientConfig, capturer Capturer) (*Provider, error) {
	if cfg.SignalURL == "" {
		return nil, errors.New("sfu: signal_url is required")
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	api, err := rtc.NewAPI()
	if err != nil {
		return nil, fmt.Errorf("sfu: webrtc api: %w", err)
	}
	return &Provider{
		cfg:      cfg,
		client:   client,
		capturer: capturer,
		api:      api,
		relays:   playback.NewRelayManager(clock.New()),
		events:   make(chan core.ProviderEvent, eventBuffer),
		dialer:   websocket.DefaultDialer,
		logger:   log.With().Str("module", "provider.sfu").Logger(),
		users:    make(map[domain.ParticipantID]*remoteUser),
	}, nil
}

// Factory binds cfg and capturer into a core.ProviderFactory.
func Factory(cfg Config, capturer Capturer) core.ProviderFactory {
	return func(client core.ClientConfig) (core.Provider, error) {
		return New(cfg, client, capturer)
	}
}

func (p *Provider) Events() <-chan core.ProviderEvent { return p.events }

// Join dials the SFU with the uid as client token and enters the room
// named by the channel. Members already present are reported as joined.
func (p *Provider) Join(ctx context.Context, creds domain.Credentials) (domain.ParticipantID, error) {
	p.mu.Lock()
	busy := p.sig != nil || p.joining
	p.joining = !busy
	p.mu.Unlock()
	if busy {
		return "", ErrAlreadyJoined
	}
	defer func() {
		p.mu.Lock()
		p.joining = false
		p.mu.Unlock()
	}()

	uid := creds.UID
	if uid == "" {
		uid = domain.ParticipantID(uuid.NewString())
	}
	logger := p.logger.With().Str("uid", string(uid)).Str("channel", creds.Channel).Logger()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.JoinTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: "ct", Value: url.QueryEscape(string(uid))}).String())
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}
	ws, _, err := p.dialer.DialContext(ctx, p.cfg.SignalURL, header)
	if err != nil {
		return "", fmt.Errorf("dial signal: %w", err)
	}

	// Membership messages that race the room_state reply are dropped by
	// handleSignal until p.sig is set; room_state already includes them.
	sig := newSignalConn(ws, logger)
	go sig.readLoop(p.handleSignal)

	if err := sig.send(joinMsg{Type: "join", Room: creds.Channel, Name: string(uid)}); err != nil {
		_ = sig.close()
		return "", fmt.Errorf("send join: %w", err)
	}
	state, err := sig.await(ctx, "room_state")
	if err != nil {
		_ = sig.close()
		return "", err
	}

	mediaCtx, mediaCancel := context.WithCancel(context.Background())
	conn, err := rtc.NewWebRTCConnection(p.api, rtc.Configuration(p.cfg.ICEServers), string(uid))
	if err != nil {
		mediaCancel()
		_ = sig.close()
		return "", fmt.Errorf("peer connection: %w", err)
	}
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if err := sig.sendCandidate(ci); err != nil {
			logger.Debug().Err(err).Msg("send candidate")
		}
	})
	conn.OnTrack(p.onTrack)
	conn.OnClosed(func() { logger.Info().Msg("media connection closed") })
	if err := conn.Start(mediaCtx); err == nil {
		err = conn.AddRecvTransceiver(webrtc.RTPCodecTypeAudio)
	}
	if err != nil {
		conn.Close()
		mediaCancel()
		_ = sig.close()
		return "", fmt.Errorf("peer connection: %w", err)
	}

	existing := make([]*remoteUser, 0, len(state.Members))
	p.mu.Lock()
	p.sig = sig
	p.conn = conn
	p.cancel = mediaCancel
	p.localID = uid
	p.channel = creds.Channel
	for _, m := range state.Members {
		if id := domain.ParticipantID(m.ID); id != uid {
			existing = append(existing, p.userLocked(id))
		}
	}
	p.mu.Unlock()
	go sig.keepalive(p.cfg.PingPeriod)

	for _, u := range existing {
		p.emit(sig.ctx, core.ProviderEvent{Kind: core.EventUserJoined, User: u})
	}
	logger.Info().Int("members", len(state.Members)).Msg("joined room")
	return uid, nil
}

func (p *Provider) CreateMicrophoneAudioTrack(ctx context.Context) (core.LocalAudioTrack, error) {
	if p.capturer == nil {
		return nil, capture.ErrDeviceUnavailable
	}
	t, err := p.capturer.Microphone(ctx, string(p.local()))
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *Provider) CreateCameraVideoTrack(ctx context.Context) (core.LocalTrack, error) {
	if p.capturer == nil {
		return nil, capture.ErrDeviceUnavailable
	}
	t, err := p.capturer.Camera(ctx, string(p.local()))
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *Provider) local() domain.ParticipantID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localID
}

type trackLocaler interface {
	TrackLocal() webrtc.TrackLocal
}

// Publish adds the tracks to the peer connection and negotiates with the
// SFU as the offerer.
func (p *Provider) Publish(ctx context.Context, tracks ...core.LocalTrack) error {
	p.mu.Lock()
	sig, conn := p.sig, p.conn
	p.mu.Unlock()
	if sig == nil {
		return ErrNotJoined
	}
	for _, t := range tracks {
		tl, ok := t.(trackLocaler)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnsupportedKind, t)
		}
		if _, err := conn.AddLocalTrack(tl.TrackLocal()); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.JoinTimeout)
	defer cancel()
	offer, err := conn.CreateAndSetOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := sig.send(sdpMsg{Type: "offer", SDP: offer.SDP}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	reply, err := sig.await(ctx, "answer")
	if err != nil {
		return err
	}
	if err := conn.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: reply.SDP}); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	p.logger.Info().Int("tracks", len(tracks)).Msg("published")
	return nil
}

// Subscribe checks that the user's audio is flowing; the SFU forwards
// every publisher to every member without an explicit request.
func (p *Provider) Subscribe(_ context.Context, user core.RemoteUser, kind domain.MediaKind) error {
	if kind != domain.MediaAudio {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sig == nil {
		return ErrNotJoined
	}
	u, ok := p.users[user.ID()]
	if !ok || u.AudioTrack() == nil || !p.relays.HasRelay(u.id) {
		return ErrNotPublished
	}
	return nil
}

func (p *Provider) Leave(context.Context) error {
	p.mu.Lock()
	sig, conn, cancel := p.sig, p.conn, p.cancel
	p.sig, p.conn, p.cancel = nil, nil, nil
	p.localID, p.channel = "", ""
	p.users = make(map[domain.ParticipantID]*remoteUser)
	p.mu.Unlock()
	if sig == nil {
		return nil
	}

	p.relays.StopAll()
	if conn != nil {
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	err := sig.close()
	p.logger.Info().Err(err).Msg("left room")
	return err
}

// emit blocks until the session takes the event or the signal closes.
func (p *Provider) emit(ctx context.Context, ev core.ProviderEvent) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
		p.logger.Debug().Str("event", string(ev.Kind)).Msg("event dropped after leave")
	}
}

func (p *Provider) handleSignal(msg inbound) {
	p.mu.Lock()
	sig, conn, self := p.sig, p.conn, p.localID
	p.mu.Unlock()
	if sig == nil {
		return
	}

	switch msg.Type {
	case "member_joined":
		if msg.User == nil || domain.ParticipantID(msg.User.ID) == self {
			return
		}
		p.emit(sig.ctx, core.ProviderEvent{Kind: core.EventUserJoined, User: p.user(domain.ParticipantID(msg.User.ID))})
	case "member_left":
		if msg.User == nil {
			return
		}
		p.onMemberLeft(sig, domain.ParticipantID(msg.User.ID))
	case "offer":
		go p.answer(sig, conn, msg.SDP)
	case "candidate":
		ci := webrtc.ICECandidateInit{Candidate: msg.Candidate, SDPMLineIndex: msg.SDPMLineIndex}
		if msg.SDPMid != "" {
			ci.SDPMid = &msg.SDPMid
		}
		if err := conn.AddICECandidate(ci); err != nil {
			p.logger.Warn().Err(err).Msg("add ice candidate")
		}
	case "pong", "left":
	default:
		p.logger.Debug().Str("type", msg.Type).Msg("unknown signal")
	}
}

// answer handles an SFU-initiated renegotiation.
func (p *Provider) answer(sig *signalConn, conn core.MediaConnection, sdp string) {
	answer, err := conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		p.logger.Error().Err(err).Msg("apply sfu offer")
		return
	}
	if err := sig.send(sdpMsg{Type: "answer", SDP: answer.SDP}); err != nil {
		p.logger.Warn().Err(err).Msg("send answer")
	}
}

func (p *Provider) onMemberLeft(sig *signalConn, id domain.ParticipantID) {
	p.relays.StopRelay(id)
	p.relays.StopRelay(videoRelayID(id))
	p.mu.Lock()
	u, ok := p.users[id]
	if ok {
		delete(p.users, id)
	}
	p.mu.Unlock()
	if !ok {
		u = &remoteUser{id: id}
	}
	u.setAudio(nil)
	p.emit(sig.ctx, core.ProviderEvent{Kind: core.EventUserLeft, User: u})
}

func (p *Provider) user(id domain.ParticipantID) *remoteUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userLocked(id)
}

func (p *Provider) userLocked(id domain.ParticipantID) *remoteUser {
	u, ok := p.users[id]
	if !ok {
		u = &remoteUser{id: id}
		p.users[id] = u
	}
	return u
}
