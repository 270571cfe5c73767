// Package call holds the call-session state machine: one logical call
// from join to leave, driven by user intents and by the provider's
// asynchronous event stream.
package call

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

type Options struct {
	Clock          clock.Clock
	TickInterval   time.Duration
	VolumeInterval time.Duration
	// SpeakingThreshold is a volume percentage; above it a track counts as speaking.
	SpeakingThreshold float64
	PublishVideo      bool
	Logger            *zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		Clock:             clock.New(),
		TickInterval:      time.Second,
		VolumeInterval:    100 * time.Millisecond,
		SpeakingThreshold: 10,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.VolumeInterval <= 0 {
		o.VolumeInterval = def.VolumeInterval
	}
	if o.SpeakingThreshold <= 0 {
		o.SpeakingThreshold = def.SpeakingThreshold
	}
	return o
}

// Session owns the call status, the participant registry, the local
// capture tracks and the call timers. Readers get copies via Snapshot.
type Session struct {
	provider core.Provider
	opts     Options
	clock    clock.Clock
	logger   zerolog.Logger

	// transition is the single in-flight slot for Join, Leave and the
	// local track toggles.
	transition chan struct{}

	mu           sync.RWMutex
	status       domain.CallStatus
	channel      string
	localID      domain.ParticipantID
	muted        bool
	cameraOn     bool
	elapsed      int
	volume       float64
	speaking     bool
	lastErr      error
	participants *participants
	audio        core.LocalAudioTrack
	video        core.LocalTrack
	timers       *timers

	notifyMu sync.Mutex
	hooksMu  sync.RWMutex
	hooks    map[uint64]func(core.Snapshot)
	nextHook uint64

	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	dispatchDone chan struct{}
}

// NewSession starts consuming provider events immediately.
func NewSession(provider core.Provider, opts Options) *Session {
	opts = opts.withDefaults()
	logger := log.With().Str("module", "app.call").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		provider:     provider,
		opts:         opts,
		clock:        opts.Clock,
		logger:       logger,
		transition:   make(chan struct{}, 1),
		participants: newParticipants(),
		hooks:        make(map[uint64]func(core.Snapshot)),
		ctx:          ctx,
		cancel:       cancel,
		dispatchDone: make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// acquire waits for the transition slot.
func (s *Session) acquire(ctx context.Context) (func(), error) {
	select {
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	default:
	}
	select {
	case s.transition <- struct{}{}:
		return func() { <-s.transition }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	}
}

// Join connects to the channel, creates and publishes the local tracks.
// The returned error is a *ConnectionError or *ResourceError when the
// provider fails; the session is then in StatusError.
func (s *Session) Join(ctx context.Context, creds domain.Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	if !s.status.CanJoin() {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: join while %s", ErrInvalidTransition, status)
	}
	s.status = domain.StatusConnecting
	s.channel = creds.Channel
	s.lastErr = nil
	s.elapsed = 0
	stale := s.participants.clear()
	s.mu.Unlock()
	stopTracks(stale)
	s.notify()

	logger := s.logger.With().Str("channel", creds.Channel).Logger()
	logger.Info().Msg("joining")

	localID, err := s.provider.Join(ctx, creds)
	if err != nil {
		return s.fail(ctx, &ConnectionError{Op: "join", Err: err}, false)
	}

	audio, err := s.provider.CreateMicrophoneAudioTrack(ctx)
	if err != nil {
		return s.fail(ctx, &ResourceError{Kind: "microphone", Err: err}, true)
	}
	tracks := []core.LocalTrack{audio}

	var video core.LocalTrack
	if s.opts.PublishVideo {
		v, err := s.provider.CreateCameraVideoTrack(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("camera unavailable, publishing audio only")
		} else {
			video = v
			tracks = append(tracks, video)
		}
	}

	if err := s.provider.Publish(ctx, tracks...); err != nil {
		return s.fail(ctx, &ConnectionError{Op: "publish", Err: err}, true, tracks...)
	}

	s.mu.Lock()
	s.status = domain.StatusConnected
	s.localID = localID
	s.audio = audio
	s.video = video
	s.muted = false
	s.cameraOn = video != nil
	s.volume = 0
	s.speaking = false
	s.timers = s.startTimers()
	s.mu.Unlock()
	s.notify()

	logger.Info().Str("uid", string(localID)).Int("tracks", len(tracks)).Msg("joined")
	return nil
}

// fail releases what a join acquired and moves to StatusError.
func (s *Session) fail(ctx context.Context, cause error, joined bool, tracks ...core.LocalTrack) error {
	cleanupCtx := context.WithoutCancel(ctx)
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			s.logger.Warn().Err(&CleanupError{Err: err}).Str("kind", string(t.Kind())).Msg("close track after failed join")
		}
	}
	if joined {
		if err := s.provider.Leave(cleanupCtx); err != nil {
			s.logger.Warn().Err(&CleanupError{Err: err}).Msg("provider leave after failed join")
		}
	}

	s.mu.Lock()
	s.status = domain.StatusError
	s.lastErr = cause
	s.elapsed = 0
	s.localID = ""
	stale := s.participants.clear()
	s.mu.Unlock()
	stopTracks(stale)
	s.notify()

	s.logger.Error().Err(cause).Msg("join failed")
	return cause
}

// Leave ends a connected call. Local state is always reset; failures of
// the external teardown come back as a *CleanupError.
func (s *Session) Leave(ctx context.Context) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.leave(ctx)
}

func (s *Session) leave(ctx context.Context) error {
	s.mu.Lock()
	if s.status != domain.StatusConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.status = domain.StatusDisconnected
	t := s.timers
	s.timers = nil
	audio, video := s.audio, s.video
	s.audio, s.video = nil, nil
	remote := s.participants.clear()
	s.elapsed = 0
	s.volume = 0
	s.speaking = false
	s.muted = false
	s.cameraOn = false
	s.localID = ""
	s.channel = ""
	s.lastErr = nil
	s.mu.Unlock()

	t.stop()
	stopTracks(remote)

	var errs []error
	if audio != nil {
		errs = append(errs, cleanupStep("close microphone", audio.Close()))
	}
	if video != nil {
		errs = append(errs, cleanupStep("close camera", video.Close()))
	}
	errs = append(errs, cleanupStep("provider leave", s.provider.Leave(context.WithoutCancel(ctx))))
	s.notify()

	if err := errors.Join(errs...); err != nil {
		cerr := &CleanupError{Err: err}
		s.logger.Warn().Err(cerr).Msg("left with cleanup errors")
		return cerr
	}
	s.logger.Info().Msg("left")
	return nil
}

// SetMuted flips the local microphone's enabled flag. Without an active
// call it does nothing.
func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = s.setMuted(muted)
	return err
}

// ToggleMute inverts the mute state and returns the new value.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	s.mu.RLock()
	muted := s.muted
	s.mu.RUnlock()
	return s.setMuted(!muted)
}

func (s *Session) setMuted(muted bool) (bool, error) {
	s.mu.RLock()
	audio := s.audio
	active := s.status == domain.StatusConnected && audio != nil
	current := s.muted
	s.mu.RUnlock()
	if !active || current == muted {
		return current, nil
	}
	if err := audio.SetEnabled(!muted); err != nil {
		return current, fmt.Errorf("set microphone enabled: %w", err)
	}
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	s.notify()
	s.logger.Info().Bool("muted", muted).Msg("mute changed")
	return muted, nil
}

// SetCameraEnabled turns the published camera track on or off. Without
// an active call or a camera track it does nothing.
func (s *Session) SetCameraEnabled(ctx context.Context, on bool) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = s.setCamera(on)
	return err
}

// ToggleCamera inverts the camera state and returns the new value.
func (s *Session) ToggleCamera(ctx context.Context) (bool, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	s.mu.RLock()
	on := s.cameraOn
	s.mu.RUnlock()
	return s.setCamera(!on)
}

func (s *Session) setCamera(on bool) (bool, error) {
	s.mu.RLock()
	video := s.video
	active := s.status == domain.StatusConnected && video != nil
	current := s.cameraOn
	s.mu.RUnlock()
	if !active || current == on {
		return current, nil
	}
	if err := video.SetEnabled(on); err != nil {
		return current, fmt.Errorf("set camera enabled: %w", err)
	}
	s.mu.Lock()
	s.cameraOn = on
	s.mu.Unlock()
	s.notify()
	s.logger.Info().Bool("camera_on", on).Msg("camera changed")
	return on, nil
}

// SetRemoteMuted pauses or resumes local playback of one participant.
// The choice sticks to the participant across republishes.
func (s *Session) SetRemoteMuted(id domain.ParticipantID, muted bool) error {
	s.mu.Lock()
	if s.status != domain.StatusConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if !s.participants.setMuted(id, muted) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	s.mu.Unlock()
	s.notify()
	s.logger.Info().Str("uid", string(id)).Bool("muted", muted).Msg("remote playback changed")
	return nil
}

func (s *Session) dispatchLoop() {
	defer close(s.dispatchDone)
	events := s.provider.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.logger.Warn().Msg("provider event stream closed")
				return
			}
			s.HandleEvent(s.ctx, ev)
		}
	}
}

// HandleEvent applies one provider event.
func (s *Session) HandleEvent(ctx context.Context, ev core.ProviderEvent) {
	if ev.User == nil {
		s.logger.Warn().Str("event", string(ev.Kind)).Msg("event without user")
		return
	}
	id := ev.User.ID()
	switch ev.Kind {
	case core.EventUserJoined:
		s.OnRemoteJoined(id)
	case core.EventUserPublished:
		s.OnRemotePublished(ctx, ev.User, ev.Media)
	case core.EventUserUnpublished:
		s.OnRemoteUnpublished(id, ev.Media)
	case core.EventUserLeft:
		s.OnRemoteLeft(id)
	default:
		s.logger.Warn().Str("event", string(ev.Kind)).Msg("unknown provider event")
	}
}

func (s *Session) live() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Live()
}

func (s *Session) OnRemoteJoined(id domain.ParticipantID) {
	s.mu.Lock()
	if !s.status.Live() {
		s.mu.Unlock()
		s.logger.Debug().Str("uid", string(id)).Msg("joined event outside call dropped")
		return
	}
	added := s.participants.join(id)
	s.mu.Unlock()
	if added {
		s.logger.Info().Str("uid", string(id)).Msg("participant joined")
		s.notify()
	}
}

// OnRemotePublished registers the publisher. For audio it subscribes,
// starts playback and attaches the track; a publish may arrive without
// a prior joined event.
func (s *Session) OnRemotePublished(ctx context.Context, user core.RemoteUser, kind domain.MediaKind) {
	id := user.ID()
	if !s.live() {
		s.logger.Debug().Str("uid", string(id)).Msg("published event outside call dropped")
		return
	}
	if kind != domain.MediaAudio {
		s.OnRemoteJoined(id)
		return
	}

	var track core.RemoteAudioTrack
	if err := s.provider.Subscribe(ctx, user, kind); err != nil {
		s.logger.Warn().Err(err).Str("uid", string(id)).Msg("subscribe failed")
	} else if track = user.AudioTrack(); track != nil {
		if err := track.Play(); err != nil {
			s.logger.Warn().Err(err).Str("uid", string(id)).Msg("playback failed")
		}
	}

	s.mu.Lock()
	if !s.status.Live() {
		s.mu.Unlock()
		if track != nil {
			track.Stop()
		}
		return
	}
	var prev core.RemoteAudioTrack
	if track != nil {
		prev = s.participants.attach(id, track)
	} else {
		s.participants.join(id)
	}
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	s.logger.Info().Str("uid", string(id)).Bool("audio", track != nil).Msg("participant published")
	s.notify()
}

// OnRemoteUnpublished detaches the audio track; the participant stays.
func (s *Session) OnRemoteUnpublished(id domain.ParticipantID, kind domain.MediaKind) {
	if kind == domain.MediaVideo {
		return
	}
	s.mu.Lock()
	if !s.participants.has(id) {
		s.mu.Unlock()
		return
	}
	prev := s.participants.detach(id)
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	s.logger.Info().Str("uid", string(id)).Msg("participant unpublished")
	s.notify()
}

func (s *Session) OnRemoteLeft(id domain.ParticipantID) {
	s.mu.Lock()
	track, ok := s.participants.remove(id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if track != nil {
		track.Stop()
	}
	s.logger.Info().Str("uid", string(id)).Msg("participant left")
	s.notify()
}

// SampleVolume polls the local and remote track levels and updates the
// speaking indicators. It does nothing unless connected.
func (s *Session) SampleVolume() {
	s.mu.RLock()
	audio := s.audio
	if s.status != domain.StatusConnected || audio == nil {
		s.mu.RUnlock()
		return
	}
	remote := s.participants.audioTracks()
	s.mu.RUnlock()

	level := toPercent(audio.VolumeLevel())
	speaking := make(map[domain.ParticipantID]bool, len(remote))
	for id, t := range remote {
		speaking[id] = toPercent(t.VolumeLevel()) > s.opts.SpeakingThreshold
	}
	localSpeaking := level > s.opts.SpeakingThreshold

	s.mu.Lock()
	if s.status != domain.StatusConnected {
		s.mu.Unlock()
		return
	}
	changed := math.Round(level) != math.Round(s.volume) || localSpeaking != s.speaking
	s.volume = level
	s.speaking = localSpeaking
	if s.participants.setSpeaking(speaking) {
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Session) tick() {
	s.mu.Lock()
	if s.status != domain.StatusConnected {
		s.mu.Unlock()
		return
	}
	s.elapsed++
	s.mu.Unlock()
	s.notify()
}

func (s *Session) Status() domain.CallStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Snapshot() core.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := core.Snapshot{
		Status:         s.status,
		LocalID:        s.localID,
		Channel:        s.channel,
		Muted:          s.muted,
		CameraOn:       s.cameraOn,
		ElapsedSeconds: s.elapsed,
		Elapsed:        FormatElapsed(s.elapsed),
		VolumeLevel:    math.Round(s.volume),
		Speaking:       s.speaking,
		Participants:   s.participants.snapshot(),
	}
	snap.ParticipantCount = s.participants.len()
	if s.status == domain.StatusConnected {
		snap.ParticipantCount++
	}
	if s.status == domain.StatusError && s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

// OnChange registers fn for every state change. fn runs on the mutating
// goroutine: it must not block or call the session's mutating methods.
func (s *Session) OnChange(fn func(core.Snapshot)) (cancel func()) {
	s.hooksMu.Lock()
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn
	s.hooksMu.Unlock()
	return func() {
		s.hooksMu.Lock()
		delete(s.hooks, id)
		s.hooksMu.Unlock()
	}
}

// Watch is OnChange plus an immediate delivery of the current snapshot,
// ordered with respect to concurrent changes.
func (s *Session) Watch(fn func(core.Snapshot)) (cancel func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	cancel = s.OnChange(fn)
	fn(s.Snapshot())
	return cancel
}

func (s *Session) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	snap := s.Snapshot()
	s.hooksMu.RLock()
	hooks := make([]func(core.Snapshot), 0, len(s.hooks))
	for _, fn := range s.hooks {
		hooks = append(hooks, fn)
	}
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(snap)
	}
}

// Close leaves a connected call and stops event dispatch.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		release, aerr := s.acquire(ctx)
		if aerr != nil {
			err = aerr
		} else {
			if lerr := s.leave(ctx); lerr != nil && !errors.Is(lerr, ErrNotConnected) {
				err = lerr
			}
			release()
		}
		s.cancel()
		<-s.dispatchDone
	})
	return err
}

func stopTracks(tracks []core.RemoteAudioTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}

func toPercent(level float64) float64 {
	return math.Max(0, math.Min(100, level*100))
}
