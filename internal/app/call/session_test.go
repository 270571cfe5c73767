package call

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VoiceCall/internal/adapters/provider/loopback"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

var creds = domain.Credentials{AppID: "app", Channel: "main", UID: "me"}

func newTestSession(t *testing.T, mutate ...func(*Options)) (*Session, *loopback.Provider, *clock.Mock) {
	t.Helper()
	nop := zerolog.Nop()
	mock := clock.NewMock()
	opts := DefaultOptions()
	opts.Clock = mock
	opts.Logger = &nop
	for _, fn := range mutate {
		fn(&opts)
	}
	p := loopback.New(core.DefaultClientConfig())
	s := NewSession(p, opts)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, p, mock
}

func joinOK(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Join(context.Background(), creds))
	require.Equal(t, domain.StatusConnected, s.Status())
}

func TestJoinConnects(t *testing.T) {
	s, p, _ := newTestSession(t)
	var statuses []domain.CallStatus
	s.OnChange(func(snap core.Snapshot) { statuses = append(statuses, snap.Status) })

	joinOK(t, s)

	snap := s.Snapshot()
	assert.Equal(t, domain.ParticipantID("me"), snap.LocalID)
	assert.Equal(t, "main", snap.Channel)
	assert.Equal(t, 1, snap.ParticipantCount)
	assert.Equal(t, "00:00", snap.Elapsed)
	assert.Empty(t, snap.Error)
	assert.Equal(t, []string{"join", "microphone", "publish"}, p.Calls())
	assert.Len(t, p.Published(), 1)
	assert.Equal(t, []domain.CallStatus{domain.StatusConnecting, domain.StatusConnected}, statuses)
}

func TestJoinRejectsInvalidCredentials(t *testing.T) {
	s, p, _ := newTestSession(t)
	err := s.Join(context.Background(), domain.Credentials{AppID: "app"})
	assert.ErrorIs(t, err, domain.ErrChannelEmpty)
	assert.Equal(t, domain.StatusDisconnected, s.Status())
	assert.Empty(t, p.Calls())
}

func TestJoinWhileConnectedIsRejected(t *testing.T) {
	s, _, _ := newTestSession(t)
	joinOK(t, s)
	err := s.Join(context.Background(), creds)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, domain.StatusConnected, s.Status())
}

func TestJoinProviderFailure(t *testing.T) {
	s, p, _ := newTestSession(t)
	p.FailJoin(errors.New("network unreachable"))

	err := s.Join(context.Background(), creds)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "join", cerr.Op)

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusError, snap.Status)
	assert.Contains(t, snap.Error, "network unreachable")
	assert.Equal(t, 0, snap.ParticipantCount)
	assert.NotContains(t, p.Calls(), "leave")

	// error is terminal only until the next join
	p.FailJoin(nil)
	joinOK(t, s)
	assert.Empty(t, s.Snapshot().Error)
}

func TestJoinMicrophoneFailure(t *testing.T) {
	s, p, _ := newTestSession(t)
	p.FailCapture(errors.New("permission denied"))

	err := s.Join(context.Background(), creds)
	var rerr *ResourceError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "microphone", rerr.Kind)
	assert.Equal(t, domain.StatusError, s.Status())
	assert.False(t, p.Joined(), "provider session released")
}

func TestJoinPublishFailureClosesTracks(t *testing.T) {
	s, p, _ := newTestSession(t)
	p.FailPublish(errors.New("ice failed"))

	err := s.Join(context.Background(), creds)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "publish", cerr.Op)
	require.NotNil(t, p.Microphone())
	assert.True(t, p.Microphone().Closed())
	assert.False(t, p.Joined())
}

func TestJoinCameraFailureFallsBackToAudio(t *testing.T) {
	s, p, _ := newTestSession(t, func(o *Options) { o.PublishVideo = true })
	p.FailCamera(errors.New("no camera"))

	joinOK(t, s)
	published := p.Published()
	require.Len(t, published, 1)
	assert.Equal(t, domain.MediaAudio, published[0].Kind())
}

func TestJoinPublishesVideo(t *testing.T) {
	s, p, _ := newTestSession(t, func(o *Options) { o.PublishVideo = true })
	joinOK(t, s)
	assert.Len(t, p.Published(), 2)
}

func TestLeave(t *testing.T) {
	s, p, _ := newTestSession(t)
	joinOK(t, s)
	s.HandleEvent(context.Background(), core.ProviderEvent{Kind: core.EventUserPublished, User: p.User("7"), Media: domain.MediaAudio})
	remote := p.User("7").Track()
	mic := p.Microphone()

	require.NoError(t, s.Leave(context.Background()))

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusDisconnected, snap.Status)
	assert.Empty(t, snap.Participants)
	assert.Equal(t, 0, snap.ParticipantCount)
	assert.Empty(t, snap.LocalID)
	assert.False(t, remote.Playing())
	assert.True(t, mic.Closed())
	assert.False(t, p.Joined())
}

func TestLeaveWhenNotConnected(t *testing.T) {
	s, p, _ := newTestSession(t)
	assert.ErrorIs(t, s.Leave(context.Background()), ErrNotConnected)
	assert.Empty(t, p.Calls())
}

func TestLeaveCleanupFailureStillResets(t *testing.T) {
	s, p, _ := newTestSession(t)
	joinOK(t, s)
	require.NoError(t, s.SetMuted(context.Background(), true))
	s.OnRemoteJoined("7")
	p.FailLeave(errors.New("socket closed"))

	err := s.Leave(context.Background())
	var cerr *CleanupError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Error(), "provider leave")

	snap := s.Snapshot()
	assert.Equal(t, domain.StatusDisconnected, snap.Status)
	assert.False(t, snap.Muted)
	assert.Empty(t, snap.Participants)
	assert.Empty(t, snap.Error)

	p.FailLeave(nil)
	joinOK(t, s)
}

func TestMute(t *testing.T) {
	s, p, _ := newTestSession(t)
	joinOK(t, s)
	mic := p.Microphone()

	require.NoError(t, s.SetMuted(context.Background(), true))
	assert.True(t, s.Snapshot().Muted)
	assert.False(t, mic.Enabled())

	muted, err := s.ToggleMute(context.Background())
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, mic.Enabled())
	assert.False(t, s.Snapshot().Muted)
}

func TestMuteWithoutCallIsNoop(t *testing.T) {
	s, _, _ := newTestSession(t)
	var notified atomic.Int32
	s.OnChange(func(core.Snapshot) { notified.Add(1) })

	require.NoError(t, s.SetMuted(context.Background(), true))
	muted, err := s.ToggleMute(context.Background())
	require.NoError(t, err)
	assert.False(t, muted)
	assert.False(t, s.Snapshot().Muted)
	assert.Zero(t, notified.Load())
}

func TestRemoteLifecycle(t *testing.T) {
	s, p, _ := newTestSession(t)
	joinOK(t, s)

	p.EmitJoined("7")
	require.Eventually(t, func() bool { return len(s.Snapshot().Participants) == 1 }, time.Second, 5*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, "connecting", snap.Participants[0].State)
	assert.Equal(t, 2, snap.ParticipantCount)

	p.EmitPublished("7", domain.MediaAudio)
	require.Eventually(t, func() bool {
		ps := s.Snapshot().Participants
		return len(ps) == 1 && ps[0].HasAudio
	}, time.Second, 5*time.Millisecond)
	track := p.User("7").Track()
	require.NotNil(t, track)
	assert.True(t, track.Playing())
	assert.Equal(t, "connected", s.Snapshot().Participants[0].State)

	p.EmitUnpublished("7", domain.MediaAudio)
	require.Eventually(t, func() bool {
		ps := s.Snapshot().Participants
		return len(ps) == 1 && !ps[0].HasAudio
	}, time.Second, 5*time.Millisecond)
	assert.False(t, track.Playing())

	p.EmitLeft("7")
	require.Eventually(t, func() bool { return len(s.Snapshot().Participants) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Snapshot().ParticipantCount)
}

func TestPublishWithoutJoinedEvent(t *testing.T) {
	s, p, _ := newTestSession(t)
	joinOK(t, s)
	s.HandleEvent(context.Background(), core.ProviderEvent{Kind: core.EventUserPublished, User: p.User("9"), Media: domain.MediaAudio})

	ps := s.Snapshot().Participants
	require.Len(t, ps, 1)
	assert.Equal(t, domain.ParticipantID("9"), ps[0].ID)
	assert.True(t, ps[0].HasAudio)
}

func TestVideoEventsOnlyTrackPresence(t *testing.T) {
	s, p, _ := newTestSession(t)
	joinOK(t, s)
	ctx := context.Background()
	s.HandleEvent(ctx, core.ProviderEvent{Kind: core.EventUserPublished, User: p.User("3"), Media: domain.MediaVideo})
	ps := s.Snapshot().Participants
	require.Len(t, ps, 1)
	assert.False(t, ps[0].HasAudio)

	s.HandleEvent(ctx, core.ProviderEvent{Kind: core.EventUserPublished, User: p.User("3"), Media: domain.MediaAudio})
	s.HandleEvent(ctx, core.ProviderEvent{Kind: core.EventUserUnpublished, User: p.User("3"), Media: domain.MediaVideo})
	assert.True(t, s.Snapshot().Participants[0].HasAudio)
}

func TestRepeatedPublishReplacesTrack(t *testing.T) {
	s, p, _ := newTestSession(t)
	joinOK(t, s)
	ctx := context.Background()
	user := p.User("7")
	s.HandleEvent(ctx, core.ProviderEvent{Kind: core.EventUserPublished, User: user, Media: domain.MediaAudio})
	first := user.Track()
	s.HandleEvent(ctx, core.ProviderEvent{Kind: core.EventUserPublished, User: user, Media: domain.MediaAudio})

	assert.Same(t, first, user.Track())
	assert.Zero(t, first.Stops(), "same track is kept playing")
	assert.Len(t, s.Snapshot().Participants, 1)
}

func TestEventsOutsideCallAreDropped(t *testing.T) {
	s, p, _ := newTestSession(t)
	ctx := context.Background()
	s.HandleEvent(ctx, core.ProviderEvent{Kind: core.EventUserJoined, User: p.User("1")})
	s.HandleEvent(ctx, core.ProviderEvent{Kind: core.EventUserPublished, User: p.User("1"), Media: domain.MediaAudio})
	assert.Empty(t, s.Snapshot().Participants)
	assert.NotContains(t, p.Calls(), "subscribe")

	s.HandleEvent(ctx, core.ProviderEvent{Kind: core.EventUserLeft, User: p.User("1")})
	s.HandleEvent(ctx, core.ProviderEvent{Kind: "user-info-updated", User: p.User("1")})
	s.HandleEvent(ctx, core.ProviderEvent{Kind: core.EventUserJoined})
	assert.Empty(t, s.Snapshot().Participants)
}

func TestUnpublishOrLeaveOfUnknownIsIgnored(t *testing.T) {
	s, _, _ := newTestSession(t)
	joinOK(t, s)
	var notified atomic.Int32
	s.OnChange(func(core.Snapshot) { notified.Add(1) })

	s.OnRemoteUnpublished("ghost", domain.MediaAudio)
	s.OnRemoteLeft("ghost")
	assert.Empty(t, s.Snapshot().Participants)
	assert.Zero(t, notified.Load())
}

func TestElapsedTicksOnlyWhileConnected(t *testing.T) {
	s, _, mock := newTestSession(t)

	mock.Add(time.Second)
	assert.Equal(t, 0, s.Snapshot().ElapsedSeconds)

	joinOK(t, s)
	for i := 1; i <= 3; i++ {
		mock.Add(time.Second)
		want := i
		require.Eventually(t, func() bool { return s.Snapshot().ElapsedSeconds == want }, time.Second, time.Millisecond)
	}
	assert.Equal(t, "00:03", s.Snapshot().Elapsed)

	require.NoError(t, s.Leave(context.Background()))
	mock.Add(2 * time.Second)
	assert.Equal(t, 0, s.Snapshot().ElapsedSeconds)
	assert.Equal(t, "00:00", s.Snapshot().Elapsed)
}

func TestElapsedResetsOnRejoin(t *testing.T) {
	s, _, mock := newTestSession(t)
	joinOK(t, s)
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return s.Snapshot().ElapsedSeconds == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Leave(context.Background()))

	joinOK(t, s)
	assert.Equal(t, 0, s.Snapshot().ElapsedSeconds)
}

func TestSampleVolume(t *testing.T) {
	s, p, _ := newTestSession(t)

	s.SampleVolume()
	assert.Zero(t, s.Snapshot().VolumeLevel)

	joinOK(t, s)
	mic := p.Microphone()

	mic.SetLevel(0.05)
	s.SampleVolume()
	snap := s.Snapshot()
	assert.Equal(t, float64(5), snap.VolumeLevel)
	assert.False(t, snap.Speaking)

	mic.SetLevel(0.5)
	s.SampleVolume()
	snap = s.Snapshot()
	assert.Equal(t, float64(50), snap.VolumeLevel)
	assert.True(t, snap.Speaking)

	require.NoError(t, s.SetMuted(context.Background(), true))
	s.SampleVolume()
	assert.False(t, s.Snapshot().Speaking, "muted track reads silent")
}

func TestSampleVolumeRemoteSpeaking(t *testing.T) {
	s, p, _ := newTestSession(t)
	joinOK(t, s)
	s.HandleEvent(context.Background(), core.ProviderEvent{Kind: core.EventUserPublished, User: p.User("7"), Media: domain.MediaAudio})
	s.OnRemoteJoined("8")

	p.User("7").Track().SetLevel(0.2)
	s.SampleVolume()
	ps := s.Snapshot().Participants
	require.Len(t, ps, 2)
	assert.True(t, ps[0].Speaking)
	assert.False(t, ps[1].Speaking)

	p.User("7").Track().SetLevel(0.01)
	s.SampleVolume()
	assert.False(t, s.Snapshot().Participants[0].Speaking)
}

func TestSampleVolumeNotifiesOnChangeOnly(t *testing.T) {
	s, p, _ := newTestSession(t)
	joinOK(t, s)
	var notified atomic.Int32
	s.OnChange(func(core.Snapshot) { notified.Add(1) })

	p.Microphone().SetLevel(0.3)
	s.SampleVolume()
	s.SampleVolume()
	assert.Equal(t, int32(1), notified.Load())
}

func TestLeaveWaitsForPendingJoin(t *testing.T) {
	s, p, _ := newTestSession(t)
	p.SetJoinDelay(50 * time.Millisecond)

	joined := make(chan error, 1)
	go func() { joined <- s.Join(context.Background(), creds) }()
	require.Eventually(t, func() bool { return s.Status() == domain.StatusConnecting }, time.Second, time.Millisecond)

	require.NoError(t, s.Leave(context.Background()))
	require.NoError(t, <-joined)
	assert.Equal(t, domain.StatusDisconnected, s.Status())
	assert.Equal(t, []string{"join", "microphone", "publish", "leave"}, p.Calls())
}

func TestTransitionWaitHonorsContext(t *testing.T) {
	s, p, _ := newTestSession(t)
	p.SetJoinDelay(200 * time.Millisecond)

	go func() { _ = s.Join(context.Background(), creds) }()
	require.Eventually(t, func() bool { return s.Status() == domain.StatusConnecting }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.SetMuted(ctx, true), context.DeadlineExceeded)
}

func TestJoinCancelled(t *testing.T) {
	s, p, _ := newTestSession(t)
	p.SetJoinDelay(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := s.Join(ctx, creds)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StatusError, s.Status())
}

func TestCloseLeavesAndStops(t *testing.T) {
	s, p, _ := newTestSession(t)
	joinOK(t, s)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, domain.StatusDisconnected, s.Status())
	assert.False(t, p.Joined())

	assert.ErrorIs(t, s.Join(context.Background(), creds), ErrSessionClosed)
	assert.ErrorIs(t, s.Leave(context.Background()), ErrSessionClosed)
	require.NoError(t, s.Close(context.Background()))
}

func TestOnChangeCancel(t *testing.T) {
	s, _, _ := newTestSession(t)
	var notified atomic.Int32
	cancel := s.OnChange(func(core.Snapshot) { notified.Add(1) })
	joinOK(t, s)
	got := notified.Load()
	assert.Positive(t, got)

	cancel()
	require.NoError(t, s.Leave(context.Background()))
	assert.Equal(t, got, notified.Load())
}

// TestRandomEventSequence replays random remote events against a plain
// map model and compares the registry after every step.
func TestRandomEventSequence(t *testing.T) {
	s, p, _ := newTestSession(t)
	joinOK(t, s)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(7))
	ids := []domain.ParticipantID{"1", "2", "3", "4"}
	kinds := []core.EventKind{core.EventUserJoined, core.EventUserPublished, core.EventUserUnpublished, core.EventUserLeft}
	model := map[domain.ParticipantID]bool{}

	for step := 0; step < 500; step++ {
		id := ids[rng.Intn(len(ids))]
		kind := kinds[rng.Intn(len(kinds))]
		media := domain.MediaAudio
		if rng.Intn(4) == 0 {
			media = domain.MediaVideo
		}
		s.HandleEvent(ctx, core.ProviderEvent{Kind: kind, User: p.User(id), Media: media})

		switch kind {
		case core.EventUserJoined:
			if _, ok := model[id]; !ok {
				model[id] = false
			}
		case core.EventUserPublished:
			if media == domain.MediaAudio {
				model[id] = true
			} else if _, ok := model[id]; !ok {
				model[id] = false
			}
		case core.EventUserUnpublished:
			if _, ok := model[id]; ok && media == domain.MediaAudio {
				model[id] = false
			}
		case core.EventUserLeft:
			delete(model, id)
		}

		snap := s.Snapshot()
		require.Len(t, snap.Participants, len(model), "step %d", step)
		require.Equal(t, len(model)+1, snap.ParticipantCount)
		for _, dto := range snap.Participants {
			hasAudio, ok := model[dto.ID]
			require.True(t, ok, "step %d: unexpected %s", step, dto.ID)
			require.Equal(t, hasAudio, dto.HasAudio, "step %d: %s", step, dto.ID)
		}
	}
}

func TestWatchDeliversCurrentSnapshot(t *testing.T) {
	s, _, _ := newTestSession(t)
	joinOK(t, s)
	var got []core.Snapshot
	cancel := s.Watch(func(snap core.Snapshot) { got = append(got, snap) })
	defer cancel()
	require.Len(t, got, 1)
	assert.Equal(t, domain.StatusConnected, got[0].Status)

	require.NoError(t, s.SetMuted(context.Background(), true))
	require.Len(t, got, 2)
	assert.True(t, got[1].Muted)
}

func TestCamera(t *testing.T) {
	s, p, _ := newTestSession(t, func(o *Options) { o.PublishVideo = true })
	var notified atomic.Int32
	s.OnChange(func(core.Snapshot) { notified.Add(1) })
	joinOK(t, s)
	assert.True(t, s.Snapshot().CameraOn)
	camera := p.Published()[1]
	require.Equal(t, domain.MediaVideo, camera.Kind())

	before := notified.Load()
	require.NoError(t, s.SetCameraEnabled(context.Background(), true))
	assert.Equal(t, before, notified.Load(), "no change, no notification")

	require.NoError(t, s.SetCameraEnabled(context.Background(), false))
	assert.False(t, s.Snapshot().CameraOn)
	assert.False(t, camera.Enabled())

	on, err := s.ToggleCamera(context.Background())
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, camera.Enabled())
	assert.True(t, s.Snapshot().CameraOn)

	require.NoError(t, s.Leave(context.Background()))
	assert.False(t, s.Snapshot().CameraOn)
}

func TestCameraWithoutVideoIsNoop(t *testing.T) {
	s, _, _ := newTestSession(t)
	on, err := s.ToggleCamera(context.Background())
	require.NoError(t, err)
	assert.False(t, on)

	joinOK(t, s)
	on, err = s.ToggleCamera(context.Background())
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, s.Snapshot().CameraOn)
}

func TestCameraWaitsForTransitionSlot(t *testing.T) {
	s, p, _ := newTestSession(t, func(o *Options) { o.PublishVideo = true })
	p.SetJoinDelay(200 * time.Millisecond)

	joined := make(chan error, 1)
	go func() { joined <- s.Join(context.Background(), creds) }()
	require.Eventually(t, func() bool { return s.Status() == domain.StatusConnecting }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.SetCameraEnabled(ctx, false), context.DeadlineExceeded)

	require.NoError(t, <-joined)
	on, err := s.ToggleCamera(context.Background())
	require.NoError(t, err)
	assert.False(t, on)
}

func TestRemoteMute(t *testing.T) {
	s, p, _ := newTestSession(t)
	assert.ErrorIs(t, s.SetRemoteMuted("7", true), ErrNotConnected)

	joinOK(t, s)
	ctx := context.Background()
	user := p.User("7")
	s.HandleEvent(ctx, core.ProviderEvent{Kind: core.EventUserPublished, User: user, Media: domain.MediaAudio})
	track := user.Track()

	require.NoError(t, s.SetRemoteMuted("7", true))
	assert.True(t, track.Muted())
	assert.True(t, s.Snapshot().Participants[0].Muted)
	assert.ErrorIs(t, s.SetRemoteMuted("8", true), ErrUnknownParticipant)

	p.EmitUnpublished("7", domain.MediaAudio)
	require.Eventually(t, func() bool { return !s.Snapshot().Participants[0].HasAudio }, time.Second, 5*time.Millisecond)
	p.EmitPublished("7", domain.MediaAudio)
	require.Eventually(t, func() bool { return s.Snapshot().Participants[0].HasAudio }, time.Second, 5*time.Millisecond)
	republished := user.Track()
	require.NotNil(t, republished)
	require.NotSame(t, track, republished)
	assert.True(t, republished.Muted(), "choice survives a republish")

	require.NoError(t, s.SetRemoteMuted("7", false))
	assert.False(t, republished.Muted())
	assert.False(t, s.Snapshot().Participants[0].Muted)
}
