package loopback

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

var ErrTrackClosed = errors.New("track closed")

// LocalTrack is a synthetic capture track. Its level is set by the test
// or the debug API instead of a device.
type LocalTrack struct {
	kind    domain.MediaKind
	enabled atomic.Bool
	closed  atomic.Bool
	level   atomic.Uint64
}

func newLocalTrack(kind domain.MediaKind) *LocalTrack {
	t := &LocalTrack{kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) Kind() domain.MediaKind { return t.kind }

func (t *LocalTrack) SetEnabled(enabled bool) error {
	if t.closed.Load() {
		return ErrTrackClosed
	}
	t.enabled.Store(enabled)
	return nil
}

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

// VolumeLevel reads 0 while the track is disabled, like a muted device.
func (t *LocalTrack) VolumeLevel() float64 {
	if !t.enabled.Load() || t.closed.Load() {
		return 0
	}
	return math.Float64frombits(t.level.Load())
}

func (t *LocalTrack) SetLevel(level float64) {
	t.level.Store(math.Float64bits(level))
}

func (t *LocalTrack) Close() error {
	if t.closed.Swap(true) {
		return ErrTrackClosed
	}
	return nil
}

func (t *LocalTrack) Closed() bool { return t.closed.Load() }

// RemoteTrack is a synthetic remote audio stream.
type RemoteTrack struct {
	mu      sync.Mutex
	playing bool
	muted   bool
	stopped int
	level   float64
}

func (t *RemoteTrack) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playing = true
	return nil
}

func (t *RemoteTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playing = false
	t.stopped++
}

func (t *RemoteTrack) SetMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

func (t *RemoteTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *RemoteTrack) VolumeLevel() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.playing {
		return 0
	}
	return t.level
}

func (t *RemoteTrack) SetLevel(level float64) {
	t.mu.Lock()
	t.level = level
	t.mu.Unlock()
}

func (t *RemoteTrack) Playing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing
}

// Stops counts Stop calls.
func (t *RemoteTrack) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// User is a remote member handle.
type User struct {
	id    domain.ParticipantID
	mu    sync.Mutex
	audio *RemoteTrack
}

func (u *User) ID() domain.ParticipantID { return u.id }

// AudioTrack is nil until the user published audio and was subscribed.
func (u *User) AudioTrack() core.RemoteAudioTrack {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.audio == nil {
		return nil
	}
	return u.audio
}

func (u *User) Track() *RemoteTrack {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.audio
}
