// Package playback relays remote RTP streams to local sinks and tracks
// the speaker level carried in the RFC 6464 header extension.
package playback

import (
	"context"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/dkeye/VoiceCall/internal/domain"
)

// levelTTL bounds how long a level reading stays valid without packets.
const levelTTL = 500 * time.Millisecond

// silentDBov is the lowest level an RFC 6464 extension can carry.
const silentDBov = 127

// Source is a remote RTP stream. *webrtc.TrackRemote satisfies it.
type Source interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type Relay struct {
	ID  domain.ParticipantID
	Src Source

	// audioLevelID is the negotiated extension id, 0 when absent.
	audioLevelID uint8
	clock        clock.Clock
	level        atomic.Uint32
	levelAt      atomic.Int64
	levelSeen    atomic.Bool

	mu        sync.RWMutex
	outTracks map[string]*OutTrack
	closed    bool

	cancel  context.CancelFunc
	ended   sync.Once
	onEnded func()
	done    chan struct{}
}

func NewRelay(id domain.ParticipantID, src Source, audioLevelID uint8, clk clock.Clock, cancel context.CancelFunc) *Relay {
	r := &Relay{
		ID:           id,
		Src:          src,
		audioLevelID: audioLevelID,
		clock:        clk,
		outTracks:    make(map[string]*OutTrack),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	r.level.Store(silentDBov)
	return r
}

// loop reads RTP packets from the source and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	defer r.end()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, closing sinks")
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended")
			return
		}
		r.observeLevel(pkt)
		r.forward(pkt, logger)
	}
}

func (r *Relay) observeLevel(pkt *rtp.Packet) {
	if r.audioLevelID == 0 {
		return
	}
	raw := pkt.GetExtension(r.audioLevelID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	r.level.Store(uint32(ext.Level))
	r.levelAt.Store(r.clock.Now().UnixNano())
	r.levelSeen.Store(true)
}

// Level converts the last observed dBov reading to a linear 0..1 value.
// Stale readings count as silence.
func (r *Relay) Level() float64 {
	if !r.levelSeen.Load() {
		return 0
	}
	if r.clock.Now().Sub(time.Unix(0, r.levelAt.Load())) > levelTTL {
		return 0
	}
	dbov := r.level.Load()
	if dbov >= silentDBov {
		return 0
	}
	return math.Pow(10, -float64(dbov)/20)
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for name, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, name)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Sink.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("sink", name).
					Msg("relay write RTP error, marking sink as delete")
				ot.MarkDelete()
				dirty = append(dirty, name)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty, logger)
	}
}

func (r *Relay) cleanupDeleted(dirty []string, logger *zerolog.Logger) {
	r.mu.Lock()
	closing := make([]*OutTrack, 0, len(dirty))
	for _, name := range dirty {
		if ot, ok := r.outTracks[name]; ok && ot.GetState() == TrackStateDelete {
			closing = append(closing, ot)
			delete(r.outTracks, name)
		}
	}
	r.mu.Unlock()
	for _, ot := range closing {
		if err := ot.Sink.Close(); err != nil {
			logger.Warn().Err(err).Msg("close sink")
		}
	}
}

// end closes all sinks and fires onEnded once.
func (r *Relay) end() {
	r.ended.Do(func() {
		r.mu.Lock()
		outs := r.outTracks
		r.outTracks = make(map[string]*OutTrack)
		r.closed = true
		onEnded := r.onEnded
		r.mu.Unlock()
		for _, ot := range outs {
			ot.MarkDelete()
			_ = ot.Sink.Close()
		}
		if onEnded != nil {
			onEnded()
		}
	})
}

// stop ends the relay without firing onEnded.
func (r *Relay) stop() {
	r.mu.Lock()
	r.onEnded = nil
	r.mu.Unlock()
	r.cancel()
	r.end()
}

// AddSink attaches a named sink, replacing and closing any sink of the
// same name. It reports false once the relay has ended; the caller then
// still owns the sink.
func (r *Relay) AddSink(name string, sink Sink) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	prev := r.outTracks[name]
	r.outTracks[name] = NewOutTrack(sink)
	r.mu.Unlock()
	if prev != nil {
		prev.MarkDelete()
		_ = prev.Sink.Close()
	}
	return true
}

// MarkSinkDelete detaches a sink; it is closed on the next packet or when
// the relay ends.
func (r *Relay) MarkSinkDelete(name string) {
	if ot, ok := r.outTrack(name); ok {
		ot.MarkDelete()
	}
}

// SetSinkMuted pauses or resumes delivery to a sink.
func (r *Relay) SetSinkMuted(name string, muted bool) {
	ot, ok := r.outTrack(name)
	if !ok || ot.GetState() == TrackStateDelete {
		return
	}
	if muted {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
}

func (r *Relay) outTrack(name string) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[name]
	return ot, ok
}

// Done is closed when the relay loop has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }
