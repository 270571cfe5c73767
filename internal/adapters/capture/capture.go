// Package capture opens local microphone and camera tracks and pumps
// their encoded RTP into webrtc local tracks.
package capture

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceCall/internal/domain"
)

const rtpMTU = 1200

var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrTrackClosed       = errors.New("capture track closed")
)

// PacketSource yields encoded RTP. mediadevices.RTPReadCloser satisfies it.
type PacketSource interface {
	Read() ([]*rtp.Packet, func(), error)
	Close() error
}

// Track is a local capture track. Packets read while disabled are dropped,
// so the remote side receives silence or a frozen frame.
type Track struct {
	kind domain.MediaKind
	out  *webrtc.TrackLocalStaticRTP
	src  PacketSource

	enabled atomic.Bool
	closed  atomic.Bool
	level   atomic.Uint64
	sent    atomic.Uint64
	dropped atomic.Uint64

	closeMu sync.Mutex
	closers []func() error
	done    chan struct{}
}

// NewTrack starts pumping src into out. closers run on Close after src.
func NewTrack(kind domain.MediaKind, out *webrtc.TrackLocalStaticRTP, src PacketSource, closers ...func() error) *Track {
	t := &Track{
		kind:    kind,
		out:     out,
		src:     src,
		closers: closers,
		done:    make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t
}

func (t *Track) pump() {
	defer close(t.done)
	for {
		pkts, release, err := t.src.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.closed.Load() {
				log.Warn().Str("module", "capture").Str("kind", string(t.kind)).Err(err).Msg("capture read error")
			}
			return
		}
		if t.enabled.Load() {
			for _, pkt := range pkts {
				if err := t.out.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					log.Warn().Str("module", "capture").Err(err).Msg("write RTP")
				}
			}
			t.sent.Add(uint64(len(pkts)))
		} else {
			t.dropped.Add(uint64(len(pkts)))
		}
		if release != nil {
			release()
		}
	}
}

func (t *Track) Kind() domain.MediaKind { return t.kind }

func (t *Track) SetEnabled(enabled bool) error {
	if t.closed.Load() {
		return ErrTrackClosed
	}
	t.enabled.Store(enabled)
	if !enabled {
		t.SetLevel(0)
	}
	return nil
}

func (t *Track) Enabled() bool { return t.enabled.Load() }

// VolumeLevel is the last metered input level in [0, 1].
func (t *Track) VolumeLevel() float64 {
	if !t.enabled.Load() || t.closed.Load() {
		return 0
	}
	return math.Float64frombits(t.level.Load())
}

func (t *Track) SetLevel(level float64) {
	t.level.Store(math.Float64bits(math.Max(0, math.Min(1, level))))
}

// TrackLocal is what gets added to the peer connection.
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.out }

func (t *Track) Sent() uint64    { return t.sent.Load() }
func (t *Track) Dropped() uint64 { return t.dropped.Load() }

// Close stops the source and waits for the pump to exit.
func (t *Track) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	errs := []error{t.src.Close()}
	<-t.done
	t.closeMu.Lock()
	for _, fn := range t.closers {
		errs = append(errs, fn())
	}
	t.closeMu.Unlock()
	return errors.Join(errs...)
}

// Devices opens tracks on the host's default capture devices. streamID
// labels the outgoing tracks; the SFU uses it as the publisher id.
type Devices struct{}

func (Devices) Microphone(ctx context.Context, streamID string) (*Track, error) {
	return openMicrophone(ctx, streamID)
}

func (Devices) Camera(ctx context.Context, streamID string) (*Track, error) {
	return openCamera(ctx, streamID)
}

// RMSInt16 returns the normalized RMS of 16-bit PCM samples.
func RMSInt16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSFloat32 returns the RMS of float PCM samples in [-1, 1].
func RMSFloat32(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Min(1, math.Sqrt(sum/float64(len(samples))))
}
