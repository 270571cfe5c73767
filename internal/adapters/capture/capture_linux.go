//go:build linux && cgo

package capture

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceCall/internal/domain"
)

func openMicrophone(_ context.Context, streamID string) (*Track, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track", ErrDeviceUnavailable)
	}
	src := tracks[0]

	out, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	reader, err := src.NewRTPReader(webrtc.MimeTypeOpus, rand.Uint32(), rtpMTU)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	t := NewTrack(domain.MediaAudio, out, reader, src.Close)
	if at, ok := src.(*mediadevices.AudioTrack); ok {
		go meter(t, at.NewReader(false))
	}
	log.Info().Str("module", "capture").Str("track", src.ID()).Msg("microphone opened")
	return t, nil
}

// meter feeds the RMS of every raw chunk into the track level until the
// device stops.
func meter(t *Track, r audio.Reader) {
	for {
		chunk, release, err := r.Read()
		if err != nil {
			return
		}
		var level float64
		switch c := chunk.(type) {
		case *wave.Int16Interleaved:
			level = RMSInt16(c.Data)
		case *wave.Float32Interleaved:
			level = RMSFloat32(c.Data)
		}
		if release != nil {
			release()
		}
		if t.Enabled() {
			t.SetLevel(level)
		}
	}
}

func openCamera(_ context.Context, streamID string) (*Track, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000
	selector := mediadevices.NewCodecSelector(mediadevices.WithVideoEncoders(&vpxParams))

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no video track", ErrDeviceUnavailable)
	}
	src := tracks[0]

	out, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	reader, err := src.NewRTPReader(webrtc.MimeTypeVP8, rand.Uint32(), rtpMTU)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	log.Info().Str("module", "capture").Str("track", src.ID()).Msg("camera opened")
	return NewTrack(domain.MediaVideo, out, reader, src.Close), nil
}
