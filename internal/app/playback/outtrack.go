package playback

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// Sink consumes the relayed RTP of one remote participant.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// OutTrack is one named sink attached to a relay.
type OutTrack struct {
	Sink  Sink
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(sink Sink) *OutTrack {
	return &OutTrack{Sink: sink}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.Store(int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.Store(int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
