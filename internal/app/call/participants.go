package call

import (
	"sort"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

type participant struct {
	id       domain.ParticipantID
	audio    core.RemoteAudioTrack
	speaking bool
	// muted is the local playback choice. It outlives republishes.
	muted bool
}

// participants is the remote member registry. It is not threadsafe;
// the session guards it. Methods that drop a track handle return it so
// the caller can release it outside the session lock.
type participants struct {
	byID map[domain.ParticipantID]*participant
}

func newParticipants() *participants {
	return &participants{byID: make(map[domain.ParticipantID]*participant)}
}

// join inserts id if absent and reports whether it was added.
func (r *participants) join(id domain.ParticipantID) bool {
	if _, ok := r.byID[id]; ok {
		return false
	}
	r.byID[id] = &participant{id: id}
	return true
}

// attach sets the audio handle for id, creating the record if needed.
// The replaced handle is returned unless it is the same track.
func (r *participants) attach(id domain.ParticipantID, track core.RemoteAudioTrack) core.RemoteAudioTrack {
	r.join(id)
	p := r.byID[id]
	prev := p.audio
	p.audio = track
	if p.muted {
		track.SetMuted(true)
	}
	if prev == track {
		return nil
	}
	return prev
}

// detach drops the audio handle but keeps the participant.
func (r *participants) detach(id domain.ParticipantID) core.RemoteAudioTrack {
	p, ok := r.byID[id]
	if !ok {
		return nil
	}
	prev := p.audio
	p.audio = nil
	p.speaking = false
	return prev
}

func (r *participants) remove(id domain.ParticipantID) (core.RemoteAudioTrack, bool) {
	p, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	return p.audio, true
}

func (r *participants) clear() []core.RemoteAudioTrack {
	tracks := make([]core.RemoteAudioTrack, 0, len(r.byID))
	for _, p := range r.byID {
		if p.audio != nil {
			tracks = append(tracks, p.audio)
		}
	}
	r.byID = make(map[domain.ParticipantID]*participant)
	return tracks
}

// setMuted records the playback choice for id and applies it to the
// attached track.
func (r *participants) setMuted(id domain.ParticipantID, muted bool) bool {
	p, ok := r.byID[id]
	if !ok {
		return false
	}
	p.muted = muted
	if p.audio != nil {
		p.audio.SetMuted(muted)
	}
	return true
}

func (r *participants) len() int { return len(r.byID) }

func (r *participants) has(id domain.ParticipantID) bool {
	_, ok := r.byID[id]
	return ok
}

// audioTracks returns the attached handles keyed by id.
func (r *participants) audioTracks() map[domain.ParticipantID]core.RemoteAudioTrack {
	out := make(map[domain.ParticipantID]core.RemoteAudioTrack, len(r.byID))
	for id, p := range r.byID {
		if p.audio != nil {
			out[id] = p.audio
		}
	}
	return out
}

// setSpeaking updates the flags and reports whether any changed.
func (r *participants) setSpeaking(speaking map[domain.ParticipantID]bool) bool {
	changed := false
	for id, p := range r.byID {
		s := speaking[id] && p.audio != nil
		if p.speaking != s {
			p.speaking = s
			changed = true
		}
	}
	return changed
}

func (r *participants) snapshot() []core.ParticipantDTO {
	out := make([]core.ParticipantDTO, 0, len(r.byID))
	for _, p := range r.byID {
		state := "connecting"
		if p.audio != nil {
			state = "connected"
		}
		out = append(out, core.ParticipantDTO{
			ID:       p.id,
			HasAudio: p.audio != nil,
			Speaking: p.speaking,
			Muted:    p.muted,
			State:    state,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
