package playback

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/dkeye/VoiceCall/internal/domain"
)

const (
	opusSampleRate = 48000
	opusChannels   = 2
)

// Discard drops every packet. It keeps a relay draining its source.
type Discard struct{}

func (Discard) WriteRTP(*rtp.Packet) error { return nil }
func (Discard) Close() error               { return nil }

// Recorder writes a participant's Opus stream to an Ogg file.
type Recorder struct {
	Path string

	mu     sync.Mutex
	w      *oggwriter.OggWriter
	closed bool
}

// NewRecorder creates <dir>/<channel>-<id>-<unix>.ogg.
func NewRecorder(dir, channel string, id domain.ParticipantID, now time.Time) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s-%d.ogg", sanitize(channel), sanitize(string(id)), now.Unix()))
	w, err := oggwriter.New(path, opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	return &Recorder{Path: path, w: w}, nil
}

func (r *Recorder) WriteRTP(pkt *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	return r.w.WriteRTP(pkt)
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.w.Close()
}

// sanitize keeps file names portable; channel names may hold punctuation.
func sanitize(s string) string {
	out := []rune(s)
	for i, c := range out {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			continue
		}
		out[i] = '_'
	}
	return string(out)
}
