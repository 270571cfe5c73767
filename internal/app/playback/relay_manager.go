package playback

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceCall/internal/domain"
)

// RelayManager owns one relay per remote participant.
type RelayManager struct {
	clock clock.Clock

	mu     sync.RWMutex
	relays map[domain.ParticipantID]*Relay
}

func NewRelayManager(clk clock.Clock) *RelayManager {
	if clk == nil {
		clk = clock.New()
	}
	return &RelayManager{
		clock:  clk,
		relays: make(map[domain.ParticipantID]*Relay),
	}
}

// StartRelay creates a relay for the participant and starts its loop.
// onEnded runs once when the source ends. It is not called for a relay
// that is stopped or replaced by a newer one.
func (m *RelayManager) StartRelay(
	ctx context.Context,
	id domain.ParticipantID,
	src Source,
	audioLevelID uint8,
	onEnded func(),
) *Relay {
	logger := log.With().
		Str("module", "playback").
		Str("uid", string(id)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(id, src, audioLevelID, m.clock, cancel)

	m.mu.Lock()
	old, replaced := m.relays[id]
	relay.onEnded = func() {
		m.forget(id, relay)
		if onEnded != nil {
			onEnded()
		}
	}
	m.relays[id] = relay
	m.mu.Unlock()

	if replaced {
		logger.Info().Msg("replacing existing relay")
		old.stop()
	}
	logger.Info().Uint8("audio_level_ext", audioLevelID).Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay
}

func (m *RelayManager) forget(id domain.ParticipantID, relay *Relay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.relays[id] == relay {
		delete(m.relays, id)
	}
}

// StopRelay stops a relay, closes its sinks and removes it from the
// manager. onEnded is not called.
func (m *RelayManager) StopRelay(id domain.ParticipantID) {
	m.mu.Lock()
	relay, ok := m.relays[id]
	if ok {
		delete(m.relays, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.stop()
}

// StopAll stops every relay.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[domain.ParticipantID]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.stop()
	}
}

// HasRelay reports whether a relay exists for id.
func (m *RelayManager) HasRelay(id domain.ParticipantID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[id]
	return ok
}
