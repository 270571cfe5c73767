package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/dkeye/VoiceCall/internal/app"
	"github.com/dkeye/VoiceCall/internal/app/call"
	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
)

type Orchestrator struct {
	Registry  *app.Registry
	Providers core.ProviderFactory
	Client    core.ClientConfig
	Session   call.Options
	Policy    app.Policy
	Metrics   *app.Metrics
	// Defaults fills credential fields the client left empty.
	Defaults domain.Credentials
}

func (o *Orchestrator) session(sid core.SessionID) (*call.Session, error) {
	return o.Registry.GetOrCreate(sid, func() (*call.Session, core.Provider, error) {
		provider, err := o.Providers(o.Client)
		if err != nil {
			return nil, nil, fmt.Errorf("create provider: %w", err)
		}
		opts := o.Session
		logger := log.With().Str("module", "app.call").Str("sid", string(sid)).Logger()
		opts.Logger = &logger
		return call.NewSession(provider, opts), provider, nil
	})
}

func (o *Orchestrator) credentials(c domain.Credentials) domain.Credentials {
	if c.AppID == "" {
		c.AppID = o.Defaults.AppID
	}
	if c.Channel == "" {
		c.Channel = o.Defaults.Channel
		if c.Token == "" {
			c.Token = o.Defaults.Token
		}
	}
	return c
}

func (o *Orchestrator) Join(ctx context.Context, sid core.SessionID, creds domain.Credentials) error {
	sess, err := o.session(sid)
	if err != nil {
		return err
	}
	creds = o.credentials(creds)
	err = sess.Join(ctx, creds)
	o.Metrics.ObserveJoin(err)
	if err != nil {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Err(err).Msg("join rejected")
		return err
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("channel", creds.Channel).Msg("client joined call")
	return nil
}

// Leave ends the client's call. Cleanup failures are logged only: the
// local state is already reset when they surface.
func (o *Orchestrator) Leave(ctx context.Context, sid core.SessionID) error {
	sess, ok := o.Registry.Get(sid)
	if !ok {
		return call.ErrNotConnected
	}
	elapsed := time.Duration(sess.Snapshot().ElapsedSeconds) * time.Second
	err := sess.Leave(ctx)
	var cerr *call.CleanupError
	if errors.As(err, &cerr) {
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Err(cerr).Msg("leave cleanup incomplete")
		err = nil
	}
	if err == nil {
		o.Metrics.ObserveLeave(elapsed)
	}
	return err
}

func (o *Orchestrator) SetMuted(ctx context.Context, sid core.SessionID, muted bool) error {
	sess, ok := o.Registry.Get(sid)
	if !ok {
		return nil
	}
	return sess.SetMuted(ctx, muted)
}

func (o *Orchestrator) ToggleMute(ctx context.Context, sid core.SessionID) (bool, error) {
	sess, ok := o.Registry.Get(sid)
	if !ok {
		return false, nil
	}
	return sess.ToggleMute(ctx)
}

func (o *Orchestrator) SetCameraEnabled(ctx context.Context, sid core.SessionID, on bool) error {
	sess, ok := o.Registry.Get(sid)
	if !ok {
		return nil
	}
	return sess.SetCameraEnabled(ctx, on)
}

func (o *Orchestrator) ToggleCamera(ctx context.Context, sid core.SessionID) (bool, error) {
	sess, ok := o.Registry.Get(sid)
	if !ok {
		return false, nil
	}
	return sess.ToggleCamera(ctx)
}

// SetRemoteMuted pauses local playback of one remote participant.
func (o *Orchestrator) SetRemoteMuted(sid core.SessionID, uid domain.ParticipantID, muted bool) error {
	sess, ok := o.Registry.Get(sid)
	if !ok {
		return call.ErrNotConnected
	}
	return sess.SetRemoteMuted(uid, muted)
}

// Snapshot returns the idle snapshot for clients without a session.
func (o *Orchestrator) Snapshot(sid core.SessionID) core.Snapshot {
	if sess, ok := o.Registry.Get(sid); ok {
		return sess.Snapshot()
	}
	return core.Snapshot{
		Status:       domain.StatusDisconnected,
		Elapsed:      call.FormatElapsed(0),
		Participants: []core.ParticipantDTO{},
	}
}

// OnDisconnect closes the client's session and forgets it.
func (o *Orchestrator) OnDisconnect(ctx context.Context, sid core.SessionID) {
	sess, ok := o.Registry.Unbind(sid)
	if !ok {
		return
	}
	if err := sess.Close(ctx); err != nil {
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Err(err).Msg("close session")
	}
}

// Kick drops the client's UI connection and its call.
func (o *Orchestrator) Kick(ctx context.Context, sid core.SessionID) {
	o.Registry.Cancel(sid)
	o.OnDisconnect(ctx, sid)
}

// Shutdown closes every session in parallel.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	p := pool.New().WithErrors()
	for _, snap := range o.Registry.All() {
		sid := snap.SID
		o.Registry.Cancel(sid)
		p.Go(func() error {
			sess, ok := o.Registry.Unbind(sid)
			if !ok {
				return nil
			}
			if err := sess.Close(ctx); err != nil {
				return fmt.Errorf("close %s: %w", sid, err)
			}
			return nil
		})
	}
	err := p.Wait()
	log.Info().Str("module", "orch").Err(err).Msg("all sessions closed")
	return err
}
