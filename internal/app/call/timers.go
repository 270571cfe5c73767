package call

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc"
)

// timers runs the elapsed counter and the volume poll of a connected call.
type timers struct {
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// startTimers creates the tickers before returning so that no tick is
// lost to goroutine start-up.
func (s *Session) startTimers() *timers {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &timers{cancel: cancel}
	elapsed := s.clock.Ticker(s.opts.TickInterval)
	volume := s.clock.Ticker(s.opts.VolumeInterval)
	t.wg.Go(func() { runTicker(ctx, elapsed, s.tick) })
	t.wg.Go(func() { runTicker(ctx, volume, s.SampleVolume) })
	return t
}

func runTicker(ctx context.Context, tk *clock.Ticker, fn func()) {
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			fn()
		}
	}
}

// stop cancels both tickers and waits for their goroutines.
func (t *timers) stop() {
	if t == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
}
