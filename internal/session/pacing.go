package session

import (
	"context"
	"math/rand"
	"time"
)

// PacingConfig bounds the randomized human-like delay applied before every
// send. The delay plus a "composing" presence toggle reduces the chance the
// provider flags the account as automated; it is not a correctness
// requirement.
type PacingConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	Enabled  bool          `yaml:"enabled"`
}

// DefaultPacingConfig returns the default 2-5s pacing window.
func DefaultPacingConfig() PacingConfig {
	return PacingConfig{MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second, Enabled: true}
}

// pacer computes and applies humanized delays. The sleep function is
// injectable so tests run instantly.
type pacer struct {
	cfg   PacingConfig
	sleep func(ctx context.Context, d time.Duration) error
}

func newPacer(cfg PacingConfig) *pacer {
	return &pacer{cfg: cfg, sleep: sleepCtx}
}

// delay picks a random duration within [MinDelay, MaxDelay].
func (p *pacer) delay() time.Duration {
	if !p.cfg.Enabled {
		return 0
	}
	min, max := p.cfg.MinDelay, p.cfg.MaxDelay
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min))) // #nosec G404 -- pacing jitter does not need crypto randomness
}

// wait sleeps for a humanized delay, honoring context cancellation. It holds
// no locks, so one tenant's pacing never blocks another tenant's operations.
func (p *pacer) wait(ctx context.Context) error {
	d := p.delay()
	if d <= 0 {
		return nil
	}
	return p.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
