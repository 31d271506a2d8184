package engine

import (
	"context"
	"math/rand"
	"time"
)

// Run performs a pass immediately, then on a jittered interval and whenever
// TriggerSync is called, until ctx ends. Triggers that arrive during a pass
// collapse into one follow-up pass.
func (e *Engine) Run(ctx context.Context, interval time.Duration, jitter float64) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	jitter = clampJitterRatio(jitter)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	e.runPass(ctx)
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Err(ctx.Err()).Msg("sync loop stopping")
			return ctx.Err()
		case <-e.trigger:
			e.runPass(ctx)
		case <-timer.C:
			e.runPass(ctx)
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func (e *Engine) runPass(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, e.passTimeout)
	defer cancel()
	if err := e.SyncNow(passCtx); err != nil {
		e.logger.Debug().Err(err).Msg("sync pass ended with errors")
	}
}

// TriggerSync asks the background loop for a pass without waiting for it.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
