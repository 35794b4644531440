package main

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/fuguesync/internal/session"
	"github.com/agentworkforce/fuguesync/internal/syncengine"
)

type pusher interface {
	Snapshot() session.View
	ForcePush(ctx context.Context) (session.PushResult, error)
}

type pushLoop struct {
	target   pusher
	interval time.Duration
	jitter   float64
	timeout  time.Duration
	logger   *zap.Logger
	sample   func() float64
}

// run pushes pending writes every interval, skipping rounds while the
// transports are not online or nothing is pending. It returns when ctx ends.
func (l pushLoop) run(ctx context.Context) {
	if l.interval <= 0 {
		return
	}
	sample := l.sample
	if sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		sample = rng.Float64
	}
	timer := time.NewTimer(jitteredDelay(l.interval, l.jitter, sample()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			l.pushOnce(ctx)
			timer.Reset(jitteredDelay(l.interval, l.jitter, sample()))
		}
	}
}

func (l pushLoop) pushOnce(ctx context.Context) bool {
	view := l.target.Snapshot()
	if view.Transport != syncengine.TransportOnline || view.State.PendingChanges == 0 {
		return false
	}
	pushCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	result, err := l.target.ForcePush(pushCtx)
	if err != nil {
		l.logger.Warn("background push failed", zap.Int("pending", view.State.PendingChanges), zap.Error(err))
		return true
	}
	l.logger.Debug("background push completed", zap.Int("pushed", result.Pushed), zap.Int("acknowledged", result.Acknowledged))
	return true
}

// jitteredDelay spreads base by up to ratio in either direction. sample in
// [0,1] picks the point; 0.5 yields base.
func jitteredDelay(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = min(max(ratio, 0), 1)
	if ratio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+(sample*2-1)*ratio, 0)
	return max(time.Duration(float64(base)*factor), time.Millisecond)
}
