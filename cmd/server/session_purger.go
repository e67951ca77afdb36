package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sessionPurger is the slice of the session manager the purge worker needs.
type sessionPurger interface {
	PurgeExpired() error
}

// purgeTicker abstracts time.Ticker so tests can drive ticks by hand.
type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type clockTicker struct {
	ticker *time.Ticker
}

func (t clockTicker) C() <-chan time.Time { return t.ticker.C }

func (t clockTicker) Stop() { t.ticker.Stop() }

type tickerFactory func(time.Duration) purgeTicker

// startSessionPurgeWorker sweeps expired sessions out of the store on a fixed
// interval, so long-running deployments do not accumulate dead rows. The
// returned stop function blocks until the worker has exited and is safe to
// call more than once.
func startSessionPurgeWorker(ctx context.Context, logger *slog.Logger, sessions sessionPurger, interval time.Duration) func() {
	return startSessionPurgeWorkerWithTicker(ctx, logger, sessions, interval, func(d time.Duration) purgeTicker {
		return clockTicker{ticker: time.NewTicker(d)}
	})
}

func startSessionPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sessions sessionPurger,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sessions == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				// A failed sweep is retried on the next tick; the worker
				// itself never dies.
				if err := sessions.PurgeExpired(); err != nil {
					if logger != nil {
						logger.Error("session purge failed", "error", err)
					}
					continue
				}
				if logger != nil {
					logger.Debug("expired sessions purged")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
