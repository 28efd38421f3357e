package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/andrey-zotov/ib-console/internal/broker"
	"github.com/andrey-zotov/ib-console/internal/config"
	"github.com/andrey-zotov/ib-console/internal/models"
)

// Loop drives the monitor: it blocks on broker update notifications,
// debounces bursts, and refreshes and renders on each wake-up. Cancelling
// the context stops the loop after one final refresh-and-render pass, so the
// displayed state is never stale at shutdown.
type Loop struct {
	logger      *zap.Logger
	broker      broker.Broker
	engine      *Engine
	waitTimeout time.Duration
	minInterval time.Duration

	// Render is called after every refresh with the current account state.
	Render func(account *models.Account)
}

// NewLoop creates a monitor loop with timing taken from configuration.
func NewLoop(logger *zap.Logger, b broker.Broker, engine *Engine, cfg config.Monitor) *Loop {
	return &Loop{
		logger:      logger,
		broker:      b,
		engine:      engine,
		waitTimeout: time.Duration(cfg.WaitTimeoutSec * float64(time.Second)),
		minInterval: time.Duration(cfg.MinRefreshIntervalSec * float64(time.Second)),
	}
}

// Run blocks until ctx is cancelled. A failed cycle leaves the last good
// state on screen and the loop carries on; transient broker errors are
// expected to heal on a later cycle.
func (l *Loop) Run(ctx context.Context, account *models.Account) {
	l.refreshAndRender(account)
	lastRefresh := time.Now()

	for ctx.Err() == nil {
		// Wait for a broker update, but never refresh more often than the
		// minimum interval: bursty notifications collapse into one refresh.
		for {
			if err := l.broker.WaitForUpdate(l.waitTimeout); err != nil {
				l.logger.Warn("Wait for broker update failed", zap.Error(err))
				// A dead stream fails instantly; keep the wait cadence
				// instead of spinning on the error.
				select {
				case <-ctx.Done():
				case <-time.After(l.waitTimeout):
				}
			}
			if ctx.Err() != nil || time.Since(lastRefresh) > l.minInterval {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		lastRefresh = time.Now()
		l.refreshAndRender(account)
	}

	// final pass on shutdown
	l.refreshAndRender(account)
}

func (l *Loop) refreshAndRender(account *models.Account) {
	if err := l.engine.Refresh(account); err != nil {
		l.logger.Warn("Refresh failed, showing last good state", zap.Error(err))
	}
	if l.Render != nil {
		l.Render(account)
	}
}
