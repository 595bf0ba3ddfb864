package guardrail

import (
	"context"

	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	guardrailconfig "github.com/beaconhq/beacon/internal/guardrail/config"
	"github.com/beaconhq/beacon/internal/guardrail/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newProvider(cfg config.Config, clk clock.Clock, log *zap.Logger) (*guardrailconfig.Provider, error) {
	return guardrailconfig.NewProvider(cfg.Guardrail.Path, clk, log)
}

var Module = fx.Module("guardrail",
	fx.Provide(
		newProvider,
		service.NewService,
	),
	fx.Invoke(runWatcher),
)

// runWatcher hot-reloads guardrail definitions while the app runs, when
// enabled by config.
func runWatcher(lc fx.Lifecycle, cfg config.Config, provider *guardrailconfig.Provider, log *zap.Logger) {
	if !cfg.Guardrail.Watch {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := provider.Watch(ctx); err != nil {
					log.Named("guardrail.watcher").Error("watcher stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
