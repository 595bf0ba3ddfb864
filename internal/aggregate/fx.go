package aggregate

import (
	"context"
	"os"

	"github.com/beaconhq/beacon/internal/aggregate/consumer"
	aggregatedomain "github.com/beaconhq/beacon/internal/aggregate/domain"
	"github.com/beaconhq/beacon/internal/aggregate/repository"
	"github.com/beaconhq/beacon/internal/aggregate/sample"
	"github.com/beaconhq/beacon/internal/aggregate/service"
	"github.com/beaconhq/beacon/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewCatalog loads the KPI catalog from the configured YAML file. A missing
// file yields an empty catalog: queries 404 and the consumer idles.
func NewCatalog(cfg config.Config, log *zap.Logger) (*aggregatedomain.Catalog, error) {
	path := cfg.Aggregate.CatalogPath
	if path == "" {
		return aggregatedomain.ParseCatalog(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("no kpi catalog, aggregation disabled", zap.String("path", path))
			return aggregatedomain.ParseCatalog(nil)
		}
		return nil, err
	}
	return aggregatedomain.ParseCatalog(raw)
}

func newRegistry(cfg config.Config) *sample.Registry {
	return sample.NewRegistry(cfg.Aggregate.ReservoirCapacity)
}

var Module = fx.Module("aggregate",
	fx.Provide(
		NewCatalog,
		newRegistry,
		repository.New,
		service.NewService,
		consumer.NewConsumer,
	),
	fx.Invoke(runConsumer),
)

func runConsumer(lc fx.Lifecycle, c *consumer.Consumer) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				c.RunForever(ctx)
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
