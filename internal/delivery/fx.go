package delivery

import (
	"context"
	"os"
	"strings"

	"github.com/beaconhq/beacon/internal/config"
	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
	"github.com/beaconhq/beacon/internal/delivery/dispatch"
	"github.com/beaconhq/beacon/internal/delivery/repository"
	"github.com/beaconhq/beacon/internal/delivery/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRouteTable loads the event → route fan-out from the configured YAML
// file. A missing file yields an empty table: events are stored but nothing
// is enqueued.
func NewRouteTable(cfg config.Config, log *zap.Logger) (*deliverydomain.RouteTable, error) {
	path := strings.TrimSpace(cfg.Worker.RoutesPath)
	if path == "" {
		return deliverydomain.ParseRouteTable(nil)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info("no delivery route table, fan-out disabled", zap.String("path", path))
			return deliverydomain.ParseRouteTable(nil)
		}
		return nil, err
	}
	return deliverydomain.ParseRouteTable(raw)
}

var Module = fx.Module("delivery",
	fx.Provide(
		repository.New,
		NewRouteTable,
		dispatch.NewHTTP,
		worker.NewWorker,
	),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, w *worker.Worker) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go w.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
