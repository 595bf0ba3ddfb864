package idempotency

import (
	"context"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("idempotency",
	fx.Provide(NewStore),
	fx.Invoke(runPurgeLoop),
)

func runPurgeLoop(lc fx.Lifecycle, store *Store) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go store.RunPurgeLoop(ctx, time.Hour)

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
