package event

import (
	"github.com/beaconhq/beacon/internal/event/repository"
	"github.com/beaconhq/beacon/internal/event/service"
	"go.uber.org/fx"
)

var Module = fx.Module("event",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
