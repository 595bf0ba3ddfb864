package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/beaconhq/beacon/internal/aggregate"
	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/delivery"
	"github.com/beaconhq/beacon/internal/event"
	"github.com/beaconhq/beacon/internal/guardrail"
	"github.com/beaconhq/beacon/internal/idempotency"
	"github.com/beaconhq/beacon/internal/ingest"
	"github.com/beaconhq/beacon/internal/logger"
	"github.com/beaconhq/beacon/internal/migration"
	"github.com/beaconhq/beacon/internal/ratelimit"
	"github.com/beaconhq/beacon/internal/server"
	"github.com/beaconhq/beacon/internal/telemetry"
	"github.com/beaconhq/beacon/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		telemetry.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,

		event.Module,
		idempotency.Module,
		delivery.Module,
		ratelimit.Module,
		ingest.Module,
		aggregate.Module,
		guardrail.Module,

		server.Module,
	)
	app.Run()
}

// RegisterSnowflake builds the event id generator. The node id keeps ids
// unique across instances; ids stay sortable per node, which the write-order
// cursor relies on.
func RegisterSnowflake() (*snowflake.Node, error) {
	node := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SNOWFLAKE_NODE_ID: %w", err)
		}
		node = parsed
	}
	return snowflake.NewNode(node)
}
