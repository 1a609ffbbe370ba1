package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/freely-hq/agentpay/internal/clock"
	"github.com/freely-hq/agentpay/internal/config"
	"github.com/freely-hq/agentpay/internal/migration"
	"github.com/freely-hq/agentpay/internal/observability"
	"github.com/freely-hq/agentpay/internal/scheduler"
	"github.com/freely-hq/agentpay/internal/server"
	"github.com/freely-hq/agentpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
