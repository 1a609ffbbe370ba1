package ingest

import (
	"github.com/freely-hq/agentpay/internal/ingest/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ingest",
	fx.Provide(service.New),
)
