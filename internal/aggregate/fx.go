package aggregate

import (
	"github.com/freely-hq/agentpay/internal/aggregate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("aggregate",
	fx.Provide(service.New),
)
