package insights

import (
	"github.com/freely-hq/agentpay/internal/insights/service"
	"go.uber.org/fx"
)

var Module = fx.Module("insights",
	fx.Provide(service.New),
)
