package subscription

import (
	"github.com/freely-hq/agentpay/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription",
	fx.Provide(service.New),
)
