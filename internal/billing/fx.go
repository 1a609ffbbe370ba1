package billing

import (
	"github.com/freely-hq/agentpay/internal/billing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(service.New),
)
