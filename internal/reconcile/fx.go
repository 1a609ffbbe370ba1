package reconcile

import (
	"github.com/freely-hq/agentpay/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(service.New),
)
