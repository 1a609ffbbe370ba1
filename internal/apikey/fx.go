package apikey

import (
	"github.com/freely-hq/agentpay/internal/apikey/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey",
	fx.Provide(service.New),
)
