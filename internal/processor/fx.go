package processor

import (
	"github.com/freely-hq/agentpay/internal/config"
	processordomain "github.com/freely-hq/agentpay/internal/processor/domain"
	"github.com/freely-hq/agentpay/internal/processor/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("processor",
	fx.Provide(
		func(cfg config.Config, log *zap.Logger) processordomain.Client {
			return stripe.NewClient(cfg, log)
		},
		func(cfg config.Config) processordomain.WebhookVerifier {
			return stripe.NewWebhookVerifier(cfg)
		},
	),
)
