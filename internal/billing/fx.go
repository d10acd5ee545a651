package billing

import "go.uber.org/fx"

var Module = fx.Module("billing.processor",
	fx.Provide(NewProcessor),
)
