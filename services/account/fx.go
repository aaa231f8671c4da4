package account

import "go.uber.org/fx"

var Module = fx.Module("account.service",
	fx.Provide(
		NewProcedures,
		NewReader,
	),
)
