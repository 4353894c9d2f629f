package jobxpg

import "github.com/Abraxas-365/jobq/pkg/errx"

var pgErrors = errx.NewRegistry("JOBX_PG")

var (
	ErrQuery   = pgErrors.Register("QUERY", errx.TypeExternal, 502, "Postgres query failed")
	ErrMigrate = pgErrors.Register("MIGRATE", errx.TypeInternal, 500, "Failed to migrate job schema")
	ErrNotify  = pgErrors.Register("NOTIFY", errx.TypeExternal, 502, "Postgres notification failed")
	ErrEncode  = pgErrors.Register("ENCODE", errx.TypeInternal, 500, "Failed to encode job event")
)
