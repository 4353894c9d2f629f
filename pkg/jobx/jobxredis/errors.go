package jobxredis

import "github.com/Abraxas-365/jobq/pkg/errx"

var redisErrors = errx.NewRegistry("JOBX_REDIS")

var (
	ErrCommand = redisErrors.Register("COMMAND", errx.TypeExternal, 502, "Redis command failed")
	ErrPublish = redisErrors.Register("PUBLISH", errx.TypeExternal, 502, "Redis publish failed")
	ErrDecode  = redisErrors.Register("DECODE", errx.TypeInternal, 500, "Corrupt job record in Redis")
	ErrEncode  = redisErrors.Register("ENCODE", errx.TypeInternal, 500, "Failed to encode job event")
)
