package jobxhttp

import (
	"github.com/Abraxas-365/jobq/pkg/errx"
	"github.com/Abraxas-365/jobq/pkg/logx"
	"github.com/gofiber/fiber/v2"
)

var httpErrors = errx.NewRegistry("JOBX_HTTP")

var (
	ErrInvalidBody  = httpErrors.Register("INVALID_BODY", errx.TypeValidation, fiber.StatusBadRequest, "Request body is not a valid job")
	ErrInvalidQuery = httpErrors.Register("INVALID_QUERY", errx.TypeValidation, fiber.StatusBadRequest, "Invalid query parameter")
)

// ErrorHandler converts handler errors into JSON responses. errx errors keep
// their code, type and details; anything else is a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	fields := logx.Fields{
		"path":       c.Path(),
		"method":     c.Method(),
		"request_id": c.Get(fiber.HeaderXRequestID),
	}

	if e, ok := err.(*fiber.Error); ok {
		return c.Status(e.Code).JSON(fiber.Map{
			"error":  e.Message,
			"code":   "FIBER_ERROR",
			"status": e.Code,
		})
	}

	if e, ok := errx.As(err); ok {
		entry := logx.WithFields(fields).WithError(err)
		if e.HTTPStatus >= fiber.StatusInternalServerError {
			entry.Error("jobxhttp: request failed")
		} else {
			entry.Debug("jobxhttp: request rejected")
		}

		response := fiber.Map{
			"error":  e.Message,
			"code":   e.Code,
			"type":   string(e.Type),
			"status": e.HTTPStatus,
		}
		if len(e.Details) > 0 {
			response["details"] = e.Details
		}
		return c.Status(e.HTTPStatus).JSON(response)
	}

	logx.WithFields(fields).WithError(err).Error("jobxhttp: unexpected error")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Internal Server Error",
		"code":  "INTERNAL_ERROR",
		"type":  string(errx.TypeInternal),
	})
}
