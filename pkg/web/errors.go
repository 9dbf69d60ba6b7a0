package web

import (
	"github.com/dukex/taskflow/pkg/engine"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

// handleEngineError maps engine error classes onto problem responses.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case engine.IsValidationError(err):
		return problem(c, fiber.StatusBadRequest, "validation_error", err.Error())
	case engine.IsUnauthorizedError(err):
		return problem(c, fiber.StatusUnauthorized, "unauthorized", "invalid callback secret")
	case engine.IsNotFoundError(err):
		return problem(c, fiber.StatusNotFound, "not_found", err.Error())
	case engine.IsConflictError(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())
	default:
		p := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(p)
	}
}
