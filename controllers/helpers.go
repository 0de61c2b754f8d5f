package controller

import (
	"errors"
	"strconv"

	"coldreach/models"
	"coldreach/services"
	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
)

func currentUser(c *fiber.Ctx) *models.User {
	return c.Locals("user").(*models.User)
}

func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 32)
	if err != nil || id == 0 {
		return 0, services.NewValidationError("Invalid %s", name)
	}
	return uint(id), nil
}

func queryUint(c *fiber.Ctx, name string) uint {
	return utils.ParseUint(c.Query(name))
}

func pageRequest(c *fiber.Ctx) services.PageRequest {
	return services.PageRequest{
		Page:    c.QueryInt("page", 1),
		PerPage: c.QueryInt("per_page", services.DefaultPerPage),
	}.Normalize()
}

// parseBody decodes and validates a request body
func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return services.NewValidationError("Invalid request body")
	}
	if err := utils.ValidateStruct(out); err != nil {
		return &services.ValidationError{Message: err.Error()}
	}
	return nil
}

// respondError maps the service error taxonomy to HTTP statuses. Unexpected errors are logged
// and reported without internal detail.
func respondError(c *fiber.Ctx, err error, action string) error {
	var (
		validation *services.ValidationError
		conflict   *services.ConflictError
		notFound   *services.NotFoundError
		transient  *services.TransientSendError
		parse      *services.ParseError
	)
	switch {
	case errors.As(err, &validation):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, validation.Error(), nil)
	case errors.As(err, &parse):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, parse.Error(), nil)
	case errors.As(err, &conflict):
		return utils.ErrorResponse(c, fiber.StatusConflict, conflict.Error(), nil)
	case errors.As(err, &notFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, notFound.Error(), nil)
	case errors.As(err, &transient):
		return utils.ErrorResponse(c, fiber.StatusBadGateway, "Failed to "+action, nil)
	}

	ctx := map[string]interface{}{"path": c.Path(), "method": c.Method()}
	if user, ok := c.Locals("user").(*models.User); ok {
		ctx["user_id"] = user.ID
	}
	utils.LogError(action, err, ctx)
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to "+action, nil)
}
