package handlers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var (
	requestValidator = validator.New(validator.WithRequiredStructEnabled())
	errMissingActor  = errors.New("missing actor")
)

// actorFromContext reads the identity that middleware.AuthRequired stored in locals.
func actorFromContext(c *fiber.Ctx) (services.Actor, error) {
	userID, _ := c.Locals("user_id").(string)
	role, _ := c.Locals("role").(string)

	actor := services.Actor{ID: strings.TrimSpace(userID), Role: models.Role(role)}
	if actor.ID == "" || !actor.Role.Valid() {
		return services.Actor{}, errMissingActor
	}
	return actor, nil
}

// validateRequest returns a client-facing message for the first failed rule, or "".
func validateRequest(req any) string {
	err := requestValidator.Struct(req)
	if err == nil {
		return ""
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "Invalid request body"
	}

	field := fieldErrs[0]
	switch field.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", jsonFieldName(field.Field()))
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", jsonFieldName(field.Field()), field.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", jsonFieldName(field.Field()), field.Param())
	default:
		return fmt.Sprintf("%s is invalid", jsonFieldName(field.Field()))
	}
}

func jsonFieldName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}
