package handlers

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/proxpanel/license-server/internal/models"
	"github.com/proxpanel/license-server/internal/services"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	err := v.RegisterValidation("licensekey", func(fl validator.FieldLevel) bool {
		return models.KeyPattern.MatchString(fl.Field().String())
	})
	if err != nil {
		panic("handlers: register licensekey validation: " + err.Error())
	}
	return v
}

// describeValidation turns validator errors into a short client message
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request body"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return "Invalid request: " + strings.Join(msgs, ", ")
}

// parseAndValidate binds the JSON body into req and validates it. On failure
// the 400 response has already been written and handled is true.
func parseAndValidate(c *fiber.Ctx, req interface{}) (bool, error) {
	if err := c.BodyParser(req); err != nil {
		return true, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"reason":  services.ReasonInvalidRequest,
			"message": "Invalid request body",
		})
	}
	if err := validate.Struct(req); err != nil {
		return true, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"reason":  services.ReasonInvalidRequest,
			"message": describeValidation(err),
		})
	}
	return false, nil
}
