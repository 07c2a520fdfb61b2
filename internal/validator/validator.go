package validator

import (
	"fmt"
	"reflect"
	"strings"

	playgroundvalidator "github.com/go-playground/validator/v10"

	"meshshare/internal/models"
)

// RequestValidator wraps go-playground/validator for the tracker's request
// structs. Validation runs before any call leaves the process.
type RequestValidator struct {
	validator *playgroundvalidator.Validate
}

func New() (*RequestValidator, error) {
	v := playgroundvalidator.New()

	// Report field names from json tags
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.RegisterValidation("subscription_status", validateSubscriptionStatus); err != nil {
		return nil, err
	}

	return &RequestValidator{validator: v}, nil
}

func validateSubscriptionStatus(fl playgroundvalidator.FieldLevel) bool {
	return models.Status(fl.Field().String()).Valid()
}

// Struct validates a request struct and flattens field errors into a single
// readable error.
func (rv *RequestValidator) Struct(i interface{}) error {
	err := rv.validator.Struct(i)
	if err == nil {
		return nil
	}

	fieldErrors, ok := err.(playgroundvalidator.ValidationErrors)
	if !ok {
		return err
	}

	problems := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		problems = append(problems, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid request: %s", strings.Join(problems, "; "))
}
