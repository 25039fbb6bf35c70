package common

import (
	"errors"
	"strings"

	validator "github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct runs the validate tags on a request DTO.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}

// ValidationMessage flattens validator errors into one readable line for a
// 400 response body.
func ValidationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag()+" validation")
	}
	return strings.Join(parts, "; ")
}
