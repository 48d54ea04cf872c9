package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, _, err := ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
	return v
}

func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	// Format validation errors
	var messages []string
	for _, err := range validationErrors {
		field := toSnakeCase(err.Field())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required", "required_if":
			messages = append(messages, field+" is required")
		case "min":
			messages = append(messages, field+" must be at least "+param)
		case "max":
			messages = append(messages, field+" must be at most "+param)
		case "oneof":
			messages = append(messages, field+" must be one of ["+param+"]")
		case "email":
			messages = append(messages, field+" must be a valid email")
		case "timezone":
			messages = append(messages, field+" must be a valid IANA timezone")
		case "hhmm":
			messages = append(messages, field+" must be formatted as HH:MM")
		case "datetime":
			messages = append(messages, field+" must be a date formatted as "+param)
		default:
			messages = append(messages, field+" is invalid")
		}
	}

	return errors.New(strings.Join(messages, ", "))
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
