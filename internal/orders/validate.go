package orders

import (
	"regexp"
	"strings"

	"digistore/internal/apperr"
)

var (
	emailPattern     = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	telephonePattern = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
	urlPattern       = regexp.MustCompile(`^(https?://)?([\da-z.-]+)\.([a-z.]{2,6})([/\w .-]*)*/?$`)
)

// inputFields maps a service input type to the order column holding the value.
var inputFields = map[string]string{
	"email":     "email",
	"telephone": "telephone",
	"url":       "url",
	"text":      "username",
}

// validateInput checks value against inputType and returns the order field
// it is stored under.
func validateInput(inputType, value string) (string, string, error) {
	value = strings.TrimSpace(value)
	switch inputType {
	case "":
		return "", value, nil
	case "email":
		if !emailPattern.MatchString(value) {
			return "", "", apperr.Invalid("input_value", "invalid email address")
		}
	case "telephone":
		if !telephonePattern.MatchString(value) {
			return "", "", apperr.Invalid("input_value", "invalid phone number")
		}
	case "url":
		if !urlPattern.MatchString(value) {
			return "", "", apperr.Invalid("input_value", "invalid URL")
		}
	case "text":
		if value == "" {
			return "", "", apperr.Invalid("input_value", "is required")
		}
	default:
		return "", "", apperr.Invalid("input_value", "unsupported input type %q", inputType)
	}
	return inputFields[inputType], value, nil
}
