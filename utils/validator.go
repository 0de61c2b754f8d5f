package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs validate tags and joins the failures into one readable message
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var msgs []string
	for _, fe := range verrs {
		field := toSnake(fe.Field())
		param := fe.Param()

		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			if isCollection(fe.Kind().String()) {
				msgs = append(msgs, field+" must contain at least "+param+" item(s)")
			} else if isNumber(fe.Kind().String()) {
				msgs = append(msgs, field+" must be at least "+param)
			} else {
				msgs = append(msgs, field+" must be at least "+param+" characters")
			}
		case "max":
			if isNumber(fe.Kind().String()) {
				msgs = append(msgs, field+" must be at most "+param)
			} else {
				msgs = append(msgs, field+" must be at most "+param+" characters")
			}
		case "gte":
			msgs = append(msgs, field+" must be greater than or equal to "+param)
		case "lte":
			msgs = append(msgs, field+" must be less than or equal to "+param)
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "len":
			msgs = append(msgs, field+" must be exactly "+param+" characters")
		case "oneof":
			msgs = append(msgs, field+" must be one of: "+strings.ReplaceAll(param, " ", ", "))
		case "hexcolor":
			msgs = append(msgs, field+" must be a hex color")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return errors.New(strings.Join(msgs, ", "))
}

func isCollection(kind string) bool {
	return kind == "slice" || kind == "map" || kind == "array"
}

func isNumber(kind string) bool {
	return strings.HasPrefix(kind, "int") || strings.HasPrefix(kind, "uint") || strings.HasPrefix(kind, "float")
}

// toSnake turns a Go field name such as FirstName into first_name
func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
