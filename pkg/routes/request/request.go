// Package request binds and validates route input.
package request

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "query"} {
			name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})
	return v
}

// Bind decodes the request into v and validates its tags. Failures come back
// as *models.ValidationError so the error handler answers 400.
func Bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return models.NewValidationError("body", bindMessage(err))
	}
	return Validate(v)
}

// Validate runs the struct tags on v
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return toValidationError(err)
	}
	return nil
}

// Slice validates every element of items, naming the failing index
func Slice[T any](items []T) error {
	for i := range items {
		if err := validate.Struct(items[i]); err != nil {
			verr := toValidationError(err).(*models.ValidationError)
			verr.Field = fmt.Sprintf("[%d].%s", i, verr.Field)
			return verr
		}
	}
	return nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return models.NewValidationError("", err.Error())
	}
	fields := make([]string, 0, len(verrs))
	rules := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		rules = append(rules, fmt.Sprintf("%s failed rule '%s'", fe.Field(), rule))
	}
	return &models.ValidationError{Field: strings.Join(fields, ","), Reason: strings.Join(rules, "; ")}
}

func bindMessage(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return msg
		}
	}
	return err.Error()
}
