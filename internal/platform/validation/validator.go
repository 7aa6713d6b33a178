// Package validation wires go-playground/validator into echo and the
// message handlers.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

func New() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// EchoValidator implements echo.Validator.
type EchoValidator struct {
	v *validator.Validate
}

func NewEchoValidator(v *validator.Validate) *EchoValidator {
	if v == nil {
		v = New()
	}
	return &EchoValidator{v: v}
}

func (ev *EchoValidator) Validate(i interface{}) error {
	if err := ev.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, Describe(err))
	}
	return nil
}

// Describe flattens validation errors into one readable message.
func Describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s=%s'", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
