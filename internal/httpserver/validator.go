package httpserver

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var errBadRequest = errors.New("bad request")

// Validator plugs go-playground/validator into echo's c.Validate.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

func (cv *Validator) Validate(i any) error {
	if err := cv.v.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
