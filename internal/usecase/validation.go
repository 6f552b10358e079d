package usecase

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	playgroundvalidator "github.com/go-playground/validator/v10"

	"github.com/arklim/auditmarket-core/internal/core/domain"
)

var inputValidator = newInputValidator()

func newInputValidator() *playgroundvalidator.Validate {
	v := playgroundvalidator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("presence_status", func(fl playgroundvalidator.FieldLevel) bool {
		_, err := domain.ParsePresenceStatus(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("currency", func(fl playgroundvalidator.FieldLevel) bool {
		code := fl.Field().String()
		if len(code) != 3 {
			return false
		}
		for _, r := range code {
			if r < 'A' || r > 'Z' {
				return false
			}
		}
		return true
	})
	return v
}

// validateInput runs struct tag validation and wraps failures in sentinel.
func validateInput(sentinel error, input any) error {
	err := inputValidator.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs playgroundvalidator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
		}
		return fmt.Errorf("%w: validation failed on %s", sentinel, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
