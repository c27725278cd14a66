package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sitesafe/fieldsync/internal/errors"
	"github.com/sitesafe/fieldsync/internal/models"
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("entity", func(fl validator.FieldLevel) bool {
		return models.EntityType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("rawjson", func(fl validator.FieldLevel) bool {
		b := fl.Field().Bytes()
		return len(b) == 0 || json.Valid(b)
	})
	return v
}

// validationError flattens validator errors into one INVALID_INPUT error.
func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Wrap(errors.ErrValidation, "invalid operation", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(e.Field()), e.Tag()))
	}
	return errors.New(errors.ErrValidation, "invalid operation: "+strings.Join(msgs, ", "))
}
