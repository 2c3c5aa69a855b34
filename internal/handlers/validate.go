package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"kite-server/internal/group"
)

// FieldError is a single rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every rejected field of a request body.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

// Validator checks request bodies against their validate tags.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("group_role", func(fl validator.FieldLevel) bool {
		_, err := group.ParseRole(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("group_kind", func(fl validator.FieldLevel) bool {
		return group.Kind(fl.Field().String()).Valid()
	})

	return &Validator{validate: v}
}

func (v *Validator) Validate(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	result := make(ValidationErrors, 0, len(fieldErrors))
	for _, e := range fieldErrors {
		result = append(result, FieldError{Field: e.Field(), Message: message(e)})
	}
	return result
}

func message(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", e.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "group_role":
		return "must be one of owner, admin, moderator, member, restricted"
	case "group_kind":
		return "must be one of private, group, supergroup, channel"
	}
	return fmt.Sprintf("failed %s validation", e.Tag())
}
