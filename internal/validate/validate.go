// Package validate wraps go-playground/validator so struct tag failures come
// back as *apperr.ValidationError keyed by JSON field path.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/crucial707/hours-reconcile/internal/apperr"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New(validator.WithRequiredStructEnabled())
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	// Decimals validate as float64 so gte/lte work on hours.
	val.RegisterCustomTypeFunc(func(r reflect.Value) any {
		d, ok := r.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		f, _ := d.Float64()
		return f
	}, decimal.Decimal{})
	_ = val.RegisterValidation("cents", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		if !ok {
			// Custom type funcs hand us the float64.
			f := fl.Field().Float()
			d = decimal.NewFromFloat(f)
		}
		return d.Equal(d.Round(2))
	})
	return val
}

// Struct validates s and returns nil or a *apperr.ValidationError.
func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &apperr.ValidationError{}
	for _, fe := range verrs {
		out.Add(fieldPath(fe), message(fe))
	}
	return out
}

// fieldPath drops the root struct name: "createInput.entries[0].hours" -> "entries[0].hours".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must contain at least %s items", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must contain at most %s items", fe.Param())
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("must be %s %s", map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[fe.Tag()], fe.Param())
	case "cents":
		return "must have at most two decimal places"
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return "invalid (" + fe.Tag() + ")"
}
