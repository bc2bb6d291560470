// Package validate runs the binding rules declared on request structs through
// gin's validator and reports failures as validation errors keyed by JSON path.
package validate

import (
	"errors"
	"reflect"
	"strings"

	"storefront-orders/internal/apperr"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(jsonName)
	}
}

func jsonName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "" || name == "-" {
		return f.Name
	}
	return name
}

// Struct checks v against its binding tags.
func Struct(v any) error {
	if err := binding.Validator.ValidateStruct(v); err != nil {
		return Error(err)
	}
	return nil
}

// Error converts a binding failure into an apperr validation error. Anything
// other than rule violations is reported against the request body.
func Error(err error) error {
	var violations validator.ValidationErrors
	if !errors.As(err, &violations) {
		return apperr.ValidationField("body", "invalid request body: "+err.Error())
	}
	problems := make(map[string]string, len(violations))
	for _, fe := range violations {
		problems[fieldPath(fe)] = message(fe)
	}
	return apperr.Validation(problems)
}

// fieldPath drops the struct name from the namespace: items[0].quantity.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	unit := ""
	switch fe.Kind() {
	case reflect.String:
		unit = " characters"
	case reflect.Slice, reflect.Map:
		unit = " entries"
	}

	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param() + unit
	case "max":
		return "must be at most " + fe.Param() + unit
	case "len":
		return "must be exactly " + fe.Param() + unit
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	}
	return "failed the " + fe.Tag() + " rule"
}
