// Package api holds the JSON envelope, request validation and error-to-status
// mapping shared by the payment and installment handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/money"
)

// Response is the envelope around every body: exactly one of Data or Error is set.
type Response[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error is the body of a failed request. Fields maps JSON field names to
// what was wrong with them.
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeValidation   = "VALIDATION_ERROR"
	CodeGateway      = "GATEWAY_ERROR"
	CodeInternal     = "INTERNAL_ERROR"
)

// errorStatus is how each error kind reaches the client. Gateway and
// persistence failures get a fixed message so provider or SQL text never leaks.
var errorStatus = map[apperr.Kind]struct {
	status  int
	code    string
	message string
}{
	apperr.KindValidation:  {http.StatusUnprocessableEntity, CodeValidation, ""},
	apperr.KindNotFound:    {http.StatusNotFound, CodeNotFound, ""},
	apperr.KindConflict:    {http.StatusConflict, CodeConflict, ""},
	apperr.KindGateway:     {http.StatusBadGateway, CodeGateway, "payment gateway request failed"},
	apperr.KindPersistence: {http.StatusInternalServerError, CodeInternal, "an unexpected error occurred"},
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteData writes data inside the success envelope.
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response[any]{Error: &Error{Code: code, Message: message}})
}

func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeBadRequest, message)
}

func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

func InternalError(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
}

// WriteErr maps a classified service error onto its status. Anything
// unclassified is a 500.
func WriteErr(w http.ResponseWriter, err error) {
	m, ok := errorStatus[apperr.KindOf(err)]
	if !ok {
		InternalError(w)
		return
	}
	msg := m.message
	if msg == "" {
		msg = err.Error()
	}
	WriteError(w, m.status, m.code, msg)
}

// ValidationError writes a 422. Field-level failures from the validator are
// listed under their JSON names.
func ValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		WriteError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error())
		return
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	WriteJSON(w, http.StatusUnprocessableEntity, Response[any]{Error: &Error{
		Code:    CodeValidation,
		Message: "request failed validation",
		Fields:  fields,
	}})
}

func describe(fe validator.FieldError) string {
	p := fe.Param()
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be an email address"
	case "url":
		return "must be a URL"
	case "currency":
		return "must be a supported currency code"
	case "datetime":
		return "must be a date formatted " + p
	case "oneof":
		return "must be one of " + strings.ReplaceAll(p, " ", ", ")
	case "min", "gte":
		return "must be at least " + p
	case "max", "lte":
		return "must be at most " + p
	case "gt":
		return "must be greater than " + p
	case "len":
		return fmt.Sprintf("must be %s characters", p)
	default:
		return "is invalid (" + fe.Tag() + ")"
	}
}

// Validate checks request structs. Besides the built-in tags it knows
// "currency", which accepts any code money.ParseCurrency does.
var Validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		_, err := money.ParseCurrency(fl.Field().String())
		return err == nil
	})
	return v
}

// DecodeAndValidate decodes a JSON body into v and validates it.
func DecodeAndValidate(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return Validate.Struct(v)
}
