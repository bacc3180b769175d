package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

const maxRequestBody = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("plan_type", func(fl validator.FieldLevel) bool {
		return models.PlanType(fl.Field().String()).Valid()
	})
	return v
}

// requestError is a caller-facing problem with the request payload.
type requestError struct {
	msg         string
	invalidPlan bool
}

func (e *requestError) Error() string { return e.msg }

// decodeAndValidate reads a JSON body into dst and runs struct validation.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) *requestError {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &requestError{msg: "request body is required"}
		}
		return &requestError{msg: "invalid JSON payload: " + err.Error()}
	}

	err := validate.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &requestError{msg: err.Error()}
	}

	re := &requestError{}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "plan_type":
			re.invalidPlan = true
			parts = append(parts, fmt.Sprintf("%s %q is not a known plan", fe.Field(), fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	re.msg = strings.Join(parts, "; ")
	return re
}

func writeRequestError(w http.ResponseWriter, r *http.Request, err *requestError) {
	code := CodeBadRequest
	if err.invalidPlan {
		code = CodeInvalidPlan
	}
	writeError(w, r, http.StatusBadRequest, code, err.msg)
}
