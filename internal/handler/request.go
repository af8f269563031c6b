package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"go-plm/internal/middleware"
	"go-plm/internal/model"
	"go-plm/pkg/apierror"
)

const maxBodyBytes = 64 << 10

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads a bounded JSON body into dst and runs struct validation.
// Failing fields are reported by their JSON names.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierror.Validation("invalid request body")
	}

	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apierror.Validation("invalid request body")
	}

	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Field())
	}
	return apierror.Validation("request validation failed", fields...)
}

func clientInfo(r *http.Request) model.ClientInfo {
	return model.ClientInfo{
		IP:        middleware.ClientIPFromRequest(r),
		UserAgent: r.UserAgent(),
	}
}

func identityFromRequest(r *http.Request) (model.Identity, error) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		return model.Identity{}, apierror.Unauthenticated("authentication required")
	}
	return identity, nil
}

func parseIntOrDefault(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return v
}
