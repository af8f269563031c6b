package handler

import (
	"errors"
	"net/http"

	"go-plm/internal/middleware"
	"go-plm/internal/model"
	"go-plm/pkg/apierror"
)

func writeSuccess(w http.ResponseWriter, status int, data any, meta *model.Meta) {
	middleware.WriteJSON(w, status, model.APIResponse{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

// writeError maps store sentinels that escaped the service layer, then
// renders through the shared envelope writer.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierror.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, model.ErrUserNotFound):
		err = apierror.NotFound("user not found", "")
	case errors.Is(err, model.ErrUserAlreadyExists):
		err = apierror.Conflict("an account with this email already exists", "")
	case errors.Is(err, model.ErrSessionNotFound):
		err = apierror.NotFound("session not found", "")
	case errors.Is(err, model.ErrSessionInactive), errors.Is(err, model.ErrSessionMismatch):
		err = apierror.TokenInvalid()
	case errors.Is(err, model.ErrInvalidInput):
		err = apierror.Validation("invalid input")
	}

	middleware.WriteError(w, r, err)
}
