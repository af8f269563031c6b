package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"go-plm/internal/model"
	"go-plm/internal/service"
	"go-plm/pkg/apierror"
)

type UserHandler struct {
	service *service.UserService
}

func NewUserHandler(service *service.UserService) *UserHandler {
	return &UserHandler{service: service}
}

func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	users, meta, err := h.service.List(r.Context(), model.UserFilter{
		Status: model.UserStatus(strings.TrimSpace(query.Get("status"))),
		Page:   parseIntOrDefault(query.Get("page"), 1),
		Limit:  parseIntOrDefault(query.Get("limit"), 50),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, model.UserListData{Users: users}, &meta)
}

func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.service.Get(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, user, nil)
}

func (h *UserHandler) UpdateRoles(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var payload model.UpdateRolesRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.service.UpdateRoles(r.Context(), actor, userID, payload.Roles)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, user, nil)
}

func (h *UserHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.service.Deactivate(r.Context(), actor, userID); err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, model.MessageResponse{Message: "user deactivated"}, nil)
}

func (h *UserHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	actor, err := identityFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.service.Unlock(r.Context(), actor, userID); err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, model.MessageResponse{Message: "user unlocked"}, nil)
}

func userIDParam(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		return "", apierror.Validation("user id is required", "id")
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", apierror.NotFound("user not found", id)
	}
	return id, nil
}
