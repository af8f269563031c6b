package handler

import (
	"net/http"

	"go-plm/internal/model"
	"go-plm/internal/service"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(service *service.AuditService) *AuditHandler {
	return &AuditHandler{service: service}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	items, meta, err := h.service.Query(r.Context(), service.AuditQueryParams{
		Action:  query.Get("action"),
		ActorID: query.Get("actor_id"),
		Status:  query.Get("status"),
		From:    query.Get("from"),
		To:      query.Get("to"),
		Page:    query.Get("page"),
		Limit:   query.Get("limit"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, model.AuditListData{Items: items}, &meta)
}
