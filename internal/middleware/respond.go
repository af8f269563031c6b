package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"go-plm/internal/i18n"
	"go-plm/internal/model"
	"go-plm/pkg/apierror"
)

var localizer = i18n.New()

func WriteJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// WriteError renders err in the response envelope. Messages are localized
// from Accept-Language; unclassified errors become a generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := &model.APIError{
		Code:    apierror.CodeInternal,
		Message: "unexpected server error",
	}

	var apiErr *apierror.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatus
		body.Code = apiErr.Code
		body.Message = apiErr.Message
		body.Details = apiErr.Details
		body.Fields = apiErr.Fields
		if apiErr.RateLimit != nil {
			SetRateLimitHeaders(w, *apiErr.RateLimit, time.Now())
		}
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
		body.Code = apierror.CodeUnavailable
		body.Message = "request timed out"
	default:
		slog.ErrorContext(r.Context(), "unhandled error", "request_id", RequestIDFromContext(r.Context()), "error", err)
	}

	tag := localizer.Match(r.Header.Get("Accept-Language"))
	body.Message = localizer.Translate(tag, body.Message)
	w.Header().Set("Content-Language", tag.String())

	WriteJSON(w, status, model.APIResponse{Success: false, Error: body})
}

// SetRateLimitHeaders emits Retry-After and the X-RateLimit-* trio.
func SetRateLimitHeaders(w http.ResponseWriter, rl apierror.RateLimit, now time.Time) {
	retryAfter := int(math.Ceil(rl.ResetAt.Sub(now).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	h := w.Header()
	h.Set("Retry-After", strconv.Itoa(retryAfter))
	h.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
}

// LocalizeMessage translates a fixed success message for the caller and sets
// Content-Language accordingly.
func LocalizeMessage(w http.ResponseWriter, r *http.Request, msg string) string {
	tag := localizer.Match(r.Header.Get("Accept-Language"))
	w.Header().Set("Content-Language", tag.String())
	return localizer.Translate(tag, msg)
}
