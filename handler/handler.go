// Package handler exposes the bridge and plugin services over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"wechat-relay/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
)

type errorResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type correlationKey struct{}

// CorrelationID returns the id attached to ctx by the correlation middleware.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// withCorrelation reuses the caller's X-Correlation-Id or mints one, echoes
// it on the response and makes it available to handlers.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func requestLogger(base *slog.Logger, r *http.Request) *slog.Logger {
	return base.With("correlation_id", CorrelationID(r.Context()), "method", r.Method, "path", r.URL.Path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code, reason := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "code", code, "err", err)
	} else {
		logger.Info("request rejected", "status", status, "code", code, "reason", reason)
	}
	writeJSON(w, status, errorResponse{OK: false, Error: code, Reason: reason})
}

func classify(err error) (int, string, string) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal), ""
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(ue.Code), ue.Reason
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized, string(ue.Code), ue.Reason
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, string(ue.Code), ue.Reason
	default:
		return http.StatusInternalServerError, string(ue.Code), ue.Reason
	}
}

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}
	}
	return nil
}
