// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/scansentry/internal/detection"
	"github.com/tomtom215/scansentry/internal/eventprocessor"
	"github.com/tomtom215/scansentry/internal/lifecycle"
	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/notify"
	"github.com/tomtom215/scansentry/internal/orgconfig"
	"github.com/tomtom215/scansentry/internal/validation"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type startKey struct{}

// stampStart records when the request entered the router, for duration_ms.
func stampStart(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), startKey{}, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newMeta(r *http.Request) models.Meta {
	meta := models.Meta{
		RequestID: logging.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
	if start, ok := r.Context().Value(startKey{}).(time.Time); ok {
		meta.DurationMS = time.Since(start).Milliseconds()
	}
	return meta
}

// sanitizeLogValue removes control characters from strings to prevent log injection attacks.
func sanitizeLogValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// respondJSON sends a JSON response with proper headers
func respondJSON(w http.ResponseWriter, status int, response *models.APIResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// respondData sends a success envelope.
func respondData(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	respondJSON(w, status, &models.APIResponse{
		Success: true,
		Data:    data,
		Meta:    newMeta(r),
	})
}

// respondPage sends a success envelope with pagination metadata.
func respondPage(w http.ResponseWriter, r *http.Request, data interface{}, page models.Pagination) {
	meta := newMeta(r)
	meta.Pagination = &page
	respondJSON(w, http.StatusOK, &models.APIResponse{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

// respondError sends an error envelope.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	meta := newMeta(r)
	respondJSON(w, status, &models.APIResponse{
		Success: false,
		Error: &models.APIError{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: meta.RequestID,
		},
		Meta: meta,
	})
}

// respondStoreError maps domain errors onto status codes.
func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		transition *lifecycle.TransitionError
		verr       *validation.RequestValidationError
	)
	switch {
	case errors.As(err, &verr):
		apiErr := verr.ToAPIError()
		respondError(w, r, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
	case errors.As(err, &transition):
		respondError(w, r, http.StatusConflict, "INVALID_TRANSITION", err.Error(), map[string]interface{}{
			"from": transition.From,
			"to":   transition.To,
		})
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, orgconfig.ErrNotFound), errors.Is(err, notify.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrActorRequired):
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), map[string]interface{}{"field": "actor_id"})
	case errors.Is(err, orgconfig.ErrInvalid), errors.Is(err, detection.ErrInvalidConfig):
		respondError(w, r, http.StatusBadRequest, "INVALID_CONFIGURATION", err.Error(), nil)
	case errors.Is(err, eventprocessor.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		respondError(w, r, http.StatusServiceUnavailable, "QUEUE_FULL", "Event pipeline is saturated, retry later", nil)
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil)
	default:
		logging.Ctx(r.Context()).Error().
			Str("path", sanitizeLogValue(r.URL.Path)).
			Str("error", sanitizeLogValue(err.Error())).
			Msg("API Error")
		respondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error", nil)
	}
}

// decodeJSON reads a bounded JSON body into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		message := "Invalid JSON body"
		if errors.Is(err, io.EOF) {
			message = "Request body is required"
		}
		respondError(w, r, http.StatusBadRequest, "INVALID_JSON", message, map[string]interface{}{
			"error": sanitizeLogValue(err.Error()),
		})
		return false
	}
	return true
}

// validateRequest validates a struct using go-playground/validator and
// writes the error response when it fails.
func validateRequest(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	verr := validation.ValidateStruct(v)
	if verr == nil {
		return true
	}
	apiErr := verr.ToAPIError()
	respondError(w, r, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
	return false
}

// getIntParam extracts an integer query parameter with a default value
func getIntParam(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// getTimeParam parses an RFC3339 query parameter. Absent values yield nil.
func getTimeParam(r *http.Request, key string) (*time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC3339 timestamp", key)
	}
	return &t, nil
}

// getListParam splits a comma separated query parameter, also accepting
// repeated keys.
func getListParam(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// timeRange reads from/to and rejects inverted ranges.
func timeRange(w http.ResponseWriter, r *http.Request) (from, to *time.Time, ok bool) {
	from, err := getTimeParam(r, "from")
	if err == nil {
		to, err = getTimeParam(r, "to")
	}
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return nil, nil, false
	}
	if from != nil && to != nil && to.Before(*from) {
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "to must not be before from", nil)
		return nil, nil, false
	}
	return from, to, true
}
