// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package models

import "time"

// APIResponse is the envelope of every HTTP response.
//
// Example successful response:
//
//	{
//	  "success": true,
//	  "data": [...],
//	  "meta": {
//	    "request_id": "7c0d...",
//	    "timestamp": "2026-03-01T12:00:00Z",
//	    "duration_ms": 4,
//	    "pagination": {"total": 120, "limit": 50, "offset": 0}
//	  }
//	}
//
// Example error response:
//
//	{
//	  "success": false,
//	  "error": {
//	    "code": "INVALID_TRANSITION",
//	    "message": "alert a-1: cannot transition from resolved to acknowledged",
//	    "request_id": "7c0d..."
//	  },
//	  "meta": {"request_id": "7c0d...", "timestamp": "2026-03-01T12:00:00Z"}
//	}
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    Meta        `json:"meta"`
}

// APIError is the error member of the envelope.
type APIError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Meta carries per-response metadata.
type Meta struct {
	RequestID  string      `json:"request_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	DurationMS int64       `json:"duration_ms"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Pagination describes a page of a list endpoint.
type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
