// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/scansentry/internal/models"
)

// regionRequest is the body of PUT .../regions/{code}.
type regionRequest struct {
	Kind     string          `json:"kind" validate:"required,oneof=circle polygon"`
	Center   *models.LatLng  `json:"center" validate:"required_if=Kind circle"`
	RadiusKm float64         `json:"radius_km" validate:"gte=0"`
	Vertices []models.LatLng `json:"vertices" validate:"omitempty,min=3,max=1000"`
}

// ruleRequest is the body of POST .../rules and PUT .../rules/{id}.
type ruleRequest struct {
	RuleType             string          `json:"rule_type" validate:"required,ruletype"`
	Name                 string          `json:"name" validate:"required,max=200"`
	IsEnabled            *bool           `json:"is_enabled"`
	Priority             int             `json:"priority"`
	Config               json.RawMessage `json:"config"`
	Channels             []string        `json:"channels" validate:"dive,channel"`
	CooldownMinutes      int             `json:"cooldown_minutes" validate:"gte=0"`
	EscalateAfterMinutes *int            `json:"escalate_after_minutes" validate:"omitempty,gt=0"`
	EscalateToUserIDs    []string        `json:"escalate_to_user_ids" validate:"dive,required"`
	Severity             *string         `json:"severity" validate:"omitempty,oneof=info warning critical"`
}

func (req *ruleRequest) rule(orgID, id string) *models.ScanAlertRule {
	rule := &models.ScanAlertRule{
		ID:                   id,
		OrganizationID:       orgID,
		RuleType:             models.RuleType(req.RuleType),
		Name:                 req.Name,
		IsEnabled:            true,
		Priority:             req.Priority,
		Config:               req.Config,
		Channels:             req.Channels,
		CooldownMinutes:      req.CooldownMinutes,
		EscalateAfterMinutes: req.EscalateAfterMinutes,
		EscalateToUserIDs:    req.EscalateToUserIDs,
	}
	if req.IsEnabled != nil {
		rule.IsEnabled = *req.IsEnabled
	}
	if len(rule.Config) == 0 {
		rule.Config = json.RawMessage("{}")
	}
	if req.Severity != nil {
		severity := models.AlertSeverity(*req.Severity)
		rule.Severity = &severity
	}
	return rule
}

// deletedResource acknowledges a DELETE.
type deletedResource struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// ListRegions handles GET /api/v1/orgs/{orgID}/regions.
func (h *Handler) ListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := h.deps.Config.Regions(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, regions)
}

// PutRegion handles PUT /api/v1/orgs/{orgID}/regions/{code}.
func (h *Handler) PutRegion(w http.ResponseWriter, r *http.Request) {
	var req regionRequest
	if !decodeJSON(w, r, &req) || !validateRequest(w, r, &req) {
		return
	}
	region, err := h.deps.Config.PutRegion(r.Context(), &models.AuthorizedRegion{
		OrganizationID: chi.URLParam(r, "orgID"),
		RegionCode:     chi.URLParam(r, "code"),
		Kind:           models.RegionKind(req.Kind),
		Center:         req.Center,
		RadiusKm:       req.RadiusKm,
		Vertices:       req.Vertices,
	})
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, region)
}

// DeleteRegion handles DELETE /api/v1/orgs/{orgID}/regions/{code}.
func (h *Handler) DeleteRegion(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := h.deps.Config.DeleteRegion(r.Context(), chi.URLParam(r, "orgID"), code); err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, deletedResource{ID: code, Deleted: true})
}

// ListRules handles GET /api/v1/orgs/{orgID}/rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.deps.Config.Rules(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, rules)
}

// GetRule handles GET /api/v1/orgs/{orgID}/rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.deps.Config.Rule(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, rule)
}

// CreateRule handles POST /api/v1/orgs/{orgID}/rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) || !validateRequest(w, r, &req) {
		return
	}
	rule, err := h.deps.Config.CreateRule(r.Context(), req.rule(chi.URLParam(r, "orgID"), ""))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusCreated, rule)
}

// UpdateRule handles PUT /api/v1/orgs/{orgID}/rules/{id}.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) || !validateRequest(w, r, &req) {
		return
	}
	rule, err := h.deps.Config.UpdateRule(r.Context(), req.rule(chi.URLParam(r, "orgID"), chi.URLParam(r, "id")))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, rule)
}

// DeleteRule handles DELETE /api/v1/orgs/{orgID}/rules/{id}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Config.DeleteRule(r.Context(), chi.URLParam(r, "orgID"), id); err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, deletedResource{ID: id, Deleted: true})
}

// GetPreferences handles GET /api/v1/orgs/{orgID}/preferences. Organizations
// that never saved preferences get the defaults.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.deps.Config.Preferences(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, prefs)
}

// PutPreferences handles PUT /api/v1/orgs/{orgID}/preferences. Fields absent
// from the body keep their current value.
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	current, err := h.deps.Config.Preferences(r.Context(), orgID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	// current may be shared with the store cache; decode over a deep copy.
	var prefs models.OrganizationAlertPreferences
	raw, err := json.Marshal(current)
	if err == nil {
		err = json.Unmarshal(raw, &prefs)
	}
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if !decodeJSON(w, r, &prefs) {
		return
	}
	prefs.OrganizationID = orgID

	saved, err := h.deps.Config.PutPreferences(r.Context(), &prefs)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, saved)
}
