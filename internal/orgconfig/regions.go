// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package orgconfig

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/scansentry/internal/geo"
	"github.com/tomtom215/scansentry/internal/models"
)

// geometry is the JSON column layout of a region.
type geometry struct {
	Center   *models.LatLng  `json:"center,omitempty"`
	RadiusKm float64         `json:"radius_km,omitempty"`
	Vertices []models.LatLng `json:"vertices,omitempty"`
}

// Regions returns the organization's authorized regions ordered by code.
func (s *Store) Regions(ctx context.Context, orgID string) ([]models.AuthorizedRegion, error) {
	if cached, ok := s.cache.Get(regionsKey(orgID)); ok {
		return cached.([]models.AuthorizedRegion), nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT organization_id, region_code, kind, geometry, created_at, updated_at
		FROM authorized_regions
		WHERE organization_id = ?
		ORDER BY region_code`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}
	defer rows.Close()

	out := make([]models.AuthorizedRegion, 0)
	for rows.Next() {
		var (
			r    models.AuthorizedRegion
			kind string
			raw  string
		)
		if err := rows.Scan(&r.OrganizationID, &r.RegionCode, &kind, &raw, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan region: %w", err)
		}
		r.Kind = models.RegionKind(kind)
		var g geometry
		if err := json.Unmarshal([]byte(raw), &g); err != nil {
			// Leave the geometry empty; the matcher skips it as malformed.
			g = geometry{}
		}
		r.Center, r.RadiusKm, r.Vertices = g.Center, g.RadiusKm, g.Vertices
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.cache.SetDefault(regionsKey(orgID), out)
	return out, nil
}

// PutRegion creates or replaces a region after checking its geometry.
func (s *Store) PutRegion(ctx context.Context, r *models.AuthorizedRegion) (*models.AuthorizedRegion, error) {
	r.RegionCode = strings.TrimSpace(r.RegionCode)
	if r.OrganizationID == "" || r.RegionCode == "" {
		return nil, invalid("region requires organization and region code")
	}
	if _, err := geo.NewRegion(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	raw, err := json.Marshal(geometry{Center: r.Center, RadiusKm: r.RadiusKm, Vertices: r.Vertices})
	if err != nil {
		return nil, fmt.Errorf("failed to encode region geometry: %w", err)
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO authorized_regions (organization_id, region_code, kind, geometry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, region_code) DO UPDATE SET
			kind = EXCLUDED.kind,
			geometry = EXCLUDED.geometry,
			updated_at = EXCLUDED.updated_at`,
		r.OrganizationID, r.RegionCode, string(r.Kind), string(raw), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to save region: %w", err)
	}
	s.cache.Delete(regionsKey(r.OrganizationID))

	out := *r
	out.UpdatedAt = now
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	return &out, nil
}

// DeleteRegion removes one region.
func (s *Store) DeleteRegion(ctx context.Context, orgID, code string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM authorized_regions WHERE organization_id = ? AND region_code = ?`, orgID, code)
	if err != nil {
		return fmt.Errorf("failed to delete region: %w", err)
	}
	s.cache.Delete(regionsKey(orgID))
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
