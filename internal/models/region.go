// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package models

import "time"

// RegionKind selects the geometry variant of an AuthorizedRegion.
type RegionKind string

const (
	RegionCircle  RegionKind = "circle"
	RegionPolygon RegionKind = "polygon"
)

// LatLng is a WGS84 coordinate pair in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// AuthorizedRegion is an area where an organization's products are expected
// to be scanned. RegionCode is unique per organization.
//
// Circle regions use Center and RadiusKm; polygon regions use Vertices in
// order (the ring is closed implicitly).
type AuthorizedRegion struct {
	OrganizationID string     `json:"organization_id"`
	RegionCode     string     `json:"region_code"`
	Kind           RegionKind `json:"kind"`
	Center         *LatLng    `json:"center,omitempty"`
	RadiusKm       float64    `json:"radius_km,omitempty"`
	Vertices       []LatLng   `json:"vertices,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
