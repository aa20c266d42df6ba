// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package validation

import (
	"strings"
	"testing"
)

type scanRequest struct {
	ID        string   `json:"id" validate:"required,max=128"`
	Latitude  *float64 `json:"latitude" validate:"omitempty,latitude"`
	Limit     int      `json:"limit" validate:"min=1,max=1000"`
	Offset    int      `json:"offset" validate:"min=0"`
	Channels  []string `json:"channels" validate:"max=4,dive,channel"`
	QuietFrom string   `json:"quiet_from" validate:"omitempty,hhmm"`
	RuleType  string   `json:"rule_type" validate:"omitempty,ruletype"`
}

func TestGetValidator_Singleton(t *testing.T) {
	v1 := GetValidator()
	v2 := GetValidator()
	if v1 == nil || v1 != v2 {
		t.Error("GetValidator() should return one shared instance")
	}
}

func TestValidateStruct_Valid(t *testing.T) {
	lat := 55.75
	tests := []struct {
		name  string
		input scanRequest
	}{
		{"minimal", scanRequest{ID: "e1", Limit: 1}},
		{"full", scanRequest{
			ID:        "e1",
			Latitude:  &lat,
			Limit:     1000,
			Channels:  []string{"in_app", "bot"},
			QuietFrom: "22:00",
			RuleType:  "scan_spike",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateStruct(&tt.input); err != nil {
				t.Errorf("ValidateStruct() unexpected error: %v", err)
			}
		})
	}
}

func TestValidateStruct_Invalid(t *testing.T) {
	badLat := 91.0
	tests := []struct {
		name      string
		input     scanRequest
		wantField string
		wantTag   string
	}{
		{"missing id", scanRequest{Limit: 1}, "id", "required"},
		{"latitude out of range", scanRequest{ID: "e", Limit: 1, Latitude: &badLat}, "latitude", "latitude"},
		{"limit too high", scanRequest{ID: "e", Limit: 2000}, "limit", "max"},
		{"negative offset", scanRequest{ID: "e", Limit: 1, Offset: -1}, "offset", "min"},
		{"unknown channel", scanRequest{ID: "e", Limit: 1, Channels: []string{"fax"}}, "channels[0]", "channel"},
		{"bad clock", scanRequest{ID: "e", Limit: 1, QuietFrom: "24:00"}, "quiet_from", "hhmm"},
		{"bad rule type", scanRequest{ID: "e", Limit: 1, RuleType: "vpn_usage"}, "rule_type", "ruletype"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.input)
			if err == nil {
				t.Fatal("ValidateStruct() should have returned an error")
			}
			found := false
			for _, e := range err.Errors() {
				if e.Field() == tt.wantField && e.Tag() == tt.wantTag {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s/%s, got %v", tt.wantField, tt.wantTag, err.Errors())
			}
		})
	}
}

func TestToAPIError_SingleError(t *testing.T) {
	err := ValidateStruct(&scanRequest{Limit: 1})
	if err == nil {
		t.Fatal("expected validation error")
	}
	apiErr := err.ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("Code = %s", apiErr.Code)
	}
	if apiErr.Message != "id is required" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if apiErr.Details["field"] != "id" {
		t.Errorf("Details = %v", apiErr.Details)
	}
}

func TestToAPIError_MultipleErrors(t *testing.T) {
	err := ValidateStruct(&scanRequest{Limit: 0, Offset: -1})
	if err == nil {
		t.Fatal("expected validation error")
	}
	apiErr := err.ToAPIError()
	if _, ok := apiErr.Details["fields"]; !ok {
		t.Error("expected details to contain fields")
	}
	if !strings.Contains(apiErr.Message, "limit must be at least 1") {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestIsHHMM(t *testing.T) {
	tests := map[string]bool{
		"00:00": true,
		"23:59": true,
		"9:30":  false,
		"24:00": false,
		"12:60": false,
		"":      false,
	}
	for in, want := range tests {
		if got := IsHHMM(in); got != want {
			t.Errorf("IsHHMM(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestValidate_NilOnSuccess(t *testing.T) {
	if err := Validate(&scanRequest{ID: "e", Limit: 5}); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
