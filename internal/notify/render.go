// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"sort"
	"strings"
	"text/template"

	"github.com/tomtom215/scansentry/internal/models"
)

const alertTextTemplate = `{{.Title}}
{{.Body}}

Severity: {{.Severity}}{{if .Level}} (escalation level {{.Level}}){{end}}
{{- range .Details}}
{{.Key}}: {{.Value}}
{{- end}}
{{if .Link}}
{{.Link}}{{end}}`

const alertHTMLTemplate = `<h2>{{.Title}}</h2>
<p>{{.Body}}</p>
<p><strong>Severity:</strong> {{.Severity}}{{if .Level}} (escalation level {{.Level}}){{end}}</p>
{{- if .Details}}
<table>
{{- range .Details}}
<tr><td>{{.Key}}</td><td>{{.Value}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .Link}}
<p><a href="{{.Link}}">Open alert</a></p>
{{- end}}`

const digestTextTemplate = `{{len .Entries}} alerts were held during quiet hours:
{{range .Entries}}
- [{{.Severity}}] {{.Title}}
{{- end}}
{{if .Link}}
{{.Link}}{{end}}`

const digestHTMLTemplate = `<h2>{{len .Entries}} alerts were held during quiet hours</h2>
<ul>
{{- range .Entries}}
<li><strong>{{.Severity}}</strong> {{.Title}}</li>
{{- end}}
</ul>
{{- if .Link}}
<p><a href="{{.Link}}">Open alerts</a></p>
{{- end}}`

type detail struct {
	Key   string
	Value interface{}
}

type alertView struct {
	Title    string
	Body     string
	Severity string
	Level    int
	Details  []detail
	Link     string
}

type digestView struct {
	Entries []*DigestEntry
	Link    string
}

// Renderer builds channel payloads from alerts.
type Renderer struct {
	baseURL    string
	alertText  *template.Template
	alertHTML  *htmltemplate.Template
	digestText *template.Template
	digestHTML *htmltemplate.Template
}

// NewRenderer creates a renderer whose deep links are rooted at baseURL.
func NewRenderer(baseURL string) *Renderer {
	return &Renderer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		alertText:  template.Must(template.New("alert.txt").Parse(alertTextTemplate)),
		alertHTML:  htmltemplate.Must(htmltemplate.New("alert.html").Parse(alertHTMLTemplate)),
		digestText: template.Must(template.New("digest.txt").Parse(digestTextTemplate)),
		digestHTML: htmltemplate.Must(htmltemplate.New("digest.html").Parse(digestHTMLTemplate)),
	}
}

// AlertLink returns the UI link for an alert, or "" without a base URL.
func (r *Renderer) AlertLink(orgID, alertID string) string {
	if r.baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/orgs/%s/alerts/%s", r.baseURL, orgID, alertID)
}

func (r *Renderer) alertsLink(orgID string) string {
	if r.baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/orgs/%s/alerts", r.baseURL, orgID)
}

// RenderAlert renders an alert. level > 0 marks an escalation: the payload
// severity is raised one tier per level, the stored alert is not changed.
func (r *Renderer) RenderAlert(a *models.ScanAlert, level int) (*Payload, error) {
	severity := a.Severity
	title := a.Title
	if level > 0 {
		severity = severity.Raise(level)
		title = fmt.Sprintf("[Escalated L%d] %s", level, a.Title)
	}
	view := alertView{
		Title:    title,
		Body:     a.Body,
		Severity: string(severity),
		Level:    level,
		Details:  details(a.Metadata),
		Link:     r.AlertLink(a.OrganizationID, a.ID),
	}

	var text, html bytes.Buffer
	if err := r.alertText.Execute(&text, view); err != nil {
		return nil, fmt.Errorf("failed to render alert text: %w", err)
	}
	if err := r.alertHTML.Execute(&html, view); err != nil {
		return nil, fmt.Errorf("failed to render alert html: %w", err)
	}

	meta := make(map[string]interface{}, len(a.Metadata)+4)
	for k, v := range a.Metadata {
		meta[k] = v
	}
	meta["alert_id"] = a.ID
	meta["organization_id"] = a.OrganizationID
	if a.BatchID != nil {
		meta["batch_id"] = *a.BatchID
	}
	if a.ProductID != nil {
		meta["product_id"] = *a.ProductID
	}

	return &Payload{
		OrganizationID:  a.OrganizationID,
		AlertID:         a.ID,
		AlertType:       a.AlertType,
		Severity:        string(severity),
		Title:           title,
		Text:            strings.TrimSpace(text.String()),
		HTML:            html.String(),
		DeepLink:        view.Link,
		Metadata:        meta,
		EscalationLevel: level,
	}, nil
}

// RenderDigest renders the deferred entries of one organization.
func (r *Renderer) RenderDigest(orgID string, entries []*DigestEntry) (*Payload, error) {
	view := digestView{Entries: entries, Link: r.alertsLink(orgID)}
	var text, html bytes.Buffer
	if err := r.digestText.Execute(&text, view); err != nil {
		return nil, fmt.Errorf("failed to render digest text: %w", err)
	}
	if err := r.digestHTML.Execute(&html, view); err != nil {
		return nil, fmt.Errorf("failed to render digest html: %w", err)
	}

	ids := make([]string, len(entries))
	highest := models.SeverityInfo
	for i, e := range entries {
		ids[i] = e.AlertID
		if severityRank(e.Severity) > severityRank(highest) {
			highest = e.Severity
		}
	}
	return &Payload{
		OrganizationID: orgID,
		AlertType:      "digest",
		Severity:       string(highest),
		Title:          fmt.Sprintf("Alert digest: %d alerts", len(entries)),
		Text:           strings.TrimSpace(text.String()),
		HTML:           html.String(),
		DeepLink:       view.Link,
		Metadata:       map[string]interface{}{"alert_ids": ids},
		Digest:         true,
	}, nil
}

func details(meta map[string]interface{}) []detail {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]detail, len(keys))
	for i, k := range keys {
		out[i] = detail{Key: k, Value: meta[k]}
	}
	return out
}

func severityRank(s models.AlertSeverity) int {
	switch s {
	case models.SeverityCritical:
		return 3
	case models.SeverityWarning:
		return 2
	case models.SeverityInfo:
		return 1
	}
	return 0
}
