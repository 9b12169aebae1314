package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Alert {{.EventLabel}}]
Unit: {{.Unit}}{{ if .Location }} @ {{.Location}}{{ end }}
Rule: {{.Rule}}
Field: {{.Field}}
Value: {{.Value}}
Threshold: {{.Threshold}}
Reading Time: {{.TriggeredAt}}
Status: {{.Status}}
Severity: {{.Severity}}
Suggestion: {{.Suggestion}}
{{ if .ReportURL }}
Report: {{.ReportURL}}
{{ end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Unit        string
	Location    string
	Provider    string
	Rule        string
	RuleID      string
	Field       string
	Value       string
	Threshold   string
	TriggeredAt string
	Status      string
	Severity    string
	Suggestion  string
	ReportURL   string
	Event       string
	EventLabel  string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alert-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alert template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
