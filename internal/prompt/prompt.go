// Package prompt renders system prompts for spawned workers.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.md
var templatesFS embed.FS

// Dependency describes one upstream role in a worker briefing.
type Dependency struct {
	Role    string
	Status  string
	Summary string
}

// Request carries everything the system prompt template needs.
type Request struct {
	Role             string
	WorkerKind       string
	TaskID           string
	ProjectName      string
	Brief            string
	Workspace        string
	Dependencies     []Dependency
	HeartbeatSeconds int
	RecoveryContext  string
}

// Factory renders worker prompts from the embedded templates.
type Factory struct {
	tmpl *template.Template
}

// NewFactory parses the embedded templates once.
func NewFactory() (*Factory, error) {
	tmpl, err := template.New("prompts").ParseFS(templatesFS, "templates/*.md")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return &Factory{tmpl: tmpl}, nil
}

// SystemPrompt renders the full briefing for a worker.
func (f *Factory) SystemPrompt(req Request) (string, error) {
	var buf bytes.Buffer
	if err := f.tmpl.ExecuteTemplate(&buf, "system.md", req); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// ReducedScope renders the preamble prepended to recovery context when
// a worker is restarted for the second time. It narrows the worker to
// finishing checkpointed items instead of repeating the full plan.
func (f *Factory) ReducedScope(role string) (string, error) {
	var buf bytes.Buffer
	data := struct{ Role string }{Role: role}
	if err := f.tmpl.ExecuteTemplate(&buf, "reduced_scope.md", data); err != nil {
		return "", fmt.Errorf("render reduced scope preamble: %w", err)
	}
	return buf.String(), nil
}
