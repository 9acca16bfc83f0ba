package wrappers

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/user/gosec-scan/pkg/engine"
)

// TemplateData is what argument templates can reference, e.g.
// "{{.Host}}", "{{.Port}}", "{{.Image}}", "{{.URL}}"
type TemplateData struct {
	Target engine.Target
	Host   string
	Port   int
	Image  string
	URL    string
	Format string
}

func NewTemplateData(t engine.Target, format string) TemplateData {
	return TemplateData{
		Target: t,
		Host:   t.HostAddress,
		Port:   t.ExposedPort,
		Image:  t.ImageReference,
		URL:    t.URL(),
		Format: format,
	}
}

// RenderArgs renders each template. Arguments that render empty are dropped
// so conditional flags can be written as "{{if ...}}--flag{{end}}".
func RenderArgs(templates []string, data TemplateData) ([]string, error) {
	out := make([]string, 0, len(templates))
	for i, tmplStr := range templates {
		s, err := renderString(fmt.Sprintf("arg%d", i), tmplStr, data)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// CheckArgs parses the templates without executing them
func CheckArgs(templates []string) error {
	for i, tmplStr := range templates {
		if _, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(tmplStr); err != nil {
			return fmt.Errorf("failed to parse template %q: %w", tmplStr, err)
		}
	}
	return nil
}

func renderString(name, tmplStr string, data TemplateData) (string, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return buf.String(), nil
}
