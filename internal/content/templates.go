// Package content loads the notification templates once at startup and
// renders titles and bodies from them.
package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	texttemplate "text/template"

	"notify-dispatch/internal/common/errors"
	"notify-dispatch/internal/common/validation"
)

const schemaSuffix = ".schema.json"

type executor interface {
	Execute(w io.Writer, data interface{}) error
}

// TemplateSet is immutable after LoadAll returns.
type TemplateSet struct {
	dir       string
	templates map[string]executor
	html      map[string]bool
	schemas   map[string]map[string]interface{}
}

// LoadAll parses every template in dir. ".html" files are parsed as HTML
// templates with contextual escaping, ".tmpl" and ".txt" files as text
// templates. A file "<name>.schema.json" constrains the render context of
// template <name>. An unreadable directory or an empty set is an error.
func LoadAll(dir string) (*TemplateSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template directory %s: %w", dir, err)
	}

	set := &TemplateSet{
		dir:       dir,
		templates: make(map[string]executor),
		html:      make(map[string]bool),
		schemas:   make(map[string]map[string]interface{}),
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := entry.Name()
		path := filepath.Join(dir, file)

		if strings.HasSuffix(file, schemaSuffix) {
			schema, err := readSchema(path)
			if err != nil {
				return nil, err
			}
			set.schemas[strings.TrimSuffix(file, schemaSuffix)] = schema
			continue
		}

		ext := filepath.Ext(file)
		name := strings.TrimSuffix(file, ext)
		if _, dup := set.templates[name]; dup {
			return nil, fmt.Errorf("template %q defined more than once in %s", name, dir)
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", path, err)
		}

		switch ext {
		case ".html":
			t, err := htmltemplate.New(name).Option("missingkey=error").Parse(string(raw))
			if err != nil {
				return nil, fmt.Errorf("parse template %s: %w", file, err)
			}
			set.templates[name] = t
			set.html[name] = true
		case ".tmpl", ".txt":
			t, err := texttemplate.New(name).Option("missingkey=error").Parse(string(raw))
			if err != nil {
				return nil, fmt.Errorf("parse template %s: %w", file, err)
			}
			set.templates[name] = t
		}
	}

	if len(set.templates) == 0 {
		return nil, fmt.Errorf("no templates found in %s", dir)
	}
	for name := range set.schemas {
		if _, ok := set.templates[name]; !ok {
			return nil, fmt.Errorf("schema %s%s has no template", name, schemaSuffix)
		}
	}
	return set, nil
}

func readSchema(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", path, err)
	}
	return schema, nil
}

func (s *TemplateSet) Has(name string) bool {
	_, ok := s.templates[name]
	return ok
}

// IsHTML reports whether name was parsed as an HTML template, so its output
// is already escaped.
func (s *TemplateSet) IsHTML(name string) bool {
	return s.html[name]
}

func (s *TemplateSet) Names() []string {
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render executes template name with data. A missing template, a context
// rejected by the template's schema, or a missing key fails with RENDER_ERROR.
func (s *TemplateSet) Render(name string, data map[string]interface{}) (string, error) {
	t, ok := s.templates[name]
	if !ok {
		return "", errors.NewRenderError(name, fmt.Errorf("template not found in %s", s.dir))
	}
	if schema, ok := s.schemas[name]; ok {
		if err := validation.ValidateDocument(schema, data); err != nil {
			return "", errors.NewRenderError(name, err)
		}
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", errors.NewRenderError(name, err)
	}
	return buf.String(), nil
}
