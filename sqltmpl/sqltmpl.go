// Package sqltmpl serves vetted SQL statements from an embedded template
// store. Templates carry {name} placeholders that only accept identifier or
// numeric values, so a rendered statement can never smuggle in extra SQL.
package sqltmpl

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
)

//go:embed sql/*.sql
var templateFS embed.FS

var (
	templateNameRegex = regexp.MustCompile(`^[a-z0-9_]+$`)
	placeholderRegex  = regexp.MustCompile(`\{([a-z0-9_]+)\}`)
	identifierRegex   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	numberRegex       = regexp.MustCompile(`^[0-9]+$`)
)

// UnknownTemplateError reports a template name absent from the store.
type UnknownTemplateError struct {
	Name string
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("unknown SQL template: %q", e.Name)
}

// RenderError reports a rejected placeholder value or a missing parameter.
type RenderError struct {
	Template    string
	Placeholder string
	Reason      string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render template %s, placeholder {%s}: %s", e.Template, e.Placeholder, e.Reason)
}

// Store holds the embedded templates plus any table-name overrides applied
// at construction.
type Store struct {
	templates map[string]string
	defaults  map[string]string
}

// NewStore loads the embedded templates. defaults supplies placeholder
// values applied before per-call parameters, typically schema and table
// names resolved from the environment.
func NewStore(defaults map[string]string) (*Store, error) {
	s := &Store{
		templates: make(map[string]string),
		defaults:  defaults,
	}
	entries, err := fs.ReadDir(templateFS, "sql")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".sql")
		if !templateNameRegex.MatchString(name) {
			return nil, fmt.Errorf("embedded template %q has an invalid name", entry.Name())
		}
		data, err := fs.ReadFile(templateFS, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, err
		}
		s.templates[name] = strings.TrimSpace(string(data))
	}
	return s, nil
}

// DefaultsFromEnv resolves the standard table placeholders, each
// overridable through its VERTICA_*_TABLE variable.
func DefaultsFromEnv(getenv func(string) string) map[string]string {
	pick := func(env, fallback string) string {
		if v := getenv(env); v != "" {
			return v
		}
		return fallback
	}
	return map[string]string{
		"schema":         pick("VERTICA_ITSM_SCHEMA", "itsm"),
		"incident_table": pick("VERTICA_INCIDENT_TABLE", "incident"),
		"cmdb_table":     pick("VERTICA_CMDB_TABLE", "cmdb_ci"),
		"change_table":   pick("VERTICA_CHANGE_TABLE", "change_request"),
	}
}

// Names lists the available templates, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render produces the SQL for one template. Every placeholder must resolve
// from params or the store defaults, and every value must be a bare
// identifier or a number. Extra params are rejected so callers notice typos.
func (s *Store) Render(name string, params map[string]string) (string, error) {
	if !templateNameRegex.MatchString(name) {
		return "", &UnknownTemplateError{Name: name}
	}
	tmpl, ok := s.templates[name]
	if !ok {
		return "", &UnknownTemplateError{Name: name}
	}

	placeholders := make(map[string]struct{})
	for _, m := range placeholderRegex.FindAllStringSubmatch(tmpl, -1) {
		placeholders[m[1]] = struct{}{}
	}
	for key := range params {
		if _, ok := placeholders[key]; !ok {
			return "", &RenderError{Template: name, Placeholder: key, Reason: "not used by this template"}
		}
	}

	var renderErr error
	rendered := placeholderRegex.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholderRegex.FindStringSubmatch(m)[1]
		value, ok := params[key]
		if !ok {
			value, ok = s.defaults[key]
		}
		if !ok {
			if renderErr == nil {
				renderErr = &RenderError{Template: name, Placeholder: key, Reason: "no value provided"}
			}
			return m
		}
		if !identifierRegex.MatchString(value) && !numberRegex.MatchString(value) {
			if renderErr == nil {
				renderErr = &RenderError{Template: name, Placeholder: key, Reason: fmt.Sprintf("value %q is not an identifier or number", value)}
			}
			return m
		}
		return value
	})
	if renderErr != nil {
		return "", renderErr
	}
	return rendered, nil
}
