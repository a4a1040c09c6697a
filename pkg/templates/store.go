package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/harun/avatarcore/pkg/handlers"
	"github.com/rs/zerolog/log"
)

// BuiltinName is the template used when the directory provides no default.
const BuiltinName = "builtin"

const builtinText = `You are a friendly real-time avatar. Answer in short spoken sentences; your words are read aloud as you produce them.
{{- if .Search}}

Relevant search results:
{{- range $i, $r := .Search}}
[{{inc $i}}] {{$r.Title}}: {{$r.Snippet}} ({{$r.URL}})
{{- end}}
{{- end}}`

// Extensions recognised as template files.
var Extensions = []string{".tmpl", ".tpl", ".txt", ".md"}

// ErrUnknownTemplate is returned for names not present in the store.
var ErrUnknownTemplate = errors.New("unknown template")

// Data is what a system prompt template can reference.
type Data struct {
	Identity string
	Now      time.Time
	Search   []handlers.SearchResult
}

var funcs = template.FuncMap{
	"inc":   func(i int) int { return i + 1 },
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// Store holds parsed templates by name. Names are file base names without
// extension.
type Store struct {
	dir         string
	defaultName string

	mu        sync.RWMutex
	templates map[string]*template.Template
}

// NewStore loads every template in dir. An empty or missing dir leaves only the
// built-in template.
func NewStore(dir, defaultName string) (*Store, error) {
	s := &Store{dir: dir, defaultName: defaultName}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-parses the directory. A template that fails to parse is skipped
// and the previous version, if any, is kept.
func (s *Store) Reload() error {
	builtin := template.Must(template.New(BuiltinName).Funcs(funcs).Parse(builtinText))

	s.mu.RLock()
	previous := s.templates
	s.mu.RUnlock()

	loaded := map[string]*template.Template{BuiltinName: builtin}
	if s.dir != "" {
		entries, err := os.ReadDir(s.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read template dir: %w", err)
		}
		for _, entry := range entries {
			name, ok := templateName(entry.Name())
			if entry.IsDir() || !ok {
				continue
			}
			tmpl, err := parseFile(filepath.Join(s.dir, entry.Name()), name)
			if err != nil {
				log.Warn().Err(err).Str("template", name).Msg("Skipping invalid template")
				if prev, ok := previous[name]; ok {
					loaded[name] = prev
				}
				continue
			}
			loaded[name] = tmpl
		}
	}

	s.mu.Lock()
	s.templates = loaded
	s.mu.Unlock()

	log.Debug().Int("count", len(loaded)).Str("dir", s.dir).Msg("Templates loaded")
	return nil
}

func parseFile(path, name string) (*template.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return tmpl, nil
}

// templateName maps a file name to its template name.
func templateName(file string) (string, bool) {
	if strings.HasPrefix(file, ".") {
		return "", false
	}
	ext := filepath.Ext(file)
	for _, allowed := range Extensions {
		if strings.EqualFold(ext, allowed) {
			return strings.TrimSuffix(file, ext), true
		}
	}
	return "", false
}

// Has reports whether name is loaded.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.templates[name]
	return ok
}

// Names lists the loaded template names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultName returns the configured default if loaded, otherwise the built-in.
func (s *Store) DefaultName() string {
	if s.defaultName != "" && s.Has(s.defaultName) {
		return s.defaultName
	}
	return BuiltinName
}

// Render executes the named template, or the default when name is empty.
func (s *Store) Render(name string, data Data) (string, error) {
	if name == "" {
		name = s.DefaultName()
	}
	s.mu.RLock()
	tmpl, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}

	if data.Now.IsZero() {
		data.Now = time.Now()
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
