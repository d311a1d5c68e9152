package services

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/complyops/playbook-runner/internal/playbook"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed schema/template.schema.json
var templateSchema string

const templateSchemaURL = "https://playbook-runner.local/schemas/template.schema.json"

// ErrTemplateNotFound is returned when no template has the requested id.
var ErrTemplateNotFound = errors.New("template not found")

type libraryEntry struct {
	tpl     *playbook.Template
	version *semver.Version
	source  string
}

// TemplateLibrary is the template source. Documents are YAML or JSON,
// validated against the embedded schema; only the highest version of each
// template id is served.
type TemplateLibrary struct {
	mu        sync.RWMutex
	templates map[string]libraryEntry
	schema    *jsonschema.Schema
	logger    *zap.SugaredLogger
}

// NewTemplateLibrary compiles the template schema and returns an empty library.
func NewTemplateLibrary(logger *zap.SugaredLogger) (*TemplateLibrary, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(templateSchemaURL, strings.NewReader(templateSchema)); err != nil {
		return nil, fmt.Errorf("template schema load failed: %w", err)
	}
	schema, err := c.Compile(templateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("template schema compile failed: %w", err)
	}
	return &TemplateLibrary{
		templates: make(map[string]libraryEntry),
		schema:    schema,
		logger:    logger,
	}, nil
}

// LoadDir registers every *.yaml, *.yml and *.json file in dir. A single bad
// document fails the whole load.
func (l *TemplateLibrary) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read template dir: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		if _, err := l.LoadFile(filepath.Join(dir, e.Name())); err != nil {
			return loaded, err
		}
		loaded++
	}

	l.logger.Infow("Templates loaded", "dir", dir, "files", loaded, "templates", l.Count())
	return loaded, nil
}

// LoadFile parses, validates and registers one template document.
func (l *TemplateLibrary) LoadFile(path string) (*playbook.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	tpl, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := l.Register(tpl, path); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Parse decodes and validates a template document without registering it.
// Steps that do not set triggers_disposition_workflow get it from the
// food/inventory heuristic.
func (l *TemplateLibrary) Parse(data []byte) (*playbook.Template, error) {
	// JSON is a YAML subset, so one decoder serves both formats.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	canonical, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(canonical))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	if err := l.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("template schema validation failed: %w", err)
	}

	var tpl playbook.Template
	if err := json.Unmarshal(canonical, &tpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	if _, err := semver.NewVersion(tpl.Version); err != nil {
		return nil, fmt.Errorf("template %s: invalid version %q: %w", tpl.ID, tpl.Version, err)
	}
	if tpl.Severity == "" {
		tpl.Severity = playbook.SeverityMedium
	}
	if err := checkSteps(&tpl); err != nil {
		return nil, err
	}

	explicit := explicitDispositionFlags(doc)
	for i := range tpl.Steps {
		if !explicit[i] {
			tpl.Steps[i].TriggersDisposition = playbook.LooksLikeDispositionStep(tpl.Steps[i])
		}
	}
	return &tpl, nil
}

// Register adds a template. A lower or equal version of an already
// registered id is ignored.
func (l *TemplateLibrary) Register(tpl *playbook.Template, source string) error {
	v, err := semver.NewVersion(tpl.Version)
	if err != nil {
		return fmt.Errorf("template %s: invalid version %q: %w", tpl.ID, tpl.Version, err)
	}
	if err := checkSteps(tpl); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.templates[tpl.ID]; ok && !v.GreaterThan(cur.version) {
		l.logger.Debugw("Template version ignored",
			"template_id", tpl.ID, "version", tpl.Version, "current", cur.version.Original())
		return nil
	}
	l.templates[tpl.ID] = libraryEntry{tpl: tpl.Clone(), version: v, source: source}
	return nil
}

// Get returns a copy of the highest registered version of a template.
func (l *TemplateLibrary) Get(id string) (*playbook.Template, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return e.tpl.Clone(), nil
}

// List returns copies of every template ordered by id.
func (l *TemplateLibrary) List() []*playbook.Template {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*playbook.Template, 0, len(l.templates))
	for _, e := range l.templates {
		out = append(out, e.tpl.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of distinct template ids.
func (l *TemplateLibrary) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.templates)
}

func checkSteps(tpl *playbook.Template) error {
	if len(tpl.Steps) == 0 {
		return fmt.Errorf("template %s has no steps", tpl.ID)
	}
	for i, s := range tpl.Steps {
		if s.StepNumber != i+1 {
			return fmt.Errorf("template %s: step %d is numbered %d", tpl.ID, i+1, s.StepNumber)
		}
		seen := make(map[string]bool, len(s.ActionItems))
		for _, item := range s.ActionItems {
			if seen[item.ID] {
				return fmt.Errorf("template %s: step %d has duplicate action item %q", tpl.ID, s.StepNumber, item.ID)
			}
			seen[item.ID] = true
		}
	}
	return nil
}

func explicitDispositionFlags(doc any) []bool {
	m, _ := doc.(map[string]any)
	steps, _ := m["steps"].([]any)
	out := make([]bool, len(steps))
	for i, s := range steps {
		step, _ := s.(map[string]any)
		_, out[i] = step["triggers_disposition_workflow"]
	}
	return out
}

func isTemplateFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
