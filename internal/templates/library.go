// Package templates manages the question template catalog used by Tier-1
// generation and the starter idea catalog. The catalog is YAML; a default is
// embedded and an override file can be loaded and reloaded at runtime.
package templates

import (
	_ "embed"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/storyprompt/pkg/models"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Template is a parameterized question.
type Template struct {
	ID           string            `yaml:"id"`
	EntityType   models.EntityType `yaml:"entity_type"`
	MemoryType   models.MemoryType `yaml:"memory_type"`
	Text         string            `yaml:"text"`
	RequiresYear bool              `yaml:"requires_year"`
}

// Render fills the template placeholders.
func (t Template) Render(entity string, year int) string {
	text := strings.ReplaceAll(t.Text, "{entity}", entity)
	if year > 0 {
		text = strings.ReplaceAll(text, "{year}", strconv.Itoa(year))
	}
	return text
}

// Idea is a starter question that needs no story context.
type Idea struct {
	ID   string `yaml:"id"`
	Text string `yaml:"text"`
}

// Catalog is the top-level YAML structure.
type Catalog struct {
	Templates []Template `yaml:"templates"`
	Starters  []Idea     `yaml:"starters"`
}

// Library holds the loaded catalog. It is safe for concurrent use.
type Library struct {
	mu        sync.RWMutex
	templates []Template
	starters  []Idea
	path      string
}

// Default returns a Library backed by the embedded catalog.
func Default() *Library {
	lib, err := parse(defaultCatalog)
	if err != nil {
		panic("templates: embedded catalog is invalid: " + err.Error())
	}
	return lib
}

// Load reads the catalog at path. If the file does not exist, Load returns
// the embedded default (not an error).
func Load(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			lib := Default()
			lib.path = path
			return lib, nil
		}
		return nil, err
	}
	lib, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	lib.path = path
	return lib, nil
}

// Reload re-reads the file the library was loaded from. On error the
// current catalog is kept.
func (l *Library) Reload() error {
	if l.path == "" {
		return nil
	}
	fresh, err := Load(l.path)
	if err != nil {
		return err
	}
	fresh.mu.RLock()
	templates, starters := fresh.templates, fresh.starters
	fresh.mu.RUnlock()

	l.mu.Lock()
	l.templates, l.starters = templates, starters
	l.mu.Unlock()
	return nil
}

// Path returns the override file path, or "" for the embedded catalog.
func (l *Library) Path() string {
	return l.path
}

// Match returns templates for the entity type and memory type. Templates that
// need a year are only returned when hasYear is true.
func (l *Library) Match(entityType models.EntityType, memoryType models.MemoryType, hasYear bool) []Template {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Template
	for _, t := range l.templates {
		if t.EntityType != entityType || t.MemoryType != memoryType {
			continue
		}
		if t.RequiresYear && !hasYear {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Pick deterministically selects one matching template using key, so the
// same memory always gets the same wording.
func (l *Library) Pick(entityType models.EntityType, memoryType models.MemoryType, hasYear bool, key string) (Template, bool) {
	candidates := l.Match(entityType, memoryType, hasYear)
	if len(candidates) == 0 {
		return Template{}, false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return candidates[int(h.Sum32()%uint32(len(candidates)))], true
}

// Starters returns the starter ideas in catalog order.
func (l *Library) Starters() []Idea {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Idea, len(l.starters))
	copy(out, l.starters)
	return out
}

// Len returns the number of templates.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.templates)
}

func parse(data []byte) (*Library, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(cat.Templates))
	for i := range cat.Templates {
		t := &cat.Templates[i]
		if t.ID == "" || t.Text == "" {
			return nil, fmt.Errorf("template %d: id and text are required", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		seen[t.ID] = true
		if !strings.Contains(t.Text, "{entity}") {
			return nil, fmt.Errorf("template %q: text has no {entity} placeholder", t.ID)
		}
		if t.MemoryType == "" {
			t.MemoryType = t.EntityType.MemoryType()
		}
	}
	return &Library{templates: cat.Templates, starters: cat.Starters}, nil
}
