// Package category holds the document categories the generator offers.
package category

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ashureev/lexigen/internal/domain"
	"gopkg.in/yaml.v3"
)

// FreeForm is the untagged category used by the chat flow.
const FreeForm = ""

// FreeFormTitle is the display title of untagged requests.
const FreeFormTitle = "Legal Document"

//go:embed categories.yaml
var builtin []byte

type file struct {
	CommonFields []domain.FieldSpec `yaml:"common_fields"`
	Categories   []domain.Category  `yaml:"categories"`
}

// Registry is a concurrency-safe set of categories.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]domain.Category
	order  []string
	source string
}

// NewRegistry loads the built-in categories.
func NewRegistry() (*Registry, error) {
	r := &Registry{source: "builtin"}
	if err := r.load(builtin); err != nil {
		return nil, fmt.Errorf("load builtin categories: %w", err)
	}
	return r, nil
}

// LoadFile replaces the categories with the contents of path.
// On error the current set is kept.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read categories file: %w", err)
	}
	if err := r.load(data); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	r.mu.Lock()
	r.source = path
	r.mu.Unlock()
	return nil
}

func (r *Registry) load(data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if len(f.Categories) == 0 {
		return fmt.Errorf("no categories defined")
	}

	byKey := make(map[string]domain.Category, len(f.Categories))
	order := make([]string, 0, len(f.Categories))
	for _, c := range f.Categories {
		c.Key = strings.TrimSpace(c.Key)
		if c.Key == "" {
			return fmt.Errorf("category without key")
		}
		if c.Title == "" {
			return fmt.Errorf("category %q has no title", c.Key)
		}
		if _, dup := byKey[c.Key]; dup {
			return fmt.Errorf("duplicate category %q", c.Key)
		}
		fields := make([]domain.FieldSpec, 0, len(c.Fields)+len(f.CommonFields))
		fields = append(fields, c.Fields...)
		fields = append(fields, f.CommonFields...)
		c.Fields = fields

		byKey[c.Key] = c
		order = append(order, c.Key)
	}

	r.mu.Lock()
	r.byKey = byKey
	r.order = order
	r.mu.Unlock()
	return nil
}

// Lookup returns the category for key. The empty key resolves to the
// free-form category.
func (r *Registry) Lookup(key string) (domain.Category, bool) {
	if key == FreeForm {
		return domain.Category{Key: FreeForm, Title: FreeFormTitle}, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byKey[key]
	return c, ok
}

// List returns the tagged categories in definition order.
func (r *Registry) List() []domain.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Category, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k])
	}
	return out
}

// Source names where the current categories came from.
func (r *Registry) Source() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.source
}
