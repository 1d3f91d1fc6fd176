// Package skills resolves prompt templates by skill and function name.
package skills

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrTemplateNotFound is returned when no function matches a skill/function pair.
var ErrTemplateNotFound = errors.New("prompt template not found")

// Function is one prompt template of a skill.
type Function struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Template    string `yaml:"template" json:"-"`
}

// Skill groups related functions.
type Skill struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Functions   []Function `yaml:"functions" json:"functions"`
}

type document struct {
	Skills []Skill `yaml:"skills"`
}

// Catalog is an immutable set of skills. It is safe for concurrent use.
type Catalog struct {
	skills    []Skill
	templates map[string]string
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or returns the default catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read skill catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("skill catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse skill catalog YAML: %w", err)
	}

	c := &Catalog{templates: make(map[string]string)}
	for _, s := range doc.Skills {
		if s.Name == "" {
			return nil, errors.New("skill without a name")
		}
		for _, fn := range s.Functions {
			if fn.Name == "" {
				return nil, fmt.Errorf("skill %s has a function without a name", s.Name)
			}
			if strings.TrimSpace(fn.Template) == "" {
				return nil, fmt.Errorf("%s.%s has an empty template", s.Name, fn.Name)
			}
			k := key(s.Name, fn.Name)
			if _, dup := c.templates[k]; dup {
				return nil, fmt.Errorf("duplicate function %s.%s", s.Name, fn.Name)
			}
			c.templates[k] = fn.Template
		}
		c.skills = append(c.skills, s)
	}
	sort.Slice(c.skills, func(i, j int) bool { return c.skills[i].Name < c.skills[j].Name })
	return c, nil
}

// Resolve returns the template of skill.function.
func (c *Catalog) Resolve(skill, function string) (string, error) {
	tmpl, ok := c.templates[key(skill, function)]
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrTemplateNotFound, skill, function)
	}
	return tmpl, nil
}

// List returns the skills sorted by name.
func (c *Catalog) List() []Skill {
	out := make([]Skill, len(c.skills))
	copy(out, c.skills)
	return out
}

func key(skill, function string) string {
	return skill + "." + function
}
