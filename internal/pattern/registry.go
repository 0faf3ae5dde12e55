// Package pattern implements the severity classifier: an ordered table of
// regex patterns with a suppression relation for known-benign lines.
package pattern

import (
	"fmt"
	"os"
	"regexp"

	"github.com/leadbase/issuewatch/pkg/models"
	"gopkg.in/yaml.v3"
)

// Spec is the declarative form of one pattern. A spec with an empty
// severity is a guard: it never classifies a line on its own and exists
// only to be named in another pattern's Suppresses list.
type Spec struct {
	Name       string          `yaml:"name"`
	Regex      string          `yaml:"regex"`
	Severity   models.Severity `yaml:"severity,omitempty"`
	Suppresses []string        `yaml:"suppresses,omitempty"`
	Noise      bool            `yaml:"noise,omitempty"`
}

type compiled struct {
	spec   Spec
	re     *regexp.Regexp
	guards []*compiled
}

// Registry evaluates patterns in declared order; the first match whose
// guards do not also match wins. A guarded match counts as non-issue.
type Registry struct {
	ordered []*compiled
	byName  map[string]*compiled
}

// NewRegistry compiles the given specs. Compilation or wiring failures are
// startup-time fatal for the caller.
func NewRegistry(specs []Spec) (*Registry, error) {
	r := &Registry{byName: make(map[string]*compiled, len(specs))}

	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("pattern config: pattern with empty name")
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("pattern config: duplicate pattern %q", s.Name)
		}
		re, err := regexp.Compile(s.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern config: compiling %q: %w", s.Name, err)
		}
		switch s.Severity {
		case "", models.SeverityCritical, models.SeverityError, models.SeverityWarning:
		default:
			return nil, fmt.Errorf("pattern config: pattern %q has unknown severity %q", s.Name, s.Severity)
		}
		c := &compiled{spec: s, re: re}
		r.byName[s.Name] = c
		if s.Severity != "" {
			r.ordered = append(r.ordered, c)
		}
	}

	// Resolve suppression references after every name is known.
	for _, c := range r.byName {
		for _, name := range c.spec.Suppresses {
			g, ok := r.byName[name]
			if !ok {
				return nil, fmt.Errorf("pattern config: pattern %q suppressed by unknown pattern %q", c.spec.Name, name)
			}
			c.guards = append(c.guards, g)
		}
	}

	return r, nil
}

// LoadSpecs reads a YAML pattern table. The file holds a top-level
// `patterns:` list of Spec entries.
func LoadSpecs(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}

	var file struct {
		Patterns []Spec `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing pattern file %s: %w", path, err)
	}
	if len(file.Patterns) == 0 {
		return nil, fmt.Errorf("pattern file %s contains no patterns", path)
	}
	return file.Patterns, nil
}

// Classify tests the line against the table in declared order. It returns
// nil when no pattern matches or when the first match is guarded.
// Classification is deterministic: the same line always yields the same
// result.
func (r *Registry) Classify(line string) *models.Classification {
	for _, c := range r.ordered {
		if !c.re.MatchString(line) {
			continue
		}
		for _, g := range c.guards {
			if g.re.MatchString(line) {
				return nil
			}
		}
		return &models.Classification{
			Severity:    c.spec.Severity,
			PatternName: c.spec.Name,
		}
	}
	return nil
}

// IsNoise reports whether the named pattern is flagged as non-actionable
// chatter (deprecations, build output). Unknown names are not noise.
func (r *Registry) IsNoise(patternName string) bool {
	c, ok := r.byName[patternName]
	return ok && c.spec.Noise
}

// Len returns the number of classifying patterns.
func (r *Registry) Len() int {
	return len(r.ordered)
}
