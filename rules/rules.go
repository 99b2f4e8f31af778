// Package rules maps field names to resolution strategies. Rule documents
// are YAML or JSON, validated against an embedded JSON schema, and matched
// with dot-separated glob patterns in declaration order.
package rules

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
)

// Document is the on-disk rule file.
type Document struct {
	Version string  `json:"version" yaml:"version"`
	Name    string  `json:"name,omitempty" yaml:"name,omitempty"`
	Rules   []Entry `json:"rules" yaml:"rules"`
}

// Entry is one rule as written in a Document.
type Entry struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Fields      []string `json:"fields" yaml:"fields"`
	Strategy    string   `json:"strategy" yaml:"strategy"`
	Threshold   float64  `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["rules"],
  "properties": {
    "version": {"type": "string"},
    "name": {"type": "string"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "fields", "strategy"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "enabled": {"type": "boolean"},
          "fields": {
            "type": "array",
            "minItems": 1,
            "items": {"type": "string", "minLength": 1}
          },
          "strategy": {
            "enum": ["auto", "last_write", "first_write", "manual",
                     "text", "string", "number", "boolean", "list", "json", "default"]
          },
          "threshold": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
})

// Rule is a compiled Entry.
type Rule struct {
	Name      string
	Fields    []string
	Strategy  resolve.Strategy
	Threshold float64
	patterns  []glob.Glob
}

// Matches reports whether any of the rule's patterns match field.
func (r Rule) Matches(field string) bool {
	for _, p := range r.patterns {
		if p.Match(field) {
			return true
		}
	}
	return false
}

// Set is an immutable, compiled rule document.
type Set struct {
	Version string
	Name    string
	rules   []Rule
}

var _ resolve.StrategySelector = (*Set)(nil)

// Rules returns the enabled rules in match order.
func (s *Set) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Select returns the first rule matching field.
func (s *Set) Select(field string) (resolve.Selection, bool) {
	if s == nil {
		return resolve.Selection{}, false
	}
	for _, r := range s.rules {
		if r.Matches(field) {
			return resolve.Selection{Rule: r.Name, Strategy: r.Strategy, Threshold: r.Threshold}, true
		}
	}
	return resolve.Selection{}, false
}

// FormatOf returns "json" for .json paths and "yaml" otherwise.
func FormatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}

// Parse decodes, validates and compiles a rule document.
func Parse(data []byte, format string) (*Set, error) {
	var raw any
	var doc Document
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, invalid(fmt.Errorf("parse yaml: %w", err))
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, invalid(fmt.Errorf("parse yaml: %w", err))
		}
	case "json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, invalid(fmt.Errorf("parse json: %w", err))
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, invalid(fmt.Errorf("parse json: %w", err))
		}
	default:
		return nil, invalid(fmt.Errorf("unsupported rules format %q", format))
	}

	if err := validate(raw); err != nil {
		return nil, err
	}
	return compile(doc)
}

func validate(raw any) error {
	schema, err := compiledSchema()
	if err != nil {
		return errors.E(errors.OpLoadRules, errors.KindInternal, fmt.Errorf("compile schema: %w", err))
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return invalid(fmt.Errorf("validate: %w", err))
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		msgs = append(msgs, re.String())
	}
	return invalid(fmt.Errorf("schema: %s", strings.Join(msgs, "; ")))
}

func compile(doc Document) (*Set, error) {
	set := &Set{Version: doc.Version, Name: doc.Name}
	seen := make(map[string]bool, len(doc.Rules))
	for _, e := range doc.Rules {
		if seen[e.Name] {
			return nil, invalid(fmt.Errorf("duplicate rule name %q", e.Name))
		}
		seen[e.Name] = true
		if e.Enabled != nil && !*e.Enabled {
			continue
		}
		r := Rule{
			Name:      e.Name,
			Fields:    e.Fields,
			Strategy:  resolve.Strategy(e.Strategy),
			Threshold: e.Threshold,
		}
		for _, f := range e.Fields {
			g, err := glob.Compile(f, '.')
			if err != nil {
				return nil, invalid(fmt.Errorf("rule %q: pattern %q: %w", e.Name, f, err))
			}
			r.patterns = append(r.patterns, g)
		}
		set.rules = append(set.rules, r)
	}
	return set, nil
}

func invalid(err error) error {
	return errors.E(errors.OpLoadRules, errors.Component("rules"), errors.KindInvalid, errors.ErrCodeValidationFailure, err)
}
