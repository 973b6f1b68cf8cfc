package plugin

import (
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/voidsync/voidsync/pkg/contracts"
)

// profileSchema validates a decoded profile before it is applied.
// Unknown plugin ids are caught at apply time; this catches shape
// errors (wrong types, missing names, bad severities).
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "plugins": {
      "type": "object",
      "additionalProperties": {"type": "boolean"}
    },
    "lint_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "pattern", "severity"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "pattern": {"type": "string", "minLength": 1},
          "severity": {"enum": ["error", "warning", "info"]},
          "message": {"type": "string"}
        }
      }
    }
  }
}`

// Profile is a declarative pipeline configuration: which plugins are
// enabled, and replacement rules for the lint plugin.
type Profile struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Plugins     map[string]bool `yaml:"plugins"`
	LintRules   []ProfileRule   `yaml:"lint_rules"`
}

// ProfileRule is the YAML shape of one lint rule.
type ProfileRule struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
	Message  string `yaml:"message"`
}

var compiledProfileSchema = mustCompileProfileSchema()

func mustCompileProfileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://voidsync.schemas.local/profile.schema.json"
	if err := c.AddResource(url, strings.NewReader(profileSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// LoadProfile reads and validates a profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read profile: %v", contracts.ErrInvalidInput, err)
	}
	return ParseProfile(raw)
}

// ParseProfile decodes and schema-validates YAML profile bytes.
func ParseProfile(raw []byte) (*Profile, error) {
	// Decode once into a generic value for schema validation, then
	// into the typed profile. yaml.v3 yields map[string]any, which is
	// what the schema validator expects.
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: parse profile: %v", contracts.ErrInvalidInput, err)
	}
	if err := compiledProfileSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: profile schema: %v", contracts.ErrInvalidInput, err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: parse profile: %v", contracts.ErrInvalidInput, err)
	}
	return &p, nil
}

// ApplyProfile toggles plugin enablement and installs lint rules on a
// pipeline. Referencing an unknown plugin id is an error; a profile
// must describe the pipeline it targets.
func ApplyProfile(p *Pipeline, prof *Profile) error {
	for id, enabled := range prof.Plugins {
		pl, ok := p.Lookup(id)
		if !ok {
			return fmt.Errorf("%w: profile %s references unknown plugin %q", contracts.ErrInvalidInput, prof.Name, id)
		}
		pl.SetEnabled(enabled)
	}
	if len(prof.LintRules) > 0 {
		pl, ok := p.Lookup("lint")
		if !ok {
			return fmt.Errorf("%w: profile %s sets lint rules but no lint plugin is registered", contracts.ErrInvalidInput, prof.Name)
		}
		lint, ok := pl.(*LintPlugin)
		if !ok {
			return fmt.Errorf("%w: plugin %q is not the lint plugin", contracts.ErrInvalidInput, "lint")
		}
		rules := make([]LintRule, len(prof.LintRules))
		for i, r := range prof.LintRules {
			rules[i] = LintRule{
				Name:     r.Name,
				Pattern:  r.Pattern,
				Severity: Severity(r.Severity),
				Message:  r.Message,
			}
		}
		if err := lint.SetRules(rules); err != nil {
			return fmt.Errorf("%w: profile %s: %v", contracts.ErrInvalidInput, prof.Name, err)
		}
	}
	return nil
}
