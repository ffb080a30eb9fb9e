package agent

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action is one entry of the action catalog: a goal the agent knows how to pursue,
// with the instruction text injected when it is selected and an optional allow-list
// of tool keys.
type Action struct {
	Key          string   `yaml:"key" json:"key"`
	Goal         string   `yaml:"goal" json:"goal"`
	Utterances   []string `yaml:"utterances,omitempty" json:"utterances,omitempty"`
	Slots        []string `yaml:"slots,omitempty" json:"slots,omitempty"`
	Instructions string   `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Tools        []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// Tool is one entry of the tool catalog. Input declares the parameter schema in
// one of two wire forms: a list of {name, hint, required} mappings, or the legacy
// key -> hint mapping (every legacy parameter is treated as required).
type Tool struct {
	Key     string `yaml:"key" json:"key"`
	Goal    string `yaml:"goal" json:"goal"`
	Handler string `yaml:"handler" json:"handler"`
	Input   any    `yaml:"input,omitempty" json:"input,omitempty"`
}

// Catalog bundles the actions and tools available to a deployment.
type Catalog struct {
	Actions []Action `yaml:"actions"`
	Tools   []Tool   `yaml:"tools"`
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) Validate() error {
	if c == nil {
		return errors.New("nil catalog")
	}
	seen := map[string]bool{}
	for i, a := range c.Actions {
		key := strings.TrimSpace(a.Key)
		if key == "" {
			return fmt.Errorf("action %d missing key", i)
		}
		if seen["a:"+key] {
			return fmt.Errorf("duplicate action key %q", key)
		}
		seen["a:"+key] = true
	}
	for i, t := range c.Tools {
		key := strings.TrimSpace(t.Key)
		if key == "" {
			return fmt.Errorf("tool %d missing key", i)
		}
		if seen["t:"+key] {
			return fmt.Errorf("duplicate tool key %q", key)
		}
		seen["t:"+key] = true
	}
	return nil
}

// ActionByKey returns the catalog action with the given key, or nil.
func (c *Catalog) ActionByKey(key string) *Action {
	if c == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	for i := range c.Actions {
		if c.Actions[i].Key == key {
			return &c.Actions[i]
		}
	}
	return nil
}

// toolParam is the normalized form of one declared tool parameter.
type toolParam struct {
	Name     string
	Hint     string
	Required bool
}

// toolParams normalizes the tool's declared input schema. Both wire forms decode
// from YAML or JSON into dynamic values, so the normalization is shape-driven.
func (t Tool) toolParams() []toolParam {
	switch input := t.Input.(type) {
	case []any:
		out := make([]toolParam, 0, len(input))
		for _, raw := range input {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			name := stringField(m, "name")
			hint := stringField(m, "hint")
			if name == "" || hint == "" {
				continue
			}
			required, _ := m["required"].(bool)
			out = append(out, toolParam{Name: name, Hint: hint, Required: required})
		}
		return out
	case map[string]any:
		// Legacy form: key -> hint, everything required.
		keys := make([]string, 0, len(input))
		for k := range input {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]toolParam, 0, len(keys))
		for _, k := range keys {
			out = append(out, toolParam{Name: k, Hint: fmt.Sprint(input[k]), Required: true})
		}
		return out
	default:
		return nil
	}
}

// functionSchema translates the tool's declared parameters into a function-call
// schema with a required array.
func (t Tool) functionSchema() map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, p := range t.toolParams() {
		properties[p.Name] = map[string]any{"type": "string", "description": p.Hint}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Key,
			"description": t.Goal,
			"parameters": map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		},
	}
}
