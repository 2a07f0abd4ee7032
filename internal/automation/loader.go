package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk rules format.
//
//	scenes:
//	  - id: evening
//	    name: Evening
//	    actions:
//	      - entity: 1/lounge/light/ceiling
//	        command: {state: "ON", brightness: 80}
//	automations:
//	  - id: fan-on-when-hot
//	    name: Fan on when hot
//	    triggers:
//	      - entity: 1/node_1/sensor/temperature
//	        operator: ">"
//	        value: 30
//	    actions:
//	      - entity: 1/node_1/actuator/fan
//	        command: "ON"
//	      - scene: evening
type fileFormat struct {
	Scenes      []fileScene      `yaml:"scenes"`
	Automations []fileAutomation `yaml:"automations"`
}

// fileAutomation differs from Automation in that enabled defaults to true
// and commands keep their key order.
type fileAutomation struct {
	ID              string       `yaml:"id"`
	Name            string       `yaml:"name"`
	Enabled         *bool        `yaml:"enabled"`
	Logic           Logic        `yaml:"logic"`
	CooldownSeconds int          `yaml:"cooldown_seconds"`
	Triggers        []Trigger    `yaml:"triggers"`
	Actions         []fileAction `yaml:"actions"`
}

type fileScene struct {
	ID      string       `yaml:"id"`
	Name    string       `yaml:"name"`
	Actions []fileAction `yaml:"actions"`
}

type fileAction struct {
	Entity       string      `yaml:"entity"`
	Command      fileCommand `yaml:"command"`
	Scene        string      `yaml:"scene"`
	DelaySeconds int         `yaml:"delay_seconds"`
}

// fileCommand decodes a command. Mappings become json.RawMessage with keys
// in the order they were written; anything else decodes as usual.
type fileCommand struct {
	value any
}

func (c *fileCommand) UnmarshalYAML(node *yaml.Node) error {
	if resolveAlias(node).Kind == yaml.MappingNode {
		b, err := nodeJSON(node)
		if err != nil {
			return err
		}
		c.value = json.RawMessage(b)
		return nil
	}
	return node.Decode(&c.value)
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

// nodeJSON renders a YAML node as JSON, keeping mapping key order.
func nodeJSON(n *yaml.Node) ([]byte, error) {
	n = resolveAlias(n)
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return []byte("null"), nil
		}
		return nodeJSON(n.Content[0])

	case yaml.MappingNode:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			var key string
			if err := n.Content[i].Decode(&key); err != nil {
				return nil, fmt.Errorf("line %d: command keys must be strings", n.Content[i].Line)
			}
			k, err := json.Marshal(key)
			if err != nil {
				return nil, err
			}
			v, err := nodeJSON(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(k)
			buf.WriteByte(':')
			buf.Write(v)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case yaml.SequenceNode:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range n.Content {
			v, err := nodeJSON(item)
			if err != nil {
				return nil, err
			}
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(v)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return b, nil
	}
}

func (fa fileAction) action() Action {
	return Action{
		Entity:       fa.Entity,
		Command:      fa.Command.value,
		Scene:        fa.Scene,
		DelaySeconds: fa.DelaySeconds,
	}
}

func toActions(in []fileAction) []Action {
	if in == nil {
		return nil
	}
	out := make([]Action, len(in))
	for i, fa := range in {
		out[i] = fa.action()
	}
	return out
}

// Rules is the content of a rules file.
type Rules struct {
	Scenes      []Scene
	Automations []Automation
}

// LoadFile reads and validates a rules file and returns its automations.
// Every automation must carry a stable id so reloading updates rather than
// duplicates.
func LoadFile(path string) ([]Automation, error) {
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return rules.Automations, nil
}

// LoadRules reads and validates a rules file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading automations file: %w", err)
	}
	return ParseRules(data)
}

// Parse decodes and validates rules from YAML and returns the automations.
func Parse(data []byte) ([]Automation, error) {
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	return rules.Automations, nil
}

// ParseRules decodes and validates scenes and automations from YAML.
// Unknown keys are rejected, as are actions naming a scene the file does
// not define.
func ParseRules(data []byte) (*Rules, error) {
	var f fileFormat
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &Rules{}, nil
		}
		return nil, fmt.Errorf("parsing automations: %w", err)
	}

	rules := &Rules{
		Scenes:      make([]Scene, 0, len(f.Scenes)),
		Automations: make([]Automation, 0, len(f.Automations)),
	}

	scenes := make(map[string]bool, len(f.Scenes))
	for i, fs := range f.Scenes {
		if scenes[fs.ID] {
			return nil, fmt.Errorf("scene %q: %w: duplicate id", fs.ID, ErrInvalidScene)
		}
		s := Scene{ID: fs.ID, Name: fs.Name, Actions: toActions(fs.Actions)}
		if err := ValidateScene(&s); err != nil {
			return nil, fmt.Errorf("scene %d (%q): %w", i, fs.ID, err)
		}
		scenes[fs.ID] = true
		rules.Scenes = append(rules.Scenes, s)
	}

	seen := make(map[string]bool, len(f.Automations))
	for i, fa := range f.Automations {
		if fa.ID == "" {
			return nil, fmt.Errorf("automation %d (%q): %w: id is required", i, fa.Name, ErrInvalidAutomation)
		}
		if seen[fa.ID] {
			return nil, fmt.Errorf("automation %q: %w: duplicate id", fa.ID, ErrInvalidAutomation)
		}
		seen[fa.ID] = true

		a := Automation{
			ID:              fa.ID,
			Name:            fa.Name,
			Enabled:         fa.Enabled == nil || *fa.Enabled,
			Logic:           fa.Logic,
			CooldownSeconds: fa.CooldownSeconds,
			Triggers:        fa.Triggers,
			Actions:         toActions(fa.Actions),
		}
		if a.Logic == "" {
			a.Logic = LogicAnd
		}
		if err := ValidateAutomation(&a); err != nil {
			return nil, fmt.Errorf("automation %q: %w", a.ID, err)
		}
		for j, act := range a.Actions {
			if act.Scene != "" && !scenes[act.Scene] {
				return nil, fmt.Errorf("automation %q: action %d: %w: %s", a.ID, j, ErrSceneNotFound, act.Scene)
			}
		}
		rules.Automations = append(rules.Automations, a)
	}
	return rules, nil
}
