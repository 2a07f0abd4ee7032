package automation

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/nerrad567/homegate/internal/device"
)

// Logic combines an automation's triggers.
type Logic string

const (
	// LogicAnd requires every trigger to hold. This is the default.
	LogicAnd Logic = "and"
	// LogicOr requires at least one trigger to hold.
	LogicOr Logic = "or"
)

// TriggerKind selects how a trigger is evaluated.
type TriggerKind string

const (
	// TriggerState compares an entity's current state attribute to a value.
	TriggerState TriggerKind = "state"
	// TriggerTime holds during one minute of the day in the site timezone.
	TriggerTime TriggerKind = "time"
	// TriggerSun holds during the minute of a solar event, shifted by an
	// offset, at the site's coordinates.
	TriggerSun TriggerKind = "sun"
)

// Comparison operators accepted by state triggers.
const (
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpEqual        = "=="
	OpNotEqual     = "!="
)

// Automation is a rule: when its triggers become satisfied, publish its
// actions as commands.
type Automation struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	// Logic defaults to "and".
	Logic Logic `json:"logic" yaml:"logic"`

	// CooldownSeconds suppresses re-firing for this long after a fire.
	CooldownSeconds int `json:"cooldown_seconds" yaml:"cooldown_seconds"`

	Triggers []Trigger `json:"triggers" yaml:"triggers"`
	Actions  []Action  `json:"actions" yaml:"actions"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Trigger is one condition of an automation.
type Trigger struct {
	// Kind defaults to "state".
	Kind TriggerKind `json:"kind,omitempty" yaml:"kind,omitempty"`

	// Entity is "home_id/node/type/name" (state triggers).
	Entity string `json:"entity,omitempty" yaml:"entity,omitempty"`
	// Attribute is the state key compared; defaults to "value".
	Attribute string `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Operator  string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value     any    `json:"value,omitempty" yaml:"value,omitempty"`

	// At is "HH:MM" (time triggers).
	At string `json:"at,omitempty" yaml:"at,omitempty"`
	// Days restricts a time or sun trigger to weekdays ("mon".."sun"); empty
	// means every day.
	Days []string `json:"days,omitempty" yaml:"days,omitempty"`

	// Event is sunrise, sunset, dawn, dusk or noon (sun triggers).
	Event string `json:"event,omitempty" yaml:"event,omitempty"`
	// OffsetMinutes shifts the sun event; negative is before it.
	OffsetMinutes int `json:"offset_minutes,omitempty" yaml:"offset_minutes,omitempty"`
}

// EffectiveKind returns Kind with the default applied.
func (t Trigger) EffectiveKind() TriggerKind {
	if t.Kind == "" {
		return TriggerState
	}
	return t.Kind
}

// EffectiveAttribute returns Attribute with the default applied.
func (t Trigger) EffectiveAttribute() string {
	if t.Attribute == "" {
		return device.ValueKey
	}
	return t.Attribute
}

// Action is a command sent to an entity, or a scene applied, when an
// automation fires. Exactly one of Entity and Scene is set.
type Action struct {
	// Entity is "home_id/node/type/name".
	Entity string `json:"entity,omitempty" yaml:"entity,omitempty"`
	// Command is the payload: a scalar such as "ON", or an object. Objects
	// read from rules files or the database are json.RawMessage so their
	// key order is kept on the wire.
	Command any `json:"command,omitempty" yaml:"command,omitempty"`
	// Scene is the ID of a scene whose commands are sent in its order.
	Scene string `json:"scene,omitempty" yaml:"scene,omitempty"`
	// DelaySeconds postpones the command; it is sent by a later Tick.
	DelaySeconds int `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
}

// UnmarshalJSON keeps object commands as raw JSON.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var raw struct {
		plain
		Command json.RawMessage `json:"command"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cmd, err := decodeCommand(raw.Command)
	if err != nil {
		return err
	}
	*a = Action(raw.plain)
	a.Command = cmd
	return nil
}

func decodeCommand(b json.RawMessage) (any, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	if b[0] == '{' {
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err != nil {
			return nil, err
		}
		return json.RawMessage(buf.Bytes()), nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Scene is a named, ordered set of entity commands applied together.
type Scene struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Actions []Action `json:"actions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates an independent copy of the scene.
func (s *Scene) DeepCopy() *Scene {
	if s == nil {
		return nil
	}
	cpy := *s
	cpy.Actions = copyActions(s.Actions)
	return &cpy
}

// Execution records one firing of an automation.
type Execution struct {
	ID            string    `json:"id"`
	AutomationID  string    `json:"automation_id"`
	FiredAt       time.Time `json:"fired_at"`
	Cause         string    `json:"cause"`
	ActionsOK     int       `json:"actions_ok"`
	ActionsFailed int       `json:"actions_failed"`
	Error         string    `json:"error,omitempty"`
}

// EffectiveLogic returns Logic with the default applied.
func (a *Automation) EffectiveLogic() Logic {
	if a.Logic == "" {
		return LogicAnd
	}
	return a.Logic
}

// Cooldown returns CooldownSeconds as a duration.
func (a *Automation) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

// HasTimeTrigger reports whether Tick must evaluate the automation.
func (a *Automation) HasTimeTrigger() bool {
	for _, t := range a.Triggers {
		switch t.EffectiveKind() {
		case TriggerTime, TriggerSun:
			return true
		}
	}
	return false
}

// DeepCopy creates an independent copy of the automation for cache isolation.
func (a *Automation) DeepCopy() *Automation {
	if a == nil {
		return nil
	}

	cpy := *a
	if a.Triggers != nil {
		cpy.Triggers = make([]Trigger, len(a.Triggers))
		for i, t := range a.Triggers {
			t.Value = deepCopyValue(t.Value)
			if t.Days != nil {
				t.Days = append([]string(nil), t.Days...)
			}
			cpy.Triggers[i] = t
		}
	}
	cpy.Actions = copyActions(a.Actions)
	return &cpy
}

func copyActions(actions []Action) []Action {
	if actions == nil {
		return nil
	}
	out := make([]Action, len(actions))
	for i, act := range actions {
		act.Command = deepCopyValue(act.Command)
		out[i] = act
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = deepCopyValue(inner)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, inner := range val {
			s[i] = deepCopyValue(inner)
		}
		return s
	case json.RawMessage:
		return append(json.RawMessage(nil), val...)
	default:
		return v
	}
}
