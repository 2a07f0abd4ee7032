package automation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/homegate/internal/topic"
)

// Validation constants.
const (
	maxNameLength      = 100
	maxTriggers        = 20
	maxActions         = 50
	maxDelaySeconds    = 86400 // 1 day
	maxCooldownSeconds = 86400
	timeLayout         = "15:04"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ValidateAutomation checks an automation's structure. It does not check
// that referenced entities exist; that is only known at evaluation time.
// Returns an error describing the first validation failure found.
func ValidateAutomation(a *Automation) error {
	if a == nil {
		return ErrInvalidAutomation
	}

	if err := ValidateName(a.Name); err != nil {
		return err
	}

	switch a.EffectiveLogic() {
	case LogicAnd, LogicOr:
	default:
		return fmt.Errorf("%w: logic must be %q or %q, got %q", ErrInvalidAutomation, LogicAnd, LogicOr, a.Logic)
	}

	if a.CooldownSeconds < 0 || a.CooldownSeconds > maxCooldownSeconds {
		return fmt.Errorf("%w: cooldown_seconds must be 0-%d", ErrInvalidAutomation, maxCooldownSeconds)
	}

	if len(a.Triggers) == 0 {
		return ErrNoTriggers
	}
	if len(a.Triggers) > maxTriggers {
		return fmt.Errorf("%w: exceeds maximum of %d triggers", ErrInvalidTrigger, maxTriggers)
	}
	for i, t := range a.Triggers {
		if err := validateTrigger(t); err != nil {
			return fmt.Errorf("trigger %d: %w", i, err)
		}
	}

	if len(a.Actions) > maxActions {
		return fmt.Errorf("%w: exceeds maximum of %d actions", ErrInvalidAction, maxActions)
	}
	for i, act := range a.Actions {
		if err := validateAction(act); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}

	return nil
}

// ValidateName checks that a name is non-empty and within length limits.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(trimmed) > maxNameLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

func validateTrigger(t Trigger) error {
	switch t.EffectiveKind() {
	case TriggerState:
		if _, err := topic.ParseRef(t.Entity); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
		}
		if !validOperator(t.Operator) {
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidTrigger, t.Operator)
		}
		if t.Value == nil {
			return fmt.Errorf("%w: value is required", ErrInvalidTrigger)
		}
	case TriggerTime:
		if _, err := parseClock(t.At); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
		}
		if _, err := parseDays(t.Days); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
		}
	case TriggerSun:
		if !validSunEvent(t.Event) {
			return fmt.Errorf("%w: unknown sun event %q", ErrInvalidTrigger, t.Event)
		}
		if t.OffsetMinutes < -maxSunOffsetMinutes || t.OffsetMinutes > maxSunOffsetMinutes {
			return fmt.Errorf("%w: offset_minutes must be within ±%d", ErrInvalidTrigger, maxSunOffsetMinutes)
		}
		if _, err := parseDays(t.Days); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTrigger, t.Kind)
	}
	return nil
}

func validateAction(a Action) error {
	if a.DelaySeconds < 0 || a.DelaySeconds > maxDelaySeconds {
		return fmt.Errorf("%w: delay_seconds must be 0-%d", ErrInvalidAction, maxDelaySeconds)
	}
	if a.Scene != "" {
		if a.Entity != "" || a.Command != nil {
			return fmt.Errorf("%w: a scene action takes no entity or command", ErrInvalidAction)
		}
		return nil
	}
	return validateCommand(a, ErrInvalidAction)
}

// validateCommand checks an entity command. kind is the sentinel wrapped
// into the error.
func validateCommand(a Action, kind error) error {
	if _, err := topic.ParseRef(a.Entity); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	if a.Command == nil {
		return fmt.Errorf("%w: command is required", kind)
	}
	if _, err := EncodeCommand(a.Command); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}

// ValidateScene checks a scene's structure. Scene actions are plain entity
// commands: no delays and no nested scenes.
func ValidateScene(s *Scene) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidScene)
	}
	if err := ValidateName(s.Name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScene, err)
	}
	if len(s.Actions) == 0 {
		return fmt.Errorf("%w: no actions", ErrInvalidScene)
	}
	if len(s.Actions) > maxActions {
		return fmt.Errorf("%w: exceeds maximum of %d actions", ErrInvalidScene, maxActions)
	}
	for i, act := range s.Actions {
		if act.Scene != "" || act.DelaySeconds != 0 {
			return fmt.Errorf("%w: action %d: scenes hold entity commands only", ErrInvalidScene, i)
		}
		if err := validateCommand(act, ErrInvalidScene); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// clock is a minute of the day.
type clock struct {
	hour, minute int
}

func parseClock(s string) (clock, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return clock{}, fmt.Errorf("at must be HH:MM, got %q", s)
	}
	return clock{hour: t.Hour(), minute: t.Minute()}, nil
}

func parseDays(days []string) (map[time.Weekday]bool, error) {
	if len(days) == 0 {
		return nil, nil
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", d)
		}
		set[wd] = true
	}
	return set, nil
}

// GenerateID creates a new UUID for automations and executions.
func GenerateID() string {
	return uuid.NewString()
}
