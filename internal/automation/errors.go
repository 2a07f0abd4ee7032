package automation

import (
	"errors"
	"fmt"
)

// Domain errors for the automation package.
//
// Configuration errors share the ErrConfiguration root so callers can
// treat the whole family alike:
//
//	if errors.Is(err, automation.ErrConfiguration) {
//	    // log and treat the trigger as not matching
//	}
var (
	// ErrConfiguration is the root of every rule configuration error.
	ErrConfiguration = errors.New("automation: configuration error")

	// ErrEntityNotFound is returned when a trigger or action references an
	// entity the registry has never seen.
	ErrEntityNotFound = fmt.Errorf("%w: entity not found", ErrConfiguration)

	// ErrTypeMismatch is returned when an ordering operator meets a
	// non-numeric value.
	ErrTypeMismatch = fmt.Errorf("%w: type mismatch", ErrConfiguration)

	// ErrUnknownOperator is returned for operators outside > < >= <= == !=.
	ErrUnknownOperator = fmt.Errorf("%w: unknown operator", ErrConfiguration)

	// ErrAutomationNotFound is returned when an automation ID does not exist.
	ErrAutomationNotFound = errors.New("automation: not found")

	// ErrAutomationExists is returned when creating an automation with an ID that already exists.
	ErrAutomationExists = errors.New("automation: already exists")

	// ErrInvalidAutomation is returned when automation validation fails.
	ErrInvalidAutomation = errors.New("automation: invalid")

	// ErrInvalidName is returned when a name is empty or too long.
	ErrInvalidName = errors.New("automation: invalid name")

	// ErrInvalidTrigger is returned when a trigger is malformed.
	ErrInvalidTrigger = errors.New("automation: invalid trigger")

	// ErrInvalidAction is returned when an action is malformed.
	ErrInvalidAction = errors.New("automation: invalid action")

	// ErrNoTriggers is returned when an automation has no triggers.
	ErrNoTriggers = errors.New("automation: no triggers")

	// ErrInvalidScene is returned when a scene is malformed.
	ErrInvalidScene = errors.New("automation: invalid scene")

	// ErrSceneNotFound is returned when an action names a scene that does
	// not exist.
	ErrSceneNotFound = fmt.Errorf("%w: scene not found", ErrConfiguration)
)
