package topic

import (
	"errors"
	"fmt"
	"strings"
)

// Topic keywords. They must appear exactly as written; "Home" or "STATE"
// are rejected.
const (
	RootSegment    = "home"
	StateSuffix    = "state"
	StatusSuffix   = "status"
	SetSuffix      = "set"
	CmdSuffix      = "cmd"
	ServerStatus   = "server/status"
	StatusOnline   = "online"
	StatusOffline  = "offline"
	entitySegments = 6
	deviceSegments = 4
)

// Subscription filters covering every inbound topic.
const (
	StateSubscription  = "home/+/+/+/+/state"
	StatusSubscription = "home/+/+/status"
)

// ErrInvalidTopic is matched by every *ParseError.
var ErrInvalidTopic = errors.New("topic: invalid topic")

// Kind classifies a parsed topic.
type Kind int

const (
	// KindState is an inbound entity state report.
	KindState Kind = iota + 1
	// KindStatus is a device-level online/offline report.
	KindStatus
	// KindCommand is an outbound command addressed to an entity.
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindStatus:
		return "status"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Identity names a device, or an entity on a device when EntityType and
// EntityName are set.
type Identity struct {
	HomeID     string
	Node       string
	EntityType string
	EntityName string
}

// IsEntity reports whether the identity addresses an entity rather than a device.
func (i Identity) IsEntity() bool {
	return i.EntityType != "" || i.EntityName != ""
}

// Device returns the device part of the identity.
func (i Identity) Device() Identity {
	return Identity{HomeID: i.HomeID, Node: i.Node}
}

// DeviceKey is "home_id/node". Ingestion is serialised per DeviceKey.
func (i Identity) DeviceKey() string {
	return i.HomeID + "/" + i.Node
}

// String renders "home_id/node" or "home_id/node/type/name".
func (i Identity) String() string {
	if !i.IsEntity() {
		return i.DeviceKey()
	}
	return i.HomeID + "/" + i.Node + "/" + i.EntityType + "/" + i.EntityName
}

// Validate checks the identity against the topic grammar.
func (i Identity) Validate() error {
	if err := checkHomeID(i.HomeID); err != nil {
		return err
	}
	if err := checkSegment("node", i.Node); err != nil {
		return err
	}
	if !i.IsEntity() {
		return nil
	}
	if err := checkSegment("entity type", i.EntityType); err != nil {
		return err
	}
	return checkSegment("entity name", i.EntityName)
}

// Parsed is the result of Parse.
type Parsed struct {
	Identity
	Kind Kind
}

// ParseError describes why a topic was rejected.
type ParseError struct {
	Topic  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("topic: invalid topic %q: %s", e.Topic, e.Reason)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidTopic).
func (e *ParseError) Unwrap() error {
	return ErrInvalidTopic
}

// Parse validates topic and extracts its identity.
//
// Accepted forms:
//
//	home/<home_id>/<node>/<type>/<name>/state
//	home/<home_id>/<node>/<type>/<name>/set
//	home/<home_id>/<node>/<type>/<name>/cmd
//	home/<home_id>/<node>/status
//
// home_id must be decimal digits. No segment may be empty or contain an
// MQTT wildcard.
func Parse(t string) (Parsed, error) {
	fail := func(reason string) (Parsed, error) {
		return Parsed{}, &ParseError{Topic: t, Reason: reason}
	}

	segs := strings.Split(t, "/")
	if len(segs) != entitySegments && len(segs) != deviceSegments {
		return fail(fmt.Sprintf("expected %d or %d segments, got %d", deviceSegments, entitySegments, len(segs)))
	}
	if segs[0] != RootSegment {
		return fail("first segment must be \"home\"")
	}

	id := Identity{HomeID: segs[1], Node: segs[2]}
	var kind Kind

	if len(segs) == deviceSegments {
		if segs[3] != StatusSuffix {
			return fail("device topic must end in \"status\"")
		}
		kind = KindStatus
	} else {
		id.EntityType, id.EntityName = segs[3], segs[4]
		switch segs[5] {
		case StateSuffix:
			kind = KindState
		case SetSuffix, CmdSuffix:
			kind = KindCommand
		default:
			return fail("entity topic must end in \"state\", \"set\" or \"cmd\"")
		}
	}

	if err := id.Validate(); err != nil {
		return fail(err.Error())
	}
	return Parsed{Identity: id, Kind: kind}, nil
}

// ParseRef parses an entity reference of the form "home_id/node/type/name"
// as used in automation rules.
func ParseRef(ref string) (Identity, error) {
	segs := strings.Split(ref, "/")
	if len(segs) != 4 {
		return Identity{}, &ParseError{Topic: ref, Reason: "entity reference must be home_id/node/type/name"}
	}
	id := Identity{HomeID: segs[0], Node: segs[1], EntityType: segs[2], EntityName: segs[3]}
	if err := id.Validate(); err != nil {
		return Identity{}, &ParseError{Topic: ref, Reason: err.Error()}
	}
	return id, nil
}

func checkHomeID(s string) error {
	if s == "" {
		return errors.New("empty home id")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return fmt.Errorf("home id %q is not numeric", s)
		}
	}
	return nil
}

func checkSegment(what, s string) error {
	if s == "" {
		return fmt.Errorf("empty %s", what)
	}
	if strings.ContainsAny(s, "+#/") {
		return fmt.Errorf("%s %q contains a wildcard or separator", what, s)
	}
	return nil
}
