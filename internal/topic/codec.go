package topic

import "fmt"

// Codec encodes identities into topics. The zero value uses the "set" suffix.
type Codec struct {
	CommandSuffix string
}

// NewCodec returns a Codec that writes commands with suffix ("set" or "cmd").
func NewCodec(suffix string) (Codec, error) {
	if suffix != SetSuffix && suffix != CmdSuffix {
		return Codec{}, fmt.Errorf("topic: command suffix must be %q or %q, got %q", SetSuffix, CmdSuffix, suffix)
	}
	return Codec{CommandSuffix: suffix}, nil
}

func (c Codec) suffix() string {
	if c.CommandSuffix == "" {
		return SetSuffix
	}
	return c.CommandSuffix
}

// CommandTopic returns the command topic mirroring id's state topic,
// e.g. home/1/node_1/actuator/fan/set.
func (c Codec) CommandTopic(id Identity) (string, error) {
	return entityTopic(id, c.suffix())
}

// StateTopic returns home/<home_id>/<node>/<type>/<name>/state.
func (c Codec) StateTopic(id Identity) (string, error) {
	return entityTopic(id, StateSuffix)
}

// StatusTopic returns home/<home_id>/<node>/status for id's device.
func (c Codec) StatusTopic(id Identity) (string, error) {
	dev := id.Device()
	if err := dev.Validate(); err != nil {
		return "", &ParseError{Topic: dev.String(), Reason: err.Error()}
	}
	return RootSegment + "/" + dev.DeviceKey() + "/" + StatusSuffix, nil
}

func entityTopic(id Identity, suffix string) (string, error) {
	if !id.IsEntity() {
		return "", &ParseError{Topic: id.String(), Reason: "identity has no entity"}
	}
	if err := id.Validate(); err != nil {
		return "", &ParseError{Topic: id.String(), Reason: err.Error()}
	}
	return RootSegment + "/" + id.String() + "/" + suffix, nil
}
