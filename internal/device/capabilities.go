package device

// controllableTypes accept commands on their command topic.
var controllableTypes = map[string]bool{
	"light":  true,
	"switch": true,
	"fan":    true,
	"relay":  true,
	"valve":  true,
}

// IsControllable reports whether entities of this type accept commands.
func IsControllable(entityType string) bool {
	return controllableTypes[entityType]
}

// InferCapabilities derives capability flags from an entity's type and the
// first state it reported. A nil initial state yields type-only capabilities.
func InferCapabilities(entityType string, initial State) Capabilities {
	caps := Capabilities{}

	switch entityType {
	case "light", "fan":
		if _, ok := initial["brightness"]; ok {
			caps["brightness"] = true
		}
		_, r := initial["r"]
		_, g := initial["g"]
		_, b := initial["b"]
		if r && g && b {
			caps["rgb"] = true
		}
		if _, ok := initial["speed"]; ok {
			caps["speed"] = true
		}
	case "sensor":
		caps["read_only"] = true
	}

	return caps
}
