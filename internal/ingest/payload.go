package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/homegate/internal/device"
	"github.com/nerrad567/homegate/internal/topic"
)

// DecodeState turns a state payload into entity state.
//
// Scalars (number, boolean, string) become {"value": v}. Objects are kept
// as-is but must carry a "value" key. Numbers decode as float64.
func DecodeState(payload []byte) (device.State, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch val := v.(type) {
	case float64, bool, string:
		return device.State{device.ValueKey: val}, nil
	case map[string]any:
		if _, ok := val[device.ValueKey]; !ok {
			return nil, fmt.Errorf("%w: object without %q", ErrMalformedPayload, device.ValueKey)
		}
		return device.State(val), nil
	case nil:
		return nil, fmt.Errorf("%w: null", ErrMalformedPayload)
	default:
		return nil, fmt.Errorf("%w: unsupported JSON %T", ErrMalformedPayload, v)
	}
}

// DecodeStatus parses a status payload. Only the exact words "online" and
// "offline" are accepted.
func DecodeStatus(payload []byte) (bool, error) {
	switch string(bytes.TrimSpace(payload)) {
	case topic.StatusOnline:
		return true, nil
	case topic.StatusOffline:
		return false, nil
	default:
		return false, fmt.Errorf("%w: status %q", ErrMalformedPayload, payload)
	}
}
