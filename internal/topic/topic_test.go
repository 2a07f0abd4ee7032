package topic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		topic string
		want  Parsed
	}{
		{
			topic: "home/1/node_1/sensor/temperature/state",
			want: Parsed{
				Identity: Identity{HomeID: "1", Node: "node_1", EntityType: "sensor", EntityName: "temperature"},
				Kind:     KindState,
			},
		},
		{
			topic: "home/42/kitchen/actuator/fan/set",
			want: Parsed{
				Identity: Identity{HomeID: "42", Node: "kitchen", EntityType: "actuator", EntityName: "fan"},
				Kind:     KindCommand,
			},
		},
		{
			topic: "home/42/kitchen/light/ceiling/cmd",
			want: Parsed{
				Identity: Identity{HomeID: "42", Node: "kitchen", EntityType: "light", EntityName: "ceiling"},
				Kind:     KindCommand,
			},
		},
		{
			topic: "home/7/garage/status",
			want:  Parsed{Identity: Identity{HomeID: "7", Node: "garage"}, Kind: KindStatus},
		},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := Parse(tt.topic)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		topic string
	}{
		{"empty", ""},
		{"too few segments", "home/1/node/sensor/state"},
		{"too many segments", "home/1/node/sensor/temp/state/extra"},
		{"wrong root", "house/1/node/sensor/temp/state"},
		{"uppercase root", "Home/1/node/sensor/temp/state"},
		{"uppercase suffix", "home/1/node/sensor/temp/STATE"},
		{"unknown suffix", "home/1/node/sensor/temp/value"},
		{"non-numeric home", "home/abc/node/sensor/temp/state"},
		{"negative home", "home/-1/node/sensor/temp/state"},
		{"empty home", "home//node/sensor/temp/state"},
		{"empty node", "home/1//sensor/temp/state"},
		{"empty entity type", "home/1/node//temp/state"},
		{"empty entity name", "home/1/node/sensor//state"},
		{"wildcard node", "home/1/+/sensor/temp/state"},
		{"multi-level wildcard", "home/1/node/sensor/#/state"},
		{"device topic without status", "home/1/node/online"},
		{"trailing slash", "home/1/node/status/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.topic)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTopic), "error should match ErrInvalidTopic")

			var pe *ParseError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.topic, pe.Topic)
			assert.NotEmpty(t, pe.Reason)
		})
	}
}

func TestCommandTopic_RoundTrip(t *testing.T) {
	topics := []string{
		"home/1/node_1/sensor/temperature/state",
		"home/1/node_1/actuator/fan/set",
		"home/900/hall-way/light/Lamp.2/cmd",
		"home/3/a/b/c/state",
	}

	for _, suffix := range []string{SetSuffix, CmdSuffix} {
		codec, err := NewCodec(suffix)
		require.NoError(t, err)

		for _, topic := range topics {
			first, err := Parse(topic)
			require.NoError(t, err, topic)

			cmd, err := codec.CommandTopic(first.Identity)
			require.NoError(t, err)

			second, err := Parse(cmd)
			require.NoError(t, err, cmd)
			assert.Equal(t, first.Identity, second.Identity)
			assert.Equal(t, KindCommand, second.Kind)
		}
	}
}

func TestCodec_Topics(t *testing.T) {
	id := Identity{HomeID: "1", Node: "node_1", EntityType: "actuator", EntityName: "fan"}

	var zero Codec
	cmd, err := zero.CommandTopic(id)
	require.NoError(t, err)
	assert.Equal(t, "home/1/node_1/actuator/fan/set", cmd)

	state, err := zero.StateTopic(id)
	require.NoError(t, err)
	assert.Equal(t, "home/1/node_1/actuator/fan/state", state)

	status, err := zero.StatusTopic(id)
	require.NoError(t, err)
	assert.Equal(t, "home/1/node_1/status", status)

	_, err = zero.CommandTopic(id.Device())
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = zero.CommandTopic(Identity{HomeID: "x", Node: "n", EntityType: "t", EntityName: "e"})
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = NewCodec("SET")
	assert.Error(t, err)
}

func TestParseRef(t *testing.T) {
	id, err := ParseRef("1/node_1/sensor/temperature")
	require.NoError(t, err)
	assert.Equal(t, Identity{HomeID: "1", Node: "node_1", EntityType: "sensor", EntityName: "temperature"}, id)
	assert.Equal(t, "1/node_1", id.DeviceKey())
	assert.Equal(t, "1/node_1/sensor/temperature", id.String())

	for _, bad := range []string{"", "1/node", "x/node/sensor/t", "1/node/sensor/", "1/n/s/t/u"} {
		_, err := ParseRef(bad)
		assert.ErrorIs(t, err, ErrInvalidTopic, bad)
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "state", KindState.String())
	assert.Equal(t, "status", KindStatus.String())
	assert.Equal(t, "command", KindCommand.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
