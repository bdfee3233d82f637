package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestParseRPFMode(t *testing.T) {
	cases := []struct {
		in   string
		mode RPFMode
		err  bool
	}{
		{"disabled", RPFDisabled, false},
		{"0", RPFDisabled, false},
		{"strict", RPFStrict, false},
		{"1", RPFStrict, false},
		{"Loose", RPFLoose, false},
		{"2", RPFLoose, false},
		{"3", RPFDisabled, true},
		{"maybe", RPFDisabled, true},
	}

	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			mode, err := ParseRPFMode(c.in)
			if c.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.mode, mode)
		})
	}
}

func TestRPFModeYAML(t *testing.T) {
	var v struct {
		Modes map[string]RPFMode `yaml:"modes"`
	}
	err := yaml.Unmarshal([]byte("modes: {all: strict, eth0: 2}"), &v)
	require.NoError(t, err)
	assert.Equal(t, RPFStrict, v.Modes["all"])
	assert.Equal(t, RPFLoose, v.Modes["eth0"])

	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(out), "all: strict")
}

func TestIPNetYAML(t *testing.T) {
	var v struct {
		Net IPNet `yaml:"net"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(`net: 10.94.61.12/24`), &v))
	assert.Equal(t, "10.94.61.12/24", v.Net.String())

	require.Error(t, yaml.Unmarshal([]byte(`net: 10.94.61.12`), &v))
}

func TestParseEndpoint(t *testing.T) {
	e, err := ParseEndpoint("serv0:8000")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "serv0", Port: 8000}, e)

	e, err = ParseEndpoint("172.30.0.10:8000")
	require.NoError(t, err)
	assert.Equal(t, "172.30.0.10:8000", e.String())

	_, err = ParseEndpoint("172.30.0.10")
	assert.Error(t, err)
	_, err = ParseEndpoint("172.30.0.10:0")
	assert.Error(t, err)
	_, err = ParseEndpoint("172.30.0.10:http")
	assert.Error(t, err)
}
