package flagx

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		allowed []string
		want    []string
	}{
		{
			name:    "separate value kept",
			args:    []string{"-a", "127.0.0.1:8080", "-x", "junk"},
			allowed: []string{"-a"},
			want:    []string{"-a", "127.0.0.1:8080"},
		},
		{
			name:    "equals form kept",
			args:    []string{"--config=conf.json", "--other=1"},
			allowed: []string{"--config"},
			want:    []string{"--config=conf.json"},
		},
		{
			name:    "flag followed by another flag has no value",
			args:    []string{"-a", "-b", "v"},
			allowed: []string{"-a", "-b"},
			want:    []string{"-a", "-b", "v"},
		},
		{
			name:    "nothing allowed",
			args:    []string{"-a", "1", "-b"},
			allowed: nil,
			want:    []string{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FilterArgs(tc.args, tc.allowed)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConfigFileFlag(t *testing.T) {
	oldArgs := os.Args
	t.Cleanup(func() { os.Args = oldArgs })

	os.Args = []string{"agent", "-c", "agent.json", "-a", "addr"}
	assert.Equal(t, "agent.json", ConfigFileFlag())

	os.Args = []string{"agent", "--config=other.json"}
	assert.Equal(t, "other.json", ConfigFileFlag())

	os.Args = []string{"agent"}
	assert.Equal(t, "", ConfigFileFlag())
}
