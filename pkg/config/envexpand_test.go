package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:     "simple variable expansion",
			input:    `token = "{{.API_TOKEN}}"`,
			envVars:  map[string]string{"API_TOKEN": "secret123"},
			expected: `token = "secret123"`,
		},
		{
			name:     "multiple variables in one line",
			input:    `endpoint = "{{.DB_HOST}}:{{.DB_PORT}}"`,
			envVars:  map[string]string{"DB_HOST": "db.local", "DB_PORT": "5432"},
			expected: `endpoint = "db.local:5432"`,
		},
		{
			name:     "missing variable expands to empty",
			input:    `token = "{{.NEVER_SET_VAR_XYZ}}"`,
			expected: `token = ""`,
		},
		{
			name:     "literal dollar signs preserved",
			input:    `pattern = "^secret.*$" # price\$[0-9]+ and $PATH and ${ARRAY[0]}`,
			expected: `pattern = "^secret.*$" # price\$[0-9]+ and $PATH and ${ARRAY[0]}`,
		},
		{
			name:     "no template syntax passes through",
			input:    "name = \"edmund\"\nport = 8701",
			expected: "name = \"edmund\"\nport = 8701",
		},
		{
			name:     "malformed template returns original",
			input:    `broken = "{{.UNCLOSED"`,
			expected: `broken = "{{.UNCLOSED"`,
		},
		{
			name:     "value containing equals sign",
			input:    `conn = "{{.CONN_OPTS}}"`,
			envVars:  map[string]string{"CONN_OPTS": "sslmode=disable&timeout=5"},
			expected: `conn = "sslmode=disable&timeout=5"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, val := range tt.envVars {
				t.Setenv(key, val)
			}
			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.expected, string(result))
		})
	}
}
