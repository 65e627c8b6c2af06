package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func agentConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			DefaultModel:     "claude-sonnet-4-5",
			Models:           []string{"claude-sonnet-4-5", "gpt-5"},
			ReasoningEfforts: []string{"none", "low", "medium", "high", "xhigh", "max"},
		},
	}
}

func TestNormalizeModel(t *testing.T) {
	cfg := agentConfig()

	tests := []struct {
		in   string
		want string
	}{
		{"gpt-5", "gpt-5"},
		{"claude-sonnet-4-5", "claude-sonnet-4-5"},
		{"", "claude-sonnet-4-5"},
		{"gpt-99", "claude-sonnet-4-5"},
		{"GPT-5", "claude-sonnet-4-5"}, // case sensitive
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.NormalizeModel(tt.in), tt.in)
	}
}

func TestNormalizeReasoningEffort(t *testing.T) {
	cfg := agentConfig()

	tests := []struct {
		in   string
		want string
	}{
		{"high", "high"},
		{"max", "max"},
		{"none", "none"},
		{"", ""},
		{"turbo", ""},
		{"HIGH", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.NormalizeReasoningEffort(tt.in), tt.in)
	}
}
