package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCredentials(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		cfg     AnthropicConfig
		extra   map[string]string
		want    Credentials
		wantErr error
	}{
		{
			name: "environment wins",
			env:  "sk-ant-env-key",
			cfg:  AnthropicConfig{APIKey: "sk-ant-file-key"},
			want: Credentials{APIKey: "sk-ant-env-key", Source: SourceEnv},
		},
		{
			name:  "config with expansion",
			cfg:   AnthropicConfig{APIKey: "${MY_KEY}"},
			extra: map[string]string{"MY_KEY": "sk-ant-expanded"},
			want:  Credentials{APIKey: "sk-ant-expanded", Source: SourceConfig},
		},
		{
			name: "bedrock needs no key",
			cfg:  AnthropicConfig{UseBedrock: true},
			want: Credentials{Source: SourceBedrock},
		},
		{
			name:    "unset reference",
			cfg:     AnthropicConfig{APIKey: "${NOT_SET_ANYWHERE}"},
			wantErr: ErrNoAPIKey,
		},
		{
			name:    "missing",
			wantErr: ErrNoAPIKey,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ANTHROPIC_API_KEY", tt.env)
			for k, v := range tt.extra {
				t.Setenv(k, v)
			}
			got, err := ResolveCredentials(&Config{Anthropic: tt.cfg})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "(not set)", MaskAPIKey(""))
	assert.Equal(t, "***", MaskAPIKey("short"))
	assert.Equal(t, "sk-ant-...wxyz", MaskAPIKey("sk-ant-REDACTED"))
}
