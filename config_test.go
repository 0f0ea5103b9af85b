package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, defaultStationsPath, cfg.StationsPath)
	assert.Equal(t, 5, cfg.ButtonAPin)
	assert.Equal(t, 24, cfg.ButtonYPin)
	assert.Equal(t, 400*time.Millisecond, cfg.DoubleClickWindow)
	assert.Equal(t, 5*time.Second, cfg.ShutdownConfirmTTL)
	assert.Equal(t, 10*time.Second, cfg.MetadataInterval)
	assert.Equal(t, 50*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 3, cfg.AuthAttempts)
	assert.Len(t, cfg.Auth1URLs, 4)
	assert.Len(t, cfg.StreamXMLTemplates, 4)
	assert.False(t, cfg.TUI)
}

func TestLoadConfigBareNumbersAreSeconds(t *testing.T) {
	t.Setenv("RPLAYER_METADATA_INTERVAL", "30")
	t.Setenv("RPLAYER_DOUBLE_CLICK", "0.25")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.MetadataInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.DoubleClickWindow)
}

func TestLoadConfigGoDurations(t *testing.T) {
	t.Setenv("RPLAYER_TOKEN_TTL", "45m")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, cfg.TokenTTL)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"RPLAYER_BUTTON_A":          "not-a-pin",
		"RPLAYER_METADATA_INTERVAL": "soon",
		"RPLAYER_AUTH_ATTEMPTS":     "0",
		"RPLAYER_DOUBLE_CLICK":      "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestValidateMarginBelowTTL(t *testing.T) {
	t.Setenv("RPLAYER_TOKEN_TTL", "1m")
	t.Setenv("RPLAYER_TOKEN_MARGIN", "2m")
	_, err := LoadConfig()
	assert.Error(t, err, "a margin at or past the TTL would renew on every call")
}

func TestLoadConfigURLListOverride(t *testing.T) {
	t.Setenv("RPLAYER_RADIKO_AUTH1_URLS", "https://one.example/auth1, https://two.example/auth1,")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://one.example/auth1", "https://two.example/auth1"}, cfg.Auth1URLs)
}

func TestLoadConfigFlags(t *testing.T) {
	t.Setenv("RPLAYER_TUI", "1")
	t.Setenv("RPLAYER_DEBUG", "1")
	t.Setenv("RPLAYER_DISABLE_GPIO", "1")
	t.Setenv("RPLAYER_HTTP_ADDR", ":8090")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.TUI)
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.DisableGPIO)
	assert.Equal(t, ":8090", cfg.HTTPAddr)
}
