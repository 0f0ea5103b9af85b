package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full configuration surface, resolved once at startup from
// RPLAYER_* environment variables. Invalid values fail fast instead of being
// silently coerced.
type Config struct {
	// Files
	StationsPath string
	StatePath    string

	// Buttons (BCM pin numbers)
	ButtonAPin  int
	ButtonBPin  int
	ButtonXPin  int
	ButtonYPin  int
	DisableGPIO bool

	// UI timing
	DoubleClickWindow  time.Duration
	ShutdownConfirmTTL time.Duration

	// Polling
	MetadataInterval time.Duration
	ProgramInterval  time.Duration
	StaleMultiplier  int

	// Upstream auth
	AuthKey       string
	App           string
	AppVersion    string
	Device        string
	User          string
	Cookie        string
	Auth1URLs     []string
	Auth2URLs     []string
	TokenTTL      time.Duration
	TokenMargin   time.Duration
	AuthAttempts  int
	AuthBackoff   time.Duration
	OverrideToken string

	// Stream resolution
	StreamXMLTemplates []string
	LiveStreamTemplate string

	// Metadata
	ProgramXMLTemplate string
	ArtworkMaxBytes    int64

	// World radio directory
	WorldRadioBase string

	// Playback
	FFmpegPath  string
	MPCPath     string
	ALSADevice  string
	PoweroffCmd string

	// Surfaces
	HTTPAddr string
	TUI      bool
	Debug    bool

	// One-shot: write the upstream station list to StationsPath and exit.
	RegenStations bool
}

// Defaults matching the appliance deployment.
const (
	defaultStationsPath = "stations.json"
	defaultStatePath    = "state.json"

	defaultDoubleClickWindow  = 400 * time.Millisecond
	defaultShutdownConfirmTTL = 5 * time.Second

	defaultMetadataInterval = 10 * time.Second
	defaultProgramInterval  = time.Hour
	defaultStaleMultiplier  = 3

	defaultAuthKey    = "bcd151073c03b352e1ef2fd66c32209da9ca0afa"
	defaultApp        = "pc_html5"
	defaultAppVersion = "0.0.1"
	defaultDevice     = "pc"
	defaultUser       = "dummy_user"

	defaultTokenTTL     = 50 * time.Minute
	defaultTokenMargin  = 30 * time.Second
	defaultAuthAttempts = 3
	defaultAuthBackoff  = 500 * time.Millisecond

	defaultLiveStreamTemplate = "http://f-radiko.smartstream.ne.jp/%s/_definst_/simul-stream.stream/playlist.m3u8"
	defaultProgramXMLTemplate = "https://radiko.jp/v3/program/station/date/%s/%s.xml"

	defaultArtworkMaxBytes = 2 << 20

	defaultWorldRadioBase = "https://all.api.radio-browser.info/json"

	defaultFFmpegPath = "ffmpeg"
	defaultMPCPath    = "mpc"
	defaultALSADevice = "hw:1,0"
)

var defaultAuth1URLs = []string{
	"https://radiko.jp/v2/api/auth1",
	"https://radiko.jp/v2/api/auth1_fms",
	"http://radiko.jp/v2/api/auth1",
	"http://radiko.jp/v2/api/auth1_fms",
}

var defaultAuth2URLs = []string{
	"https://radiko.jp/v2/api/auth2",
	"https://radiko.jp/v2/api/auth2_fms",
	"http://radiko.jp/v2/api/auth2",
	"http://radiko.jp/v2/api/auth2_fms",
}

var defaultStreamXMLTemplates = []string{
	"https://radiko.jp/v3/station/stream/pc_html5/%s.xml",
	"https://radiko.jp/v3/station/stream/pc/%s.xml",
	"http://radiko.jp/v3/station/stream/pc_html5/%s.xml",
	"http://radiko.jp/v3/station/stream/pc/%s.xml",
}

// LoadConfig resolves the configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		StationsPath:       envString("RPLAYER_STATIONS", defaultStationsPath),
		StatePath:          envString("RPLAYER_STATE", defaultStatePath),
		DisableGPIO:        os.Getenv("RPLAYER_DISABLE_GPIO") == "1",
		AuthKey:            envString("RPLAYER_RADIKO_AUTHKEY", defaultAuthKey),
		App:                envString("RPLAYER_RADIKO_APP", defaultApp),
		AppVersion:         envString("RPLAYER_RADIKO_APP_VER", defaultAppVersion),
		Device:             envString("RPLAYER_RADIKO_DEVICE", defaultDevice),
		User:               envString("RPLAYER_RADIKO_USER", defaultUser),
		Cookie:             os.Getenv("RPLAYER_RADIKO_COOKIE"),
		OverrideToken:      os.Getenv("RPLAYER_RADIKO_TOKEN"),
		LiveStreamTemplate: envString("RPLAYER_LIVE_STREAM_TEMPLATE", defaultLiveStreamTemplate),
		ProgramXMLTemplate: envString("RPLAYER_PROGRAM_XML_TEMPLATE", defaultProgramXMLTemplate),
		WorldRadioBase:     envString("RPLAYER_WORLD_RADIO_BASE", defaultWorldRadioBase),
		FFmpegPath:         envString("RPLAYER_FFMPEG", defaultFFmpegPath),
		MPCPath:            envString("RPLAYER_MPC", defaultMPCPath),
		ALSADevice:         envString("RPLAYER_ALSA_DEVICE", defaultALSADevice),
		PoweroffCmd:        os.Getenv("RPLAYER_POWEROFF_CMD"),
		HTTPAddr:           os.Getenv("RPLAYER_HTTP_ADDR"),
		TUI:                os.Getenv("RPLAYER_TUI") == "1",
		Debug:              os.Getenv("RPLAYER_DEBUG") == "1",
		RegenStations:      os.Getenv("RPLAYER_LIST_STATIONS") == "1",
		ArtworkMaxBytes:    defaultArtworkMaxBytes,
	}

	var err error
	if cfg.ButtonAPin, err = envInt("RPLAYER_BUTTON_A", 5); err != nil {
		return nil, err
	}
	if cfg.ButtonBPin, err = envInt("RPLAYER_BUTTON_B", 6); err != nil {
		return nil, err
	}
	if cfg.ButtonXPin, err = envInt("RPLAYER_BUTTON_X", 16); err != nil {
		return nil, err
	}
	if cfg.ButtonYPin, err = envInt("RPLAYER_BUTTON_Y", 24); err != nil {
		return nil, err
	}

	if cfg.DoubleClickWindow, err = envDuration("RPLAYER_DOUBLE_CLICK", defaultDoubleClickWindow); err != nil {
		return nil, err
	}
	if cfg.ShutdownConfirmTTL, err = envDuration("RPLAYER_SHUTDOWN_CONFIRM", defaultShutdownConfirmTTL); err != nil {
		return nil, err
	}
	if cfg.MetadataInterval, err = envDuration("RPLAYER_METADATA_INTERVAL", defaultMetadataInterval); err != nil {
		return nil, err
	}
	if cfg.ProgramInterval, err = envDuration("RPLAYER_PROGRAM_REFRESH", defaultProgramInterval); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, err = envDuration("RPLAYER_TOKEN_TTL", defaultTokenTTL); err != nil {
		return nil, err
	}
	if cfg.TokenMargin, err = envDuration("RPLAYER_TOKEN_MARGIN", defaultTokenMargin); err != nil {
		return nil, err
	}
	if cfg.AuthAttempts, err = envInt("RPLAYER_AUTH_ATTEMPTS", defaultAuthAttempts); err != nil {
		return nil, err
	}
	if cfg.AuthBackoff, err = envDuration("RPLAYER_AUTH_BACKOFF", defaultAuthBackoff); err != nil {
		return nil, err
	}
	if cfg.StaleMultiplier, err = envInt("RPLAYER_STALE_MULTIPLIER", defaultStaleMultiplier); err != nil {
		return nil, err
	}

	cfg.Auth1URLs = envURLList("RPLAYER_RADIKO_AUTH1_URLS", defaultAuth1URLs)
	cfg.Auth2URLs = envURLList("RPLAYER_RADIKO_AUTH2_URLS", defaultAuth2URLs)
	cfg.StreamXMLTemplates = envURLList("RPLAYER_STREAM_XML_TEMPLATES", defaultStreamXMLTemplates)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env parsing cannot.
func (c *Config) Validate() error {
	for name, pin := range map[string]int{
		"RPLAYER_BUTTON_A": c.ButtonAPin,
		"RPLAYER_BUTTON_B": c.ButtonBPin,
		"RPLAYER_BUTTON_X": c.ButtonXPin,
		"RPLAYER_BUTTON_Y": c.ButtonYPin,
	} {
		if pin < 0 {
			return fmt.Errorf("%s: negative pin %d", name, pin)
		}
	}
	for name, d := range map[string]time.Duration{
		"RPLAYER_DOUBLE_CLICK":      c.DoubleClickWindow,
		"RPLAYER_SHUTDOWN_CONFIRM":  c.ShutdownConfirmTTL,
		"RPLAYER_METADATA_INTERVAL": c.MetadataInterval,
		"RPLAYER_PROGRAM_REFRESH":   c.ProgramInterval,
		"RPLAYER_TOKEN_TTL":         c.TokenTTL,
		"RPLAYER_AUTH_BACKOFF":      c.AuthBackoff,
	} {
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
	}
	if c.TokenMargin < 0 {
		return fmt.Errorf("RPLAYER_TOKEN_MARGIN: must not be negative, got %s", c.TokenMargin)
	}
	if c.TokenMargin >= c.TokenTTL {
		return fmt.Errorf("RPLAYER_TOKEN_MARGIN: %s must be below token TTL %s", c.TokenMargin, c.TokenTTL)
	}
	if c.AuthAttempts < 1 {
		return fmt.Errorf("RPLAYER_AUTH_ATTEMPTS: must be at least 1, got %d", c.AuthAttempts)
	}
	if c.StaleMultiplier < 1 {
		return fmt.Errorf("RPLAYER_STALE_MULTIPLIER: must be at least 1, got %d", c.StaleMultiplier)
	}
	if c.AuthKey == "" {
		return fmt.Errorf("RPLAYER_RADIKO_AUTHKEY: must not be empty")
	}
	if len(c.Auth1URLs) == 0 {
		return fmt.Errorf("RPLAYER_RADIKO_AUTH1_URLS: must not be empty")
	}
	if len(c.Auth2URLs) == 0 {
		return fmt.Errorf("RPLAYER_RADIKO_AUTH2_URLS: must not be empty")
	}
	if len(c.StreamXMLTemplates) == 0 {
		return fmt.Errorf("RPLAYER_STREAM_XML_TEMPLATES: must not be empty")
	}
	return nil
}

func envString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", name, v)
	}
	return n, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	// Bare numbers are seconds, for compatibility with the old knobs.
	if sec, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(sec * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", name, v)
	}
	return d, nil
}

func envURLList(name string, fallback []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	var urls []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			urls = append(urls, part)
		}
	}
	if len(urls) == 0 {
		return fallback
	}
	return urls
}
