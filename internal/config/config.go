package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/jamfx/internal/dsp"
)

const envPrefix = "JAMFX"

type Config struct {
	ActiveProfile string          `mapstructure:"active_profile" yaml:"active_profile,omitempty"`
	Service       ServiceConfig   `mapstructure:"service" yaml:"service"`
	Capture       CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Transcode     TranscodeConfig `mapstructure:"transcode" yaml:"transcode"`
	Upload        UploadConfig    `mapstructure:"upload" yaml:"upload"`
	Effects       EffectPresets   `mapstructure:"effects" yaml:"effects"`
	Server        ServerConfig    `mapstructure:"server" yaml:"server"`
	Session       SessionConfig   `mapstructure:"session" yaml:"session"`
	Player        PlayerConfig    `mapstructure:"player" yaml:"player"`

	Profiles map[string]*Profile `mapstructure:"profiles" yaml:"profiles,omitempty"`

	// Profile is the name of the profile applied by Load, if any
	Profile string `mapstructure:"-" yaml:"-"`
	// Internal field to track inheritance information for config show
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

// ServiceConfig locates the remote DSP service
type ServiceConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CaptureConfig configures the audio input device
type CaptureConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"` // "pipewire", "auto"
	Source         string        `mapstructure:"source" yaml:"source"`   // JACK port, empty to link manually
	ClientName     string        `mapstructure:"client_name" yaml:"client_name"`
	SampleRate     int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels       int           `mapstructure:"channels" yaml:"channels"`
	Codec          string        `mapstructure:"codec" yaml:"codec"`
	Format         string        `mapstructure:"format" yaml:"format"`
	MimeType       string        `mapstructure:"mime_type" yaml:"mime_type"`
	ChunkInterval  time.Duration `mapstructure:"chunk_interval" yaml:"chunk_interval"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// TranscodeConfig configures the local converter
type TranscodeConfig struct {
	FFmpeg   string `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Format   string `mapstructure:"format" yaml:"format"`
	MimeType string `mapstructure:"mime_type" yaml:"mime_type"`
	// Preload loads the runtime at startup instead of on first stop
	Preload bool `mapstructure:"preload" yaml:"preload"`
}

// UploadConfig configures ingestion
type UploadConfig struct {
	AcceptedTypes []string `mapstructure:"accepted_types" yaml:"accepted_types"`
	Field         string   `mapstructure:"field" yaml:"field"`
}

// EffectPresets are the default effect parameters used when a flag or
// request field is omitted
type EffectPresets struct {
	Gain        dsp.GainParams        `mapstructure:"gain" yaml:"gain"`
	Compression dsp.CompressionParams `mapstructure:"compression" yaml:"compression"`
	PitchShift  dsp.PitchShiftParams  `mapstructure:"pitch_shift" yaml:"pitch_shift"`
}

type ServerConfig struct {
	Host                string `mapstructure:"host" yaml:"host"`
	Port                int    `mapstructure:"port" yaml:"port"`
	NotificationHistory int    `mapstructure:"notification_history" yaml:"notification_history"`
}

type SessionConfig struct {
	StateFile string `mapstructure:"state_file" yaml:"state_file"`
}

type PlayerConfig struct {
	// Command overrides player auto-detection (mpv, ffplay, vlc)
	Command string `mapstructure:"command" yaml:"command,omitempty"`
}

// Profile overrides effect presets and the service location. Unset fields
// are inherited from the root configuration.
type Profile struct {
	BaseURL string         `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Effects ProfileEffects `mapstructure:"effects" yaml:"effects,omitempty"`
}

type ProfileEffects struct {
	Gain        *dsp.GainParams        `mapstructure:"gain" yaml:"gain,omitempty"`
	Compression *dsp.CompressionParams `mapstructure:"compression" yaml:"compression,omitempty"`
	PitchShift  *dsp.PitchShiftParams  `mapstructure:"pitch_shift" yaml:"pitch_shift,omitempty"`
}

type InheritanceInfo struct {
	BaseURL     string // "inherited" or "profile-specific"
	Gain        string
	Compression string
	PitchShift  string
}

// DefaultConfigPath returns $HOME/.config/jamfx.yaml
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "jamfx.yaml")
}

func defaultStateFile() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "jamfx", "session.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.base_url", "http://localhost:5000")
	v.SetDefault("service.timeout", 60*time.Second)

	v.SetDefault("capture.backend", "auto")
	v.SetDefault("capture.source", "system:capture_1")
	v.SetDefault("capture.client_name", "jamfx_capture")
	v.SetDefault("capture.sample_rate", 48000)
	v.SetDefault("capture.channels", 1)
	v.SetDefault("capture.codec", "libopus")
	v.SetDefault("capture.format", "webm")
	v.SetDefault("capture.mime_type", "audio/webm")
	v.SetDefault("capture.chunk_interval", time.Second)
	v.SetDefault("capture.connect_timeout", 10*time.Second)

	v.SetDefault("transcode.ffmpeg", "ffmpeg")
	v.SetDefault("transcode.format", "mp3")
	v.SetDefault("transcode.mime_type", "audio/mpeg")
	v.SetDefault("transcode.preload", false)

	v.SetDefault("upload.accepted_types", []string{"audio/mpeg"})
	v.SetDefault("upload.field", "file")

	v.SetDefault("effects.gain.low_gain", 1.0)
	v.SetDefault("effects.gain.mid_gain", 1.0)
	v.SetDefault("effects.gain.high_gain", 1.0)
	v.SetDefault("effects.compression.threshold", -20.0)
	v.SetDefault("effects.compression.ratio", 4.0)
	v.SetDefault("effects.pitch_shift.rate", 1.0)
	v.SetDefault("effects.pitch_shift.n_steps", 0)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.notification_history", 50)

	v.SetDefault("session.state_file", defaultStateFile())
	v.SetDefault("player.command", "")
}

// Default returns the built-in configuration
func Default() *Config {
	cfg, err := LoadWithProfile("", "")
	if err != nil {
		// Built-in defaults always validate
		panic(err)
	}
	return cfg
}

// Load reads configFile without selecting a profile other than active_profile
func Load(configFile string) (*Config, error) {
	return LoadWithProfile(configFile, "")
}

// LoadWithProfile reads configFile, applies JAMFX_* environment overrides
// and merges the selected profile over the root settings. A missing file
// yields the built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(configFile); !os.IsNotExist(statErr) {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	profileName := profile
	if profileName == "" {
		profileName = cfg.ActiveProfile
	}
	// viper lowercases map keys
	profileName = strings.ToLower(profileName)
	if profileName != "" {
		selected, exists := cfg.Profiles[profileName]
		if !exists {
			return nil, fmt.Errorf("configuration profile '%s' not found", profileName)
		}
		applyProfile(&cfg, selected)
		cfg.Profile = profileName
	}

	cfg.Session.StateFile = expandPath(cfg.Session.StateFile)
	cfg.Transcode.FFmpeg = expandPath(cfg.Transcode.FFmpeg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyProfile merges profile over the root settings and records where each
// value came from
func applyProfile(cfg *Config, profile *Profile) {
	info := &InheritanceInfo{
		BaseURL:     "inherited",
		Gain:        "inherited",
		Compression: "inherited",
		PitchShift:  "inherited",
	}
	cfg.Inheritance = info

	if profile == nil {
		return
	}

	if profile.BaseURL != "" {
		cfg.Service.BaseURL = profile.BaseURL
		info.BaseURL = "profile-specific"
	}
	if profile.Effects.Gain != nil {
		cfg.Effects.Gain = *profile.Effects.Gain
		info.Gain = "profile-specific"
	}
	if profile.Effects.Compression != nil {
		cfg.Effects.Compression = *profile.Effects.Compression
		info.Compression = "profile-specific"
	}
	if profile.Effects.PitchShift != nil {
		cfg.Effects.PitchShift = *profile.Effects.PitchShift
		info.PitchShift = "profile-specific"
	}
}

// ProfileNames returns the configured profile names, sorted
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// UpdateActiveProfile updates the active_profile field in the config file
func UpdateActiveProfile(configFile, profile string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Separate viper instance so environment overrides are not written back
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	profile = strings.ToLower(profile)
	if profile != "" {
		profiles := v.GetStringMap("profiles")
		if _, ok := profiles[profile]; !ok {
			return fmt.Errorf("configuration profile '%s' not found", profile)
		}
	}

	v.Set("active_profile", profile)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// Validate checks the configuration for values the pipeline cannot use
func (c *Config) Validate() error {
	u, err := url.Parse(c.Service.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("service.base_url must be an http(s) URL, got: %q", c.Service.BaseURL)
	}
	if c.Service.Timeout <= 0 {
		return fmt.Errorf("service.timeout must be positive, got: %s", c.Service.Timeout)
	}

	if err := validateCapture(c.Capture); err != nil {
		return err
	}

	if c.Transcode.Format == "" {
		return fmt.Errorf("transcode.format is required")
	}
	if c.Transcode.MimeType == "" {
		return fmt.Errorf("transcode.mime_type is required")
	}

	if len(c.Upload.AcceptedTypes) == 0 {
		return fmt.Errorf("upload.accepted_types must list at least one MIME type")
	}
	for i, t := range c.Upload.AcceptedTypes {
		if !strings.Contains(t, "/") {
			return fmt.Errorf("upload.accepted_types[%d] must be a MIME type, got: %s", i, t)
		}
	}

	if err := c.Effects.Gain.Validate(); err != nil {
		return fmt.Errorf("effects.gain: %w", err)
	}
	if err := c.Effects.Compression.Validate(); err != nil {
		return fmt.Errorf("effects.compression: %w", err)
	}
	if err := c.Effects.PitchShift.Validate(); err != nil {
		return fmt.Errorf("effects.pitch_shift: %w", err)
	}

	for name, p := range c.Profiles {
		if err := validateProfile(p); err != nil {
			return fmt.Errorf("invalid profile '%s': %w", name, err)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}

	return nil
}

func validateCapture(c CaptureConfig) error {
	switch strings.ToLower(c.Backend) {
	case "", "auto", "pipewire":
	default:
		return fmt.Errorf("capture.backend must be 'pipewire' or 'auto', got: %s", c.Backend)
	}
	if c.Source != "" && !isValidAudioSource(c.Source) {
		return fmt.Errorf("capture.source must be a valid audio source (JACK port), got: %s", c.Source)
	}
	if c.ClientName == "" {
		return fmt.Errorf("capture.client_name is required")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be positive, got: %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("capture.channels must be 1 or 2, got: %d", c.Channels)
	}
	if c.ChunkInterval <= 0 {
		return fmt.Errorf("capture.chunk_interval must be positive, got: %s", c.ChunkInterval)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("capture.connect_timeout must be positive, got: %s", c.ConnectTimeout)
	}
	return nil
}

func validateProfile(p *Profile) error {
	if p == nil {
		return nil
	}
	if p.BaseURL != "" {
		u, err := url.Parse(p.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("base_url must be an http(s) URL, got: %q", p.BaseURL)
		}
	}
	if p.Effects.Gain != nil {
		if err := p.Effects.Gain.Validate(); err != nil {
			return fmt.Errorf("effects.gain: %w", err)
		}
	}
	if p.Effects.Compression != nil {
		if err := p.Effects.Compression.Validate(); err != nil {
			return fmt.Errorf("effects.compression: %w", err)
		}
	}
	if p.Effects.PitchShift != nil {
		if err := p.Effects.PitchShift.Validate(); err != nil {
			return fmt.Errorf("effects.pitch_shift: %w", err)
		}
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// isValidAudioSource accepts "disabled", or a JACK port "device:port"
func isValidAudioSource(source string) bool {
	source = strings.TrimSpace(source)

	if source == "" || source == "disabled" {
		return true
	}

	lastColonIndex := strings.LastIndex(source, ":")
	if lastColonIndex == -1 {
		return false
	}

	deviceName := strings.TrimSpace(source[:lastColonIndex])
	port := strings.TrimSpace(source[lastColonIndex+1:])
	return len(deviceName) > 0 && len(port) > 0
}
