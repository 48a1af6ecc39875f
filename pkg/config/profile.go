package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named deployment tuning overlay. Profiles hold the knobs that
// differ between environments (poll cadence, retry budget, drain bounds);
// connection strings and secrets stay in the environment.
type Profile struct {
	Name string `yaml:"name"`

	Listener ListenerProfile `yaml:"listener"`
	Retry    RetryProfile    `yaml:"retry"`
}

// ListenerProfile tunes the ingestion loop.
type ListenerProfile struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

// RetryProfile tunes per-event retry.
type RetryProfile struct {
	MaxAttempts    uint          `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// LoadProfile reads profile_<name>.yaml from profilesDir.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return &p, nil
}

// Apply overlays the profile's non-zero values onto cfg.
func (p *Profile) Apply(cfg *Config) {
	if p.Listener.PollInterval > 0 {
		cfg.PollInterval = p.Listener.PollInterval
	}
	if p.Listener.ReconnectInitial > 0 {
		cfg.ReconnectInitial = p.Listener.ReconnectInitial
	}
	if p.Listener.ReconnectMax > 0 {
		cfg.ReconnectMax = p.Listener.ReconnectMax
	}
	if p.Listener.DrainTimeout > 0 {
		cfg.DrainTimeout = p.Listener.DrainTimeout
	}
	if p.Retry.MaxAttempts > 0 {
		cfg.MaxAttempts = p.Retry.MaxAttempts
	}
	if p.Retry.InitialBackoff > 0 {
		cfg.InitialBackoff = p.Retry.InitialBackoff
	}
	if p.Retry.MaxBackoff > 0 {
		cfg.MaxBackoff = p.Retry.MaxBackoff
	}
}
