package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a named deployment overlay. Set fields override the
// environment; empty fields leave it alone. StrictMode is a pointer so a
// profile can force it either way.
type Profile struct {
	Name         string `yaml:"name" json:"name"`
	StrictMode   *bool  `yaml:"strict_mode,omitempty" json:"strict_mode,omitempty"`
	LogLevel     string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	DatabaseURL  string `yaml:"database_url,omitempty" json:"database_url,omitempty"`
	RedisAddr    string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	PatternsDir  string `yaml:"patterns_dir,omitempty" json:"patterns_dir,omitempty"`
	PricingPack  string `yaml:"pricing_pack,omitempty" json:"pricing_pack,omitempty"`
	DataDir      string `yaml:"data_dir,omitempty" json:"data_dir,omitempty"`
}

// LoadProfile loads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by name.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}

// Apply overlays the profile onto cfg.
func (p *Profile) Apply(cfg *Config) {
	if p.StrictMode != nil {
		cfg.StrictMode = *p.StrictMode
	}
	if p.LogLevel != "" {
		cfg.LogLevel = p.LogLevel
	}
	if p.DatabaseURL != "" {
		cfg.DatabaseURL = p.DatabaseURL
	}
	if p.RedisAddr != "" {
		cfg.RedisAddr = p.RedisAddr
	}
	if p.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = p.OTLPEndpoint
	}
	if p.PatternsDir != "" {
		cfg.PatternsDir = p.PatternsDir
	}
	if p.PricingPack != "" {
		cfg.PricingPack = p.PricingPack
	}
	if p.DataDir != "" {
		cfg.DataDir = p.DataDir
	}
}
