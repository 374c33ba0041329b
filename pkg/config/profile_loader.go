package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is a named, file-defined override set for Config —
// e.g. a "ci" profile pointing both stores at sqlite temp files with a
// small lease window, or a "prod" profile pointing them at postgres/redis
// with longer leases. Profiles let an operator version deployment shape
// in source control instead of a pile of exported env vars.
type DeploymentProfile struct {
	Name                       string `yaml:"name" json:"name"`
	MessageStoreDSN            string `yaml:"message_store_dsn" json:"message_store_dsn"`
	DataStoreDSN               string `yaml:"data_store_dsn" json:"data_store_dsn"`
	TaskStoreDSN               string `yaml:"task_store_dsn" json:"task_store_dsn"`
	SmallPayloadThresholdBytes int64  `yaml:"small_payload_threshold_bytes" json:"small_payload_threshold_bytes"`
	TaskLeaseSeconds           int    `yaml:"task_lease_seconds" json:"task_lease_seconds"`
	TaskExtendIntervalSeconds  int    `yaml:"task_extend_interval_seconds" json:"task_extend_interval_seconds"`
}

// LoadProfile loads a deployment profile YAML by name, searching
// profilesDir for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*DeploymentProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", name, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml file from profilesDir.
func LoadAllProfiles(profilesDir string) (map[string]*DeploymentProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeploymentProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}

		var profile DeploymentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}

// Apply overlays non-zero profile fields onto cfg, returning a new Config.
func (p *DeploymentProfile) Apply(cfg *Config) *Config {
	out := *cfg
	if p.MessageStoreDSN != "" {
		out.MessageStoreDSN = p.MessageStoreDSN
	}
	if p.DataStoreDSN != "" {
		out.DataStoreDSN = p.DataStoreDSN
	}
	if p.TaskStoreDSN != "" {
		out.TaskStoreDSN = p.TaskStoreDSN
	}
	if p.SmallPayloadThresholdBytes > 0 {
		out.SmallPayloadThresholdBytes = p.SmallPayloadThresholdBytes
	}
	if p.TaskLeaseSeconds > 0 {
		out.TaskLeaseSeconds = p.TaskLeaseSeconds
	}
	if p.TaskExtendIntervalSeconds > 0 {
		out.TaskExtendInterval = p.TaskExtendIntervalSeconds
	}
	return &out
}
