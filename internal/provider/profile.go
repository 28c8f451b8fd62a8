package provider

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadProfile reads alias overrides from a YAML file.
func LoadProfile(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read provider profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("parse provider profile %s: %w", path, err)
	}
	return p, nil
}
