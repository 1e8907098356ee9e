package classify

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config lists tool name patterns per risk category.
// Patterns: exact name, "prefix*", "*suffix", "*contains*". Case-insensitive.
type Config struct {
	Destructive      []string `yaml:"destructive"`
	ExternalNetwork  []string `yaml:"external_network"`
	DataExfiltration []string `yaml:"data_exfiltration"`

	// ModelCallsGoverned routes model calls through policy evaluation.
	// Nil means true.
	ModelCallsGoverned *bool `yaml:"model_calls_governed"`
}

// DefaultConfig returns the lists used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Destructive:      []string{"delete_file", "rm", "sudo"},
		ExternalNetwork:  []string{"curl"},
		DataExfiltration: []string{"export_customer_data"},
	}
}

// Env variable names holding comma-separated lists.
const (
	EnvDestructive      = "APPROVALGATE_DESTRUCTIVE_TOOLS"
	EnvExternalNetwork  = "APPROVALGATE_EXTERNAL_NETWORK_TOOLS"
	EnvDataExfiltration = "APPROVALGATE_DATA_EXFILTRATION_TOOLS"
)

// ApplyEnv overrides lists from environment variables that are set.
func (c Config) ApplyEnv(getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvDestructive); v != "" {
		c.Destructive = SplitList(v)
	}
	if v := getenv(EnvExternalNetwork); v != "" {
		c.ExternalNetwork = SplitList(v)
	}
	if v := getenv(EnvDataExfiltration); v != "" {
		c.DataExfiltration = SplitList(v)
	}
	return c
}

// LoadConfig reads classifier lists from a YAML file.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("failed to read classifier config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse classifier config: %w", err)
	}
	return cfg, nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) modelCallsGoverned() bool {
	return c.ModelCallsGoverned == nil || *c.ModelCallsGoverned
}
