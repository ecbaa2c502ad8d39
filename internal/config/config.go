// Package config provides YAML-loaded daemon configuration for the shell
// process, and the immutable capture configuration that the shell hands to
// the perf capture agent once per capture session.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DaemonConfig is the top-level configuration for the shell (supervisor)
// process, loaded from a YAML file on startup.
type DaemonConfig struct {
	// OutputHost is the "host:port" of the remote analysis host. Mutually
	// exclusive with OutputDir.
	OutputHost string `yaml:"output_host"`

	// OutputDir, when set, switches the shell to local-capture mode: frames
	// are written to length-prefixed files under this directory instead of
	// being streamed to OutputHost.
	OutputDir string `yaml:"output_dir"`

	// Annotation holds the external-source agent's listen configuration.
	Annotation ExternalAgentConfig `yaml:"annotation"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// DiagAddr is the loopback listen address for the /healthz and /metrics
	// introspection HTTP endpoints. Defaults to "127.0.0.1:9090".
	DiagAddr string `yaml:"diag_addr"`

	// Agents lists which child agents the shell should spawn. Accepted
	// values: "perf", "external". Defaults to both when omitted.
	Agents []string `yaml:"agents"`
}

// ExternalAgentConfig configures the UDS + TCP endpoints the external-source
// agent listens on for annotation/timeline clients.
type ExternalAgentConfig struct {
	// UDSAnnotationName is the abstract-namespace UDS name for annotation
	// clients, stored without a leading NUL (one is prepended at bind time).
	// Defaults to "streamline-annotate".
	UDSAnnotationName string `yaml:"uds_annotation_name"`

	// UDSParentName is the abstract-namespace UDS name used for the legacy
	// "parent" close-signal socket. Defaults to "streamline-annotate-parent".
	UDSParentName string `yaml:"uds_parent_name"`

	// ParentPort is the loopback TCP port for the "parent" side of the
	// external-source protocol. Defaults to 8082.
	ParentPort int `yaml:"parent_port"`

	// DataPort is the loopback TCP port for the "data" side. Defaults to
	// 8083.
	DataPort int `yaml:"data_port"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadDaemonConfig reads the YAML file at path, unmarshals it into
// DaemonConfig, applies defaults, and validates required fields. It returns a
// joined error describing every validation failure encountered, not just the
// first.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg DaemonConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *DaemonConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DiagAddr == "" {
		cfg.DiagAddr = "127.0.0.1:9090"
	}
	if cfg.Annotation.UDSAnnotationName == "" {
		cfg.Annotation.UDSAnnotationName = "streamline-annotate"
	}
	if cfg.Annotation.UDSParentName == "" {
		cfg.Annotation.UDSParentName = "streamline-annotate-parent"
	}
	if cfg.Annotation.ParentPort == 0 {
		cfg.Annotation.ParentPort = 8082
	}
	if cfg.Annotation.DataPort == 0 {
		cfg.Annotation.DataPort = 8083
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = []string{"perf", "external"}
	}
}

func validate(cfg *DaemonConfig) error {
	var errs []error

	if cfg.OutputHost == "" && cfg.OutputDir == "" {
		errs = append(errs, errors.New("one of output_host or output_dir is required"))
	}
	if cfg.OutputHost != "" && cfg.OutputDir != "" {
		errs = append(errs, errors.New("output_host and output_dir are mutually exclusive"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	for _, a := range cfg.Agents {
		if a != "perf" && a != "external" {
			errs = append(errs, fmt.Errorf("agents: %q must be one of: perf, external", a))
		}
	}

	return errors.Join(errs...)
}
