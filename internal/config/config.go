// Package config loads handoff's TOML configuration.
//
// A missing config file is not an error: every field has a default, so a
// fresh install runs with the stock escalation policy.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/HendryAvila/handoff/internal/escalation"
)

const (
	// DirName is the per-user directory holding config and data.
	DirName = ".handoff"
	// FileName is the config filename inside DirName.
	FileName = "config.toml"
)

// Config is the root configuration.
type Config struct {
	Policy  PolicyConfig      `toml:"policy"`
	Routing map[string]string `toml:"routing" validate:"dive,keys,oneof=repeated_error repeated_failure tool_call_budget_exceeded combined_threshold service_failure,endkeys,oneof=testing troubleshooting integration deployment support human_clarification"`
	Storage StorageConfig     `toml:"storage"`
	Log     LogConfig         `toml:"log"`
	Metrics MetricsConfig     `toml:"metrics"`
}

// PolicyConfig holds the escalation thresholds.
type PolicyConfig struct {
	FailureThreshold int `toml:"failure_threshold" validate:"min=1"`
	ToolCallBudget   int `toml:"tool_call_budget" validate:"min=1"`
	SubBudget        int `toml:"sub_budget" validate:"min=1"`
	RepeatCount      int `toml:"repeat_count" validate:"min=2"`
	ContextWindow    int `toml:"context_window" validate:"min=1,max=100"`
	HumanAfter       int `toml:"human_after" validate:"min=0"`
}

// StorageConfig controls the audit store.
type StorageConfig struct {
	DataDir string `toml:"data_dir" validate:"required"`
	Audit   bool   `toml:"audit"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr" validate:"omitempty,hostname_port"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their TOML key so errors match what the user wrote.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Policy: PolicyConfig{
			FailureThreshold: escalation.DefaultFailureThreshold,
			ToolCallBudget:   escalation.DefaultToolCallBudget,
			SubBudget:        escalation.DefaultSubBudget,
			RepeatCount:      escalation.DefaultRepeatCount,
			ContextWindow:    escalation.DefaultContextWindow,
		},
		Routing: map[string]string{},
		Storage: StorageConfig{
			DataDir: "~/" + DirName,
			Audit:   true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultPath returns ~/.handoff/config.toml.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, DirName, FileName)
}

// Load reads the TOML file at path over the defaults. An empty path means
// DefaultPath. A missing file yields the defaults; keys the Config does not
// declare are an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	cfg.Storage.DataDir = ExpandHome(cfg.Storage.DataDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

// ToPolicy builds the escalation policy described by the config.
func (c *Config) ToPolicy() (escalation.Policy, error) {
	overrides := make(map[escalation.TriggerKind]escalation.Role, len(c.Routing))
	for k, v := range c.Routing {
		trigger, err := escalation.ParseTriggerKind(k)
		if err != nil {
			return escalation.Policy{}, fmt.Errorf("config: routing: %w", err)
		}
		role, err := escalation.ParseRole(v)
		if err != nil {
			return escalation.Policy{}, fmt.Errorf("config: routing.%s: %w", k, err)
		}
		overrides[trigger] = role
	}

	p := escalation.Policy{
		FailureThreshold: c.Policy.FailureThreshold,
		ToolCallBudget:   c.Policy.ToolCallBudget,
		SubBudget:        c.Policy.SubBudget,
		RepeatCount:      c.Policy.RepeatCount,
		ContextWindow:    c.Policy.ContextWindow,
		HumanAfter:       c.Policy.HumanAfter,
	}.WithRoutes(overrides)

	if err := p.Validate(); err != nil {
		return escalation.Policy{}, fmt.Errorf("config: %w", err)
	}
	return p, nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
