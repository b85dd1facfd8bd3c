// Package config loads the agent and controller settings.
//
// Settings come from a YAML file, overridden by GROS_* environment
// variables. Loading returns a typed, validated struct; nothing in this
// package holds mutable state, so configuration is passed down explicitly
// rather than read through package globals.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/grip-on-software/data-gathering-sub000/internal/secrets"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// LogLevel is the closed set of accepted log verbosities.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ParseLogLevel validates a log level string from configuration.
func ParseLogLevel(s string) (LogLevel, error) {
	switch LogLevel(strings.ToLower(s)) {
	case LogDebug:
		return LogDebug, nil
	case LogInfo, "":
		return LogInfo, nil
	case LogWarn:
		return LogWarn, nil
	case LogError:
		return LogError, nil
	}
	return "", fmt.Errorf("%w: unknown log level %q (want debug, info, warn or error)", types.ErrConfiguration, s)
}

// Schedule holds the gathering cadence settings.
type Schedule struct {
	// Period is the nominal interval between gathering cycles.
	Period time.Duration
	// DriftWindow bounds the random offset added to each period so that
	// a fleet of agents does not hit the controller in lockstep.
	DriftWindow time.Duration
	// HealthInterval is the cadence for pushing health reports to the
	// controller, independent of and shorter than Period.
	HealthInterval time.Duration
	// PollInterval is how often the daemon re-checks whether a cycle is
	// due.
	PollInterval time.Duration
}

// Validate checks the cadence settings for contradictions.
func (s *Schedule) Validate() error {
	if s.Period <= 0 {
		return fmt.Errorf("%w: schedule period must be positive, got %s", types.ErrConfiguration, s.Period)
	}
	if s.DriftWindow < 0 {
		return fmt.Errorf("%w: drift window must not be negative, got %s", types.ErrConfiguration, s.DriftWindow)
	}
	if s.DriftWindow >= s.Period {
		return fmt.Errorf("%w: drift window %s must be smaller than period %s", types.ErrConfiguration, s.DriftWindow, s.Period)
	}
	if s.HealthInterval <= 0 {
		return fmt.Errorf("%w: health interval must be positive, got %s", types.ErrConfiguration, s.HealthInterval)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", types.ErrConfiguration, s.PollInterval)
	}
	return nil
}

// Agent is the validated configuration of the gathering agent.
type Agent struct {
	// Project is the key of the project this agent gathers for.
	Project string
	// Name identifies the agent to the controller. Defaults to the
	// hostname.
	Name string
	// DataDir is the root of the agent's state: keys, secrets, trackers,
	// exports and dropins, kept per project beneath it.
	DataDir string
	// ControllerURL is the base URL of the controller API.
	ControllerURL string
	// AllowedNetworks are the CIDR ranges the agent's own origin address
	// must fall in before a gathering cycle may start. Empty means no
	// network restriction.
	AllowedNetworks []netip.Prefix
	// Bind is the listen address of the local scrape API.
	Bind string
	// Registry is the path of the collector registry file. Empty selects
	// the built-in registry derived from the configured sources.
	Registry string
	// Concurrency bounds how many collectors run at once.
	Concurrency int
	// Sources are the systems to gather from.
	Sources []types.Source
	// Environment is passed to collector processes on top of the
	// inherited environment.
	Environment map[string]string
	// SkipDropins disables picking up pre-collected dropin archives.
	SkipDropins bool
	LogLevel    LogLevel
	Schedule    Schedule
}

// Validate checks the agent settings. It is called by LoadAgent but is
// exported so tests and callers constructing configs directly get the
// same checks.
func (c *Agent) Validate() error {
	if !types.ValidProjectKey(c.Project) {
		return fmt.Errorf("%w: invalid project key %q", types.ErrConfiguration, c.Project)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: agent name is required", types.ErrConfiguration)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory is required", types.ErrConfiguration)
	}
	if c.ControllerURL == "" {
		return fmt.Errorf("%w: controller URL is required", types.ErrConfiguration)
	}
	if !strings.HasPrefix(c.ControllerURL, "http://") && !strings.HasPrefix(c.ControllerURL, "https://") {
		return fmt.Errorf("%w: controller URL %q must be http or https", types.ErrConfiguration, c.ControllerURL)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: collector concurrency must be at least 1, got %d", types.ErrConfiguration, c.Concurrency)
	}
	for i := range c.Sources {
		if err := c.Sources[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrConfiguration, err)
		}
	}
	if err := c.Schedule.Validate(); err != nil {
		return err
	}
	return nil
}

// ProjectDir returns the agent's state directory for its project.
func (c *Agent) ProjectDir() string {
	return filepath.Join(c.DataDir, c.Project)
}

// Controller is the validated configuration of the controller service.
type Controller struct {
	// Bind is the listen address of the controller API.
	Bind string
	// DataDir is the root of the controller's state: the database and
	// the per-project upload and inbound areas.
	DataDir string
	// DatabasePath is the SQLite database location. Defaults to
	// controller.db under DataDir.
	DatabasePath string
	// AllowedNetworks are the CIDR ranges agent requests must originate
	// from. Empty means no network restriction.
	AllowedNetworks []netip.Prefix
	// ImportCommand is an optional hook run after a bundle is imported,
	// given as argv. Empty disables the hook.
	ImportCommand []string
	// UsernameRules are handed to agents at registration so the whole
	// project normalizes account names the same way before hashing.
	UsernameRules []secrets.UsernameRule
	// MaxUploadBytes caps the size of a single uploaded file.
	MaxUploadBytes int64
	// AuthMaxSkew bounds the age of signed agent requests.
	AuthMaxSkew time.Duration
	LogLevel    LogLevel
}

// Validate checks the controller settings.
func (c *Controller) Validate() error {
	if c.Bind == "" {
		return fmt.Errorf("%w: bind address is required", types.ErrConfiguration)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory is required", types.ErrConfiguration)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("%w: max upload size must be positive, got %d", types.ErrConfiguration, c.MaxUploadBytes)
	}
	if c.AuthMaxSkew <= 0 {
		return fmt.Errorf("%w: auth max skew must be positive, got %s", types.ErrConfiguration, c.AuthMaxSkew)
	}
	return nil
}

// UploadDir returns the staging area for a project's uploaded files.
func (c *Controller) UploadDir(project string) string {
	return filepath.Join(c.DataDir, "upload", project)
}

// InboundDir returns the exchange area imported bundles are moved to.
func (c *Controller) InboundDir(project string) string {
	return filepath.Join(c.DataDir, "inbound", project)
}

// LoadAgent reads the agent configuration. path may be empty, in which
// case the usual locations are searched (~/.gros/agent.yaml, then
// /etc/gros/agent.yaml); a missing file leaves defaults and environment
// overrides in effect.
func LoadAgent(path string) (*Agent, error) {
	v, err := newViper(path, "agent")
	if err != nil {
		return nil, err
	}

	v.SetDefault("data_dir", "~/.gros")
	v.SetDefault("bind", "127.0.0.1:7070")
	v.SetDefault("log_level", "info")
	v.SetDefault("collectors.concurrency", 2)
	v.SetDefault("schedule.period", "24h")
	v.SetDefault("schedule.drift_window", "30m")
	v.SetDefault("schedule.health_interval", "15m")
	v.SetDefault("schedule.poll_interval", "30s")

	name := v.GetString("agent")
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		}
	}

	level, err := ParseLogLevel(v.GetString("log_level"))
	if err != nil {
		return nil, err
	}

	networks, err := parsePrefixes(v.GetStringSlice("allowed_networks"))
	if err != nil {
		return nil, err
	}

	dataDir, err := expandHome(v.GetString("data_dir"))
	if err != nil {
		return nil, err
	}

	var sources []types.Source
	if err := v.UnmarshalKey("sources", &sources); err != nil {
		return nil, fmt.Errorf("%w: parsing sources: %v", types.ErrConfiguration, err)
	}

	cfg := &Agent{
		Project:         v.GetString("project"),
		Name:            name,
		DataDir:         dataDir,
		ControllerURL:   strings.TrimRight(v.GetString("controller.url"), "/"),
		AllowedNetworks: networks,
		Bind:            v.GetString("bind"),
		Registry:        v.GetString("collectors.registry"),
		Concurrency:     v.GetInt("collectors.concurrency"),
		Sources:         sources,
		Environment:     v.GetStringMapString("environment"),
		SkipDropins:     v.GetBool("collectors.skip_dropins"),
		LogLevel:        level,
		Schedule: Schedule{
			Period:         v.GetDuration("schedule.period"),
			DriftWindow:    v.GetDuration("schedule.drift_window"),
			HealthInterval: v.GetDuration("schedule.health_interval"),
			PollInterval:   v.GetDuration("schedule.poll_interval"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadController reads the controller configuration. path may be empty,
// in which case ~/.gros/controller.yaml and /etc/gros/controller.yaml
// are searched.
func LoadController(path string) (*Controller, error) {
	v, err := newViper(path, "controller")
	if err != nil {
		return nil, err
	}

	v.SetDefault("bind", ":8443")
	v.SetDefault("data_dir", "/var/lib/gros")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_upload_bytes", int64(256<<20))
	v.SetDefault("auth_max_skew", "5m")

	level, err := ParseLogLevel(v.GetString("log_level"))
	if err != nil {
		return nil, err
	}

	networks, err := parsePrefixes(v.GetStringSlice("allowed_networks"))
	if err != nil {
		return nil, err
	}

	dataDir, err := expandHome(v.GetString("data_dir"))
	if err != nil {
		return nil, err
	}

	dbPath := v.GetString("database")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "controller.db")
	} else if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(dataDir, dbPath)
	}

	var rules []secrets.UsernameRule
	if err := v.UnmarshalKey("usernames", &rules); err != nil {
		return nil, fmt.Errorf("%w: parsing username rules: %v", types.ErrConfiguration, err)
	}

	cfg := &Controller{
		Bind:            v.GetString("bind"),
		DataDir:         dataDir,
		DatabasePath:    dbPath,
		AllowedNetworks: networks,
		ImportCommand:   v.GetStringSlice("import.command"),
		UsernameRules:   rules,
		MaxUploadBytes:  v.GetInt64("max_upload_bytes"),
		AuthMaxSkew:     v.GetDuration("auth_max_skew"),
		LogLevel:        level,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newViper builds a fresh viper instance for one load. No package-level
// instance exists; every Load call parses from scratch.
func newViper(path, name string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("GROS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", types.ErrConfiguration, path, err)
		}
		return v, nil
	}

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".gros"))
	}
	v.AddConfigPath("/etc/gros")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: reading config: %v", types.ErrConfiguration, err)
		}
		// No file found: defaults plus environment overrides apply.
	}
	return v, nil
}

func parsePrefixes(raw []string) ([]netip.Prefix, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	prefixes := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid network %q: %v", types.ErrConfiguration, s, err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// expandHome resolves a leading ~ in configured paths.
func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: resolving home directory: %v", types.ErrConfiguration, err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
