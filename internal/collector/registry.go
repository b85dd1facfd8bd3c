// Package collector loads the collector registry and decides and runs
// each collector of a gathering cycle.
//
// Collectors themselves are external programs. This package knows their
// names, which source types they read, which export files they declare,
// and how long they may run. The registry ships with a built-in set that
// a collectors.toml file can extend or override, the same way a project
// overrides built-in recipes.
package collector

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/grip-on-software/data-gathering-sub000/internal/transport"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// DefaultTimeout bounds a collector run when the registry does not set one.
const DefaultTimeout = 30 * time.Minute

// Duration decodes TOML strings like "45m" into a time.Duration.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Spec describes one collector script.
type Spec struct {
	// Name keys the registry and names the collector's tracker document
	// and dropin directory.
	Name string `toml:"name"`
	// Script is the program to execute. Defaults to gros-collect-<name>.
	Script string `toml:"script"`
	// Args are passed to the script before the standard environment.
	Args []string `toml:"args"`
	// Sources are the source types the collector reads. A project without
	// any of them skips the collector.
	Sources []types.SourceType `toml:"sources"`
	// Exports are the files the collector must leave in the export
	// directory after a successful run.
	Exports []string `toml:"exports"`
	// Timeout bounds one run. Zero selects DefaultTimeout.
	Timeout Duration `toml:"timeout"`
}

// RunTimeout returns the effective timeout for one run.
func (s *Spec) RunTimeout() time.Duration {
	if s.Timeout > 0 {
		return time.Duration(s.Timeout)
	}
	return DefaultTimeout
}

// Validate checks a registry entry. Names and export files double as path
// segments, so they go through the same allowlist as transport file names.
func (s *Spec) Validate() error {
	if err := transport.SafeName(s.Name); err != nil {
		return fmt.Errorf("%w: collector name %q: %v", types.ErrConfiguration, s.Name, err)
	}
	if s.Script == "" {
		return fmt.Errorf("%w: collector %s has no script", types.ErrConfiguration, s.Name)
	}
	if len(s.Sources) == 0 {
		return fmt.Errorf("%w: collector %s reads no source types", types.ErrConfiguration, s.Name)
	}
	for _, src := range s.Sources {
		if !src.IsValid() {
			return fmt.Errorf("%w: collector %s reads unknown source type %q", types.ErrConfiguration, s.Name, src)
		}
	}
	if len(s.Exports) == 0 {
		return fmt.Errorf("%w: collector %s declares no export files", types.ErrConfiguration, s.Name)
	}
	for _, name := range s.Exports {
		if err := transport.SafeName(name); err != nil {
			return fmt.Errorf("%w: collector %s export %q: %v", types.ErrConfiguration, s.Name, name, err)
		}
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: collector %s timeout must not be negative", types.ErrConfiguration, s.Name)
	}
	return nil
}

// Builtin is the standard collector set. A collectors.toml entry with the
// same name overrides the built-in definition.
var Builtin = map[string]Spec{
	"jira": {
		Sources: []types.SourceType{types.SourceJira},
		Exports: []string{"data.json", "data_sprint.json", "data_developer.json"},
	},
	"vcs": {
		Sources: []types.SourceType{
			types.SourceGit, types.SourceGitHub, types.SourceGitLab,
			types.SourceTFS, types.SourceSubversion,
		},
		Exports: []string{"data_vcs.json", "data_vcs_event.json"},
	},
	"jenkins": {
		Sources: []types.SourceType{types.SourceJenkins},
		Exports: []string{"data_jenkins.json"},
	},
	"sonar": {
		Sources: []types.SourceType{types.SourceSonar},
		Exports: []string{"data_sonar.json"},
	},
}

// registryFile is the collectors.toml layout.
type registryFile struct {
	Collectors map[string]Spec `toml:"collectors"`
}

// LoadRegistry returns the collector set, sorted by name. An empty path
// selects the built-in registry; otherwise the file's entries are merged
// over the built-ins.
func LoadRegistry(path string) ([]Spec, error) {
	merged := make(map[string]Spec, len(Builtin))
	for name, spec := range Builtin {
		merged[name] = spec
	}

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from validated configuration
		if err != nil {
			return nil, fmt.Errorf("%w: reading collector registry %s: %v", types.ErrConfiguration, path, err)
		}
		var file registryFile
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("%w: parsing collector registry %s: %v", types.ErrConfiguration, path, err)
		}
		for name, spec := range file.Collectors {
			merged[name] = spec
		}
	}

	specs := make([]Spec, 0, len(merged))
	for name, spec := range merged {
		if spec.Name == "" {
			spec.Name = name
		}
		if spec.Script == "" {
			spec.Script = "gros-collect-" + spec.Name
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}
