package collector

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

func TestLoadRegistryBuiltin(t *testing.T) {
	specs, err := LoadRegistry("")
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(specs) != len(Builtin) {
		t.Fatalf("got %d collectors, want %d", len(specs), len(Builtin))
	}
	for i := 1; i < len(specs); i++ {
		if specs[i-1].Name >= specs[i].Name {
			t.Errorf("registry not sorted: %s before %s", specs[i-1].Name, specs[i].Name)
		}
	}
	for _, spec := range specs {
		if spec.Script != "gros-collect-"+spec.Name {
			t.Errorf("collector %s got script %q, want gros-collect-%s", spec.Name, spec.Script, spec.Name)
		}
		if spec.RunTimeout() != DefaultTimeout {
			t.Errorf("collector %s got timeout %s, want default %s", spec.Name, spec.RunTimeout(), DefaultTimeout)
		}
	}
}

func TestLoadRegistryMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collectors.toml")
	content := `
[collectors.jira]
sources = ["jira"]
exports = ["data.json"]
timeout = "45m"

[collectors.seats]
script = "/opt/gros/collect-seats"
sources = ["jenkins"]
exports = ["data_seats.json"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing registry: %v", err)
	}

	specs, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(specs) != len(Builtin)+1 {
		t.Fatalf("got %d collectors, want %d", len(specs), len(Builtin)+1)
	}

	byName := make(map[string]Spec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	jira, ok := byName["jira"]
	if !ok {
		t.Fatal("jira collector missing after merge")
	}
	if len(jira.Exports) != 1 || jira.Exports[0] != "data.json" {
		t.Errorf("file entry did not override builtin jira exports: %v", jira.Exports)
	}
	if jira.RunTimeout() != 45*time.Minute {
		t.Errorf("got jira timeout %s, want 45m", jira.RunTimeout())
	}
	seats, ok := byName["seats"]
	if !ok {
		t.Fatal("seats collector missing")
	}
	if seats.Script != "/opt/gros/collect-seats" {
		t.Errorf("got seats script %q, want /opt/gros/collect-seats", seats.Script)
	}
}

func TestLoadRegistryRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "unknown source type",
			content: `[collectors.custom]
sources = ["gopher"]
exports = ["data.json"]`,
		},
		{
			name: "no sources",
			content: `[collectors.custom]
sources = []
exports = ["data.json"]`,
		},
		{
			name: "no exports",
			content: `[collectors.custom]
sources = ["jira"]
exports = []`,
		},
		{
			name: "export with path separator",
			content: `[collectors.custom]
sources = ["jira"]
exports = ["../data.json"]`,
		},
		{
			name: "unparseable timeout",
			content: `[collectors.custom]
sources = ["jira"]
exports = ["data.json"]
timeout = "later"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "collectors.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatalf("writing registry: %v", err)
			}
			if _, err := LoadRegistry(path); err == nil {
				t.Error("LoadRegistry accepted invalid registry")
			}
		})
	}
}

func TestLoadRegistryMissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.toml"))
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}

func TestSpecValidateNameAllowlist(t *testing.T) {
	spec := Spec{
		Name:    "bad name",
		Script:  "x",
		Sources: []types.SourceType{types.SourceJira},
		Exports: []string{"data.json"},
	}
	if err := spec.Validate(); err == nil {
		t.Error("Validate accepted a collector name with a space")
	}
}
