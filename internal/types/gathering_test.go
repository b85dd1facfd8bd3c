package types

import (
	"strings"
	"testing"
	"time"
)

func TestSourceValidation(t *testing.T) {
	tests := []struct {
		name    string
		source  Source
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid jira source",
			source:  Source{Name: "tracker", Type: SourceJira, URL: "https://jira.example.test"},
			wantErr: false,
		},
		{
			name:    "valid git source without url",
			source:  Source{Name: "repo", Type: SourceGit},
			wantErr: false,
		},
		{
			name:    "missing name",
			source:  Source{Type: SourceGit},
			wantErr: true,
			errMsg:  "name is required",
		},
		{
			name:    "unknown type",
			source:  Source{Name: "repo", Type: SourceType("cvs")},
			wantErr: true,
			errMsg:  "invalid type",
		},
		{
			name:    "unparseable url",
			source:  Source{Name: "repo", Type: SourceGit, URL: "http://[::1"},
			wantErr: true,
			errMsg:  "invalid URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.source.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Validate() = nil, want error containing %q", tt.errMsg)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %q, want containing %q", err.Error(), tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestValidProjectKey(t *testing.T) {
	valid := []string{"ABC", "P1", "LONG_KEY_2", "X"}
	for _, key := range valid {
		if !ValidProjectKey(key) {
			t.Errorf("ValidProjectKey(%q) = false, want true", key)
		}
	}

	invalid := []string{"", "abc", "1ABC", "A B", "A/B", "../X", strings.Repeat("A", 33)}
	for _, key := range invalid {
		if ValidProjectKey(key) {
			t.Errorf("ValidProjectKey(%q) = true, want false", key)
		}
	}
}

func TestStatusReportHealthy(t *testing.T) {
	report := StatusReport{
		Project: "TEST",
		Components: map[string]ComponentHealth{
			"database": {OK: true},
			"importer": {OK: true},
		},
	}
	if !report.Healthy() {
		t.Error("Healthy() = false, want true for all-OK components")
	}

	report.Components["importer"] = ComponentHealth{OK: false, Message: "queue stalled"}
	if report.Healthy() {
		t.Error("Healthy() = true, want false with failing component")
	}

	empty := StatusReport{Project: "TEST"}
	if empty.Healthy() {
		t.Error("Healthy() = true, want false for empty report")
	}
}

func TestManifestValidate(t *testing.T) {
	valid := Manifest{
		Project: "TEST",
		Agent:   ManifestAgent{Name: "agent-1", Hostname: "host", Version: "0.9.0"},
		ExportFiles: []FileEntry{
			{Name: "data_issue.json", Size: 10, Digest: "ab12"},
		},
		OtherFiles: []FileEntry{
			{Name: "gathering.json", Size: 4, Digest: "cd34"},
		},
		CreatedAt: time.Now(),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		mutate func(*Manifest)
		errMsg string
	}{
		{"bad project", func(m *Manifest) { m.Project = "te st" }, "invalid project key"},
		{"no agent", func(m *Manifest) { m.Agent.Name = "" }, "agent name is required"},
		{"no files", func(m *Manifest) { m.ExportFiles = nil; m.OtherFiles = nil }, "no files"},
		{"entry without digest", func(m *Manifest) { m.ExportFiles[0].Digest = "" }, "no digest"},
		{"other entry without digest", func(m *Manifest) { m.OtherFiles[0].Digest = "" }, "no digest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			m.ExportFiles = append([]FileEntry{}, valid.ExportFiles...)
			m.OtherFiles = append([]FileEntry{}, valid.OtherFiles...)
			tt.mutate(&m)
			err := m.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want containing %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestManifestContentDigest(t *testing.T) {
	m1 := Manifest{
		Project: "TEST",
		Agent:   ManifestAgent{Name: "agent-1"},
		ExportFiles: []FileEntry{
			{Name: "b.json", Size: 2, Digest: "bb"},
			{Name: "a.json", Size: 1, Digest: "aa"},
		},
	}
	m2 := Manifest{
		Project: "TEST",
		Agent:   ManifestAgent{Name: "agent-1"},
		ExportFiles: []FileEntry{
			{Name: "a.json", Size: 1, Digest: "aa"},
			{Name: "b.json", Size: 2, Digest: "bb"},
		},
	}

	// Entry order must not affect the digest.
	if m1.ContentDigest() != m2.ContentDigest() {
		t.Error("ContentDigest() differs for reordered entries")
	}

	m2.ExportFiles[0].Digest = "cc"
	if m1.ContentDigest() == m2.ContentDigest() {
		t.Error("ContentDigest() equal for different file contents")
	}

	// A file moving between classes keeps the digest stable; the digest
	// covers names and contents, not classification.
	m3 := m1
	m3.ExportFiles = m1.ExportFiles[:1]
	m3.OtherFiles = m1.ExportFiles[1:]
	if m1.ContentDigest() != m3.ContentDigest() {
		t.Error("ContentDigest() differs when an entry changes class")
	}
}

func TestImportStateTerminal(t *testing.T) {
	tests := []struct {
		state    ImportState
		terminal bool
	}{
		{ImportPending, false},
		{ImportRunning, false},
		{ImportDone, true},
		{ImportFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}
