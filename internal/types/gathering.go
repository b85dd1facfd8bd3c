// Package types defines core data structures shared by the gathering agent
// and the controller.
package types

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"time"
)

// SourceType identifies the kind of system a collector gathers from.
type SourceType string

const (
	SourceJira       SourceType = "jira"
	SourceGit        SourceType = "git"
	SourceGitHub     SourceType = "github"
	SourceGitLab     SourceType = "gitlab"
	SourceTFS        SourceType = "tfs"
	SourceSubversion SourceType = "subversion"
	SourceJenkins    SourceType = "jenkins"
	SourceSonar      SourceType = "sonar"
)

// IsValid returns true if the source type is one of the supported systems.
func (t SourceType) IsValid() bool {
	switch t {
	case SourceJira, SourceGit, SourceGitHub, SourceGitLab, SourceTFS,
		SourceSubversion, SourceJenkins, SourceSonar:
		return true
	}
	return false
}

// Source describes one system of a project that collectors read from.
type Source struct {
	Name string     `json:"name"`
	Type SourceType `json:"type"`
	URL  string     `json:"url,omitempty"`
}

// Validate checks that the source is well-formed enough to collect from.
func (s *Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if !s.Type.IsValid() {
		return fmt.Errorf("source %s: invalid type: %s", s.Name, s.Type)
	}
	if s.URL != "" {
		if _, err := url.Parse(s.URL); err != nil {
			return fmt.Errorf("source %s: invalid URL: %w", s.Name, err)
		}
	}
	return nil
}

// projectKeyRe matches issue tracker project keys: uppercase, starting with
// a letter. The key doubles as a path segment on the controller, so the
// character set is deliberately narrow.
var projectKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,31}$`)

// ValidProjectKey reports whether key is usable as a project identifier.
func ValidProjectKey(key string) bool {
	return projectKeyRe.MatchString(key)
}

// Agent is the controller-side record of a registered gathering agent.
type Agent struct {
	Project      string    `json:"project"`
	Name         string    `json:"name"`
	Hostname     string    `json:"hostname,omitempty"`
	Version      string    `json:"version,omitempty"`
	PublicKey    string    `json:"public_key"` // hex-encoded ed25519 public key
	RegisteredAt time.Time `json:"registered_at"`
}

// ComponentHealth is the state of one checked subsystem.
type ComponentHealth struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// StatusReport aggregates component health for a project. The controller
// serves its own report on GET /status and stores reports pushed by agents.
type StatusReport struct {
	Project    string                     `json:"project"`
	Agent      string                     `json:"agent,omitempty"`
	Hostname   string                     `json:"hostname,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
	ReportedAt time.Time                  `json:"reported_at"`
}

// Healthy returns true only when every component reports OK. An empty
// report counts as unhealthy so that a half-initialized controller never
// green-lights a collection run.
func (r *StatusReport) Healthy() bool {
	if len(r.Components) == 0 {
		return false
	}
	for _, c := range r.Components {
		if !c.OK {
			return false
		}
	}
	return true
}

// FileEntry records one bundled file by name, size and content digest.
type FileEntry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest"` // hex SHA-256 of the file contents
}

// ManifestAgent identifies the agent that produced a bundle, as carried
// in the export notification.
type ManifestAgent struct {
	Name     string `json:"name"`
	Key      string `json:"key,omitempty"` // hex-encoded ed25519 public key
	Hostname string `json:"hostname,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Manifest lists the files an agent uploaded for one gathering cycle.
// It is the payload of the export notification and the unit the importer
// works from. Export files carry gathered data, update files are the
// refreshed trackers, other files hold cycle metadata.
type Manifest struct {
	Project     string        `json:"project"`
	Agent       ManifestAgent `json:"agent"`
	ExportFiles []FileEntry   `json:"export_files,omitempty"`
	UpdateFiles []FileEntry   `json:"update_files,omitempty"`
	OtherFiles  []FileEntry   `json:"other_files,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// entries returns every listed file regardless of class.
func (m *Manifest) entries() []FileEntry {
	all := make([]FileEntry, 0, len(m.ExportFiles)+len(m.UpdateFiles)+len(m.OtherFiles))
	all = append(all, m.ExportFiles...)
	all = append(all, m.UpdateFiles...)
	all = append(all, m.OtherFiles...)
	return all
}

// Validate checks the manifest for structural problems before it is
// accepted for import.
func (m *Manifest) Validate() error {
	if !ValidProjectKey(m.Project) {
		return fmt.Errorf("invalid project key: %q", m.Project)
	}
	if m.Agent.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	entries := m.entries()
	if len(entries) == 0 {
		return fmt.Errorf("manifest lists no files")
	}
	for _, f := range entries {
		if f.Name == "" {
			return fmt.Errorf("manifest entry without a name")
		}
		if f.Digest == "" {
			return fmt.Errorf("manifest entry %s has no digest", f.Name)
		}
	}
	return nil
}

// ContentDigest creates a deterministic hash of the manifest's file list.
// Identical uploads produce identical digests, which lets the controller
// treat a repeated notification for the same bundle as a no-op.
func (m *Manifest) ContentDigest() string {
	h := sha256.New()

	h.Write([]byte(m.Project))
	h.Write([]byte{0}) // separator
	h.Write([]byte(m.Agent.Name))
	h.Write([]byte{0})

	entries := m.entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	for _, f := range entries {
		h.Write([]byte(f.Name))
		h.Write([]byte{0})
		h.Write([]byte(fmt.Sprintf("%d", f.Size)))
		h.Write([]byte{0})
		h.Write([]byte(f.Digest))
		h.Write([]byte{0})
	}

	return fmt.Sprintf("%x", h.Sum(nil))
}

// ImportState tracks one accepted bundle through the controller's import
// queue.
type ImportState string

const (
	ImportPending ImportState = "pending"
	ImportRunning ImportState = "running"
	ImportDone    ImportState = "done"
	ImportFailed  ImportState = "failed"
)

// Terminal reports whether the import reached an end state.
func (s ImportState) Terminal() bool {
	return s == ImportDone || s == ImportFailed
}

// ImportRecord is one row of the controller's import ledger.
type ImportRecord struct {
	Project    string      `json:"project"`
	Agent      string      `json:"agent,omitempty"`
	Digest     string      `json:"digest"`
	State      ImportState `json:"state"`
	Message    string      `json:"message,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}
