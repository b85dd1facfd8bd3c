// Package tracker persists per-source update trackers: the version tokens
// that record how far each collector got, so the next gathering cycle only
// fetches what changed.
//
// One tracker document exists per collector script, stored as JSON under
// the project's update directory. Tokens are opaque: a Jira collector keeps
// an updated-since timestamp, a git collector a commit hash. The agent
// never interprets them; it only carries them between the controller and
// the collectors. The controller's copy is authoritative and is fetched at
// the start of every cycle.
package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// ErrNotFound is returned when no tracker document exists for a script.
var ErrNotFound = errors.New("tracker not found")

// Target is the recorded snapshot of one metric target, with its own
// default flag: a target may revert to the default independently of the
// other targets in the document.
type Target struct {
	Value   string `json:"value"`
	Default bool   `json:"default"`
}

// Document is the tracker state for one (project, collector script) pair.
type Document struct {
	// Sources is the configured source list at load time. Informational;
	// version tokens for sources that disappeared from the configuration
	// stay in Versions until pruned after a successful import.
	Sources []types.Source `json:"sources,omitempty"`
	// Versions maps source name to its opaque version token.
	Versions map[string]string `json:"versions"`
	// Targets maps metric name to its recorded target snapshot.
	Targets map[string]Target `json:"targets,omitempty"`
}

// NewDocument returns an empty tracker for the given sources.
func NewDocument(sources []types.Source) *Document {
	return &Document{
		Sources:  sources,
		Versions: make(map[string]string),
	}
}

// Version returns the token recorded for a source.
func (d *Document) Version(source string) (string, bool) {
	token, ok := d.Versions[source]
	return token, ok
}

// SetVersion records a source's version token.
func (d *Document) SetVersion(source, token string) {
	if d.Versions == nil {
		d.Versions = make(map[string]string)
	}
	d.Versions[source] = token
}

// MergeTargets folds a new target snapshot into the document. Entries in
// the snapshot replace same-named recorded targets; recorded targets the
// snapshot does not mention are kept, never silently dropped.
func (d *Document) MergeTargets(snapshot map[string]Target) {
	if len(snapshot) == 0 {
		return
	}
	if d.Targets == nil {
		d.Targets = make(map[string]Target, len(snapshot))
	}
	for name, target := range snapshot {
		d.Targets[name] = target
	}
}

// PruneVersions drops tokens for sources that are no longer configured
// and returns the pruned source names. Only called after a successful
// import; during collection stale tokens are carried along untouched.
func (d *Document) PruneVersions(configured []types.Source) []string {
	keep := make(map[string]bool, len(configured))
	for _, s := range configured {
		keep[s.Name] = true
	}
	var pruned []string
	for name := range d.Versions {
		if !keep[name] {
			pruned = append(pruned, name)
			delete(d.Versions, name)
		}
	}
	sort.Strings(pruned)
	return pruned
}

// Store reads and writes tracker documents beneath one project's update
// directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at the project state directory. Tracker
// files live in its update/ subdirectory.
func NewStore(projectDir string) *Store {
	return &Store{dir: filepath.Join(projectDir, "update")}
}

// Dir returns the update directory the store works in.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the tracker file path for a collector script.
func (s *Store) Path(script string) string {
	return filepath.Join(s.dir, script+".json")
}

// Load reads the tracker document for a script and attaches the current
// source configuration. Returns ErrNotFound when no document exists. A
// document that no longer parses is a validation error; the caller
// recovers by refetching the controller's authoritative copy.
func (s *Store) Load(script string, sources []types.Source) (*Document, error) {
	data, err := os.ReadFile(s.Path(script)) // #nosec G304 - path derived from script name
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, script)
	}
	if err != nil {
		return nil, fmt.Errorf("reading tracker %s: %w", script, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: tracker %s does not parse: %v", types.ErrValidation, script, err)
	}
	if doc.Versions == nil {
		doc.Versions = make(map[string]string)
	}
	doc.Sources = sources
	return &doc, nil
}

// Save writes the tracker document atomically.
func (s *Store) Save(script string, doc *Document) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating update directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling tracker %s: %w", script, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+script+"-*.json")
	if err != nil {
		return fmt.Errorf("creating temp tracker file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing tracker %s: %w", script, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing tracker %s: %w", script, err)
	}
	if err := os.Rename(tmpName, s.Path(script)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("installing tracker %s: %w", script, err)
	}
	return nil
}

// WriteRaw installs tracker bytes exactly as received, used when the
// agent adopts the controller's authoritative copy.
func (s *Store) WriteRaw(script string, data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: tracker %s does not parse: %v", types.ErrValidation, script, err)
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating update directory: %w", err)
	}
	if err := os.WriteFile(s.Path(script), data, 0600); err != nil {
		return fmt.Errorf("writing tracker %s: %w", script, err)
	}
	return nil
}

// Scripts lists the scripts that have a tracker document, sorted.
func (s *Store) Scripts() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading update directory: %w", err)
	}

	var scripts []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		scripts = append(scripts, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(scripts)
	return scripts, nil
}

// Digest returns the hex SHA-256 of a tracker file's bytes, used to match
// dropin archives against the current tracker state. Returns ErrNotFound
// when the tracker does not exist.
func (s *Store) Digest(script string) (string, error) {
	f, err := os.Open(s.Path(script)) // #nosec G304 - path derived from script name
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, script)
	}
	if err != nil {
		return "", fmt.Errorf("opening tracker %s: %w", script, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing tracker %s: %w", script, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Snapshot copies every tracker file byte for byte into backupDir. The
// handshake takes a snapshot before a cycle so a rollback can restore the
// exact pre-cycle state.
func (s *Store) Snapshot(backupDir string) error {
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}

	// Clear leftovers from an earlier snapshot first.
	old, err := os.ReadDir(backupDir)
	if err != nil {
		return fmt.Errorf("reading backup directory: %w", err)
	}
	for _, e := range old {
		if err := os.Remove(filepath.Join(backupDir, e.Name())); err != nil {
			return fmt.Errorf("clearing backup: %w", err)
		}
	}

	scripts, err := s.Scripts()
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if err := copyFile(s.Path(script), filepath.Join(backupDir, script+".json")); err != nil {
			return fmt.Errorf("backing up tracker %s: %w", script, err)
		}
	}
	return nil
}

// Restore puts the update directory back to the snapshotted state: files
// created since the snapshot are removed, changed files are overwritten
// with their backup copy.
func (s *Store) Restore(backupDir string) error {
	scripts, err := s.Scripts()
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if err := os.Remove(s.Path(script)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing tracker %s: %w", script, err)
		}
	}

	entries, err := os.ReadDir(backupDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading backup directory: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating update directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(backupDir, e.Name()), filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("restoring tracker %s: %w", e.Name(), err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - paths derived from store layout
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
