// Package handshake drives one gathering cycle: collect, bundle, upload,
// notify, and the wait for the controller's import.
//
// The cycle is a state machine. Failure in any state before the notify
// call rolls the update files back to a byte-identical pre-cycle copy, so
// the next cycle re-derives the same incremental window instead of
// skipping or double-counting data. The notify call is the agent's commit
// point: whatever happens afterwards is the controller's to resolve, and
// the agent never rolls back past it.
//
// Network calls are made once each. A failed call aborts the cycle via
// rollback; the scheduler's next tick is the retry.
package handshake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/broker"
	"github.com/grip-on-software/data-gathering-sub000/internal/collector"
	"github.com/grip-on-software/data-gathering-sub000/internal/tracker"
	"github.com/grip-on-software/data-gathering-sub000/internal/transport"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// State names one phase of the cycle.
type State string

const (
	StateCollecting State = "collecting"
	StateBundling   State = "bundling"
	StateUploading  State = "uploading"
	StateNotifying  State = "notifying"
	StateImporting  State = "importing"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled-back"
)

func (s State) String() string { return string(s) }

// OtherFileName is the cycle metadata file bundled alongside the exports.
const OtherFileName = "gathering.json"

// Import polling defaults. The import runs asynchronously on the
// controller; the agent waits a bounded while to observe the outcome and
// otherwise leaves the cycle in the importing state.
const (
	DefaultImportPollInterval = 5 * time.Second
	DefaultImportPollTimeout  = 2 * time.Minute
)

// FileClient moves bundle files between agent and controller.
type FileClient interface {
	Upload(ctx context.Context, area, name string, data []byte) error
	Download(ctx context.Context, area, name string) ([]byte, error)
}

// Notifier is the controller API surface the cycle needs.
type Notifier interface {
	Notify(ctx context.Context, manifest *types.Manifest) (*broker.NotifyResult, error)
	LastImport(ctx context.Context) (*types.ImportRecord, error)
}

// Outcome is the final record of one cycle.
type Outcome struct {
	// State is where the cycle ended: Committed, RolledBack, or
	// Importing when the agent committed but the import outcome was not
	// observed in time (Err nil) or the import failed (Err wraps
	// ErrImport).
	State State
	// Manifest is the bundle that was notified. Nil when the cycle
	// failed earlier, and nil for an empty cycle that had nothing to
	// hand off.
	Manifest *types.Manifest
	// Collectors holds the per-collector results, in registry order.
	Collectors []collector.Result
	// Import is the controller's ledger entry, when observed.
	Import *types.ImportRecord
	// Duplicate is true when the controller had already accepted an
	// identical bundle and skipped the import.
	Duplicate bool
	Err       error
}

// Cycle holds the collaborators of one gathering cycle. A Cycle value is
// used for a single Run call.
type Cycle struct {
	Project string
	// Agent is the identity stamped into the manifest.
	Agent    types.ManifestAgent
	Sources  []types.Source
	Registry []collector.Spec
	Trackers *tracker.Store
	Runner   *collector.Runner
	Files    FileClient
	// Controller carries the notify and import-status calls.
	Controller Notifier
	// BackupDir receives the pre-cycle tracker snapshot.
	BackupDir   string
	SkipDropins bool
	// PollInterval and PollTimeout bound the wait for the import
	// outcome. Zero selects the defaults.
	PollInterval time.Duration
	PollTimeout  time.Duration
	Logger       *log.Logger
	// Now is the cycle's clock. Nil selects time.Now.
	Now func() time.Time
}

// Run executes the cycle. Cancelling the context aborts it through the
// same rollback path as a failure, except after the commit point.
func (c *Cycle) Run(ctx context.Context) *Outcome {
	out := &Outcome{State: StateCollecting}
	started := c.now()

	// Nothing is restored until the snapshot exists and a mutating step
	// ran; restoring from a half-written backup would destroy state.
	mutated := false
	fail := func(err error) *Outcome {
		out.Err = err
		if mutated {
			if rerr := c.Trackers.Restore(c.BackupDir); rerr != nil {
				c.logf("ERROR restoring trackers: %v", rerr)
				out.Err = fmt.Errorf("%w (rollback failed: %v)", err, rerr)
			} else {
				c.logf("cycle rolled back from %s: %v", out.State, err)
			}
		}
		out.State = StateRolledBack
		return out
	}

	if err := c.Trackers.Snapshot(c.BackupDir); err != nil {
		return fail(fmt.Errorf("snapshotting trackers: %w", err))
	}
	mutated = true

	if err := c.cleanExportDir(); err != nil {
		return fail(err)
	}
	if err := c.fetchTrackers(ctx); err != nil {
		return fail(err)
	}

	plans := collector.Decide(c.Registry, c.Sources, c.Trackers, c.Runner.DropinDir, c.SkipDropins)
	results, err := c.Runner.Run(ctx, plans)
	out.Collectors = results
	if err != nil {
		return fail(err)
	}
	if allSkippedEmpty(plans) {
		c.logf("nothing to gather for %s; cycle closes empty", c.Project)
		out.State = StateCommitted
		return out
	}

	out.State = StateBundling
	manifest, err := c.bundle(plans, started)
	if err != nil {
		return fail(err)
	}
	out.Manifest = manifest

	out.State = StateUploading
	if err := c.upload(ctx, manifest); err != nil {
		return fail(err)
	}

	out.State = StateNotifying
	result, err := c.Controller.Notify(ctx, manifest)
	if err != nil {
		return fail(err)
	}

	// Commit point. From here on failures are recorded, never rolled
	// back: the controller owns the bundle now.
	if result.Duplicate {
		c.logf("controller already holds bundle %s; import skipped", manifest.ContentDigest())
		out.Duplicate = true
		out.State = StateCommitted
		return out
	}

	out.State = StateImporting
	record, pollErr := c.awaitImport(ctx, manifest.ContentDigest())
	out.Import = record
	switch {
	case pollErr != nil:
		c.logf("WARN cycle committed but import polling stopped: %v", pollErr)
	case record == nil:
		c.logf("cycle committed; import still pending on controller")
	case record.State == types.ImportFailed:
		out.Err = fmt.Errorf("%w: %s", types.ErrImport, record.Message)
	case record.State == types.ImportDone:
		c.adoptInbound(ctx)
		out.State = StateCommitted
	}
	return out
}

// cleanExportDir empties the export directory so the bundle only ever
// contains files this cycle produced.
func (c *Cycle) cleanExportDir() error {
	if err := os.RemoveAll(c.Runner.ExportDir); err != nil {
		return fmt.Errorf("clearing export directory: %w", err)
	}
	if err := os.MkdirAll(c.Runner.ExportDir, 0700); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	return nil
}

// fetchTrackers overwrites the local trackers with the controller's
// authoritative copies. A tracker the controller does not have means
// "never collected": a stale local copy is removed so a reassigned
// project resumes from truth.
func (c *Cycle) fetchTrackers(ctx context.Context) error {
	for _, spec := range c.Registry {
		data, err := c.Files.Download(ctx, transport.AreaUpdate, spec.Name+".json")
		if errors.Is(err, transport.ErrNotFound) {
			if err := os.Remove(c.Trackers.Path(spec.Name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing stale tracker %s: %w", spec.Name, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("fetching tracker %s: %w", spec.Name, err)
		}
		if err := c.Trackers.WriteRaw(spec.Name, data); err != nil {
			return err
		}
	}
	return nil
}

// bundle computes the manifest from the files actually on disk. A
// declared export a collector failed to produce is a validation error.
func (c *Cycle) bundle(plans []collector.Plan, started time.Time) (*types.Manifest, error) {
	m := &types.Manifest{
		Project:   c.Project,
		Agent:     c.Agent,
		CreatedAt: started.UTC(),
	}

	for _, plan := range plans {
		if plan.Decision == collector.SkipEmpty {
			continue
		}
		for _, name := range plan.Spec.Exports {
			entry, err := fileEntry(filepath.Join(c.Runner.ExportDir, name))
			if err != nil {
				return nil, fmt.Errorf("%w: collector %s did not produce declared export %s: %v",
					types.ErrValidation, plan.Spec.Name, name, err)
			}
			m.ExportFiles = append(m.ExportFiles, entry)
		}
	}

	scripts, err := c.Trackers.Scripts()
	if err != nil {
		return nil, err
	}
	for _, script := range scripts {
		entry, err := fileEntry(c.Trackers.Path(script))
		if err != nil {
			return nil, fmt.Errorf("%w: reading tracker %s: %v", types.ErrValidation, script, err)
		}
		m.UpdateFiles = append(m.UpdateFiles, entry)
	}

	meta, err := c.writeCycleInfo(plans, started)
	if err != nil {
		return nil, err
	}
	m.OtherFiles = append(m.OtherFiles, meta)

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	return m, nil
}

// writeCycleInfo records the cycle's decisions in a metadata file that
// travels with the bundle.
func (c *Cycle) writeCycleInfo(plans []collector.Plan, started time.Time) (types.FileEntry, error) {
	decisions := make(map[string]collector.Decision, len(plans))
	for _, plan := range plans {
		decisions[plan.Spec.Name] = plan.Decision
	}
	info := struct {
		Project   string                        `json:"project"`
		Agent     types.ManifestAgent           `json:"agent"`
		StartedAt time.Time                     `json:"started_at"`
		Decisions map[string]collector.Decision `json:"decisions"`
	}{c.Project, c.Agent, started.UTC(), decisions}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return types.FileEntry{}, fmt.Errorf("marshaling cycle metadata: %w", err)
	}
	path := filepath.Join(c.Runner.ExportDir, OtherFileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return types.FileEntry{}, fmt.Errorf("writing cycle metadata: %w", err)
	}
	return fileEntry(path)
}

// upload pushes every bundled file to the controller, one attempt each.
func (c *Cycle) upload(ctx context.Context, m *types.Manifest) error {
	push := func(area string, dir string, entries []types.FileEntry) error {
		for _, f := range entries {
			data, err := os.ReadFile(filepath.Join(dir, f.Name)) // #nosec G304 -- names validated at bundling
			if err != nil {
				return fmt.Errorf("reading %s for upload: %w", f.Name, err)
			}
			if err := c.Files.Upload(ctx, area, f.Name, data); err != nil {
				return err
			}
		}
		return nil
	}

	if err := push(transport.AreaExport, c.Runner.ExportDir, m.ExportFiles); err != nil {
		return err
	}
	if err := push(transport.AreaUpdate, c.Trackers.Dir(), m.UpdateFiles); err != nil {
		return err
	}
	return push(transport.AreaExport, c.Runner.ExportDir, m.OtherFiles)
}

// awaitImport polls the import ledger until the bundle reaches a terminal
// state or the bounded wait runs out. A nil record with nil error means
// the outcome was not observed.
func (c *Cycle) awaitImport(ctx context.Context, digest string) (*types.ImportRecord, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultImportPollInterval
	}
	timeout := c.PollTimeout
	if timeout <= 0 {
		timeout = DefaultImportPollTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		record, err := c.Controller.LastImport(ctx)
		if err != nil {
			// A status blip must not fail a committed cycle; keep
			// polling until the deadline.
			c.logf("WARN import status: %v", err)
		} else if record != nil && record.Digest == digest && record.State.Terminal() {
			return record, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-tick.C:
		}
	}
}

// adoptInbound installs the refreshed trackers the import left in the
// agent's inbound area. Best effort: the next cycle fetches the
// authoritative copies anyway.
func (c *Cycle) adoptInbound(ctx context.Context) {
	for _, spec := range c.Registry {
		data, err := c.Files.Download(ctx, transport.AreaInbound, spec.Name+".json")
		if errors.Is(err, transport.ErrNotFound) {
			continue
		}
		if err != nil {
			c.logf("WARN fetching refreshed tracker %s: %v", spec.Name, err)
			continue
		}
		if err := c.Trackers.WriteRaw(spec.Name, data); err != nil {
			c.logf("WARN installing refreshed tracker %s: %v", spec.Name, err)
		}
	}
}

func (c *Cycle) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cycle) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

func allSkippedEmpty(plans []collector.Plan) bool {
	for _, p := range plans {
		if p.Decision != collector.SkipEmpty {
			return false
		}
	}
	return true
}

// fileEntry reads one file into a manifest entry.
func fileEntry(path string) (types.FileEntry, error) {
	f, err := os.Open(path) // #nosec G304 -- paths derived from validated names
	if err != nil {
		return types.FileEntry{}, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return types.FileEntry{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return types.FileEntry{
		Name:   filepath.Base(path),
		Size:   size,
		Digest: hex.EncodeToString(h.Sum(nil)),
	}, nil
}
