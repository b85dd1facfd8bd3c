package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/broker"
	"github.com/grip-on-software/data-gathering-sub000/internal/collector"
	"github.com/grip-on-software/data-gathering-sub000/internal/tracker"
	"github.com/grip-on-software/data-gathering-sub000/internal/transport"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// fakeFiles is an in-memory file transport.
type fakeFiles struct {
	serve   map[string][]byte // area/name served on download
	uploads map[string][]byte // area/name received on upload
	failOn  string            // upload of this name fails
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{
		serve:   make(map[string][]byte),
		uploads: make(map[string][]byte),
	}
}

func (f *fakeFiles) Upload(_ context.Context, area, name string, data []byte) error {
	if name == f.failOn {
		return fmt.Errorf("%w: upload refused", types.ErrTransport)
	}
	f.uploads[area+"/"+name] = append([]byte(nil), data...)
	return nil
}

func (f *fakeFiles) Download(_ context.Context, area, name string) ([]byte, error) {
	data, ok := f.serve[area+"/"+name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", transport.ErrNotFound, area, name)
	}
	return append([]byte(nil), data...), nil
}

// fakeNotifier scripts the controller's notify and ledger answers.
type fakeNotifier struct {
	notifyResult *broker.NotifyResult
	notifyErr    error
	notified     []*types.Manifest
	records      []*types.ImportRecord // successive LastImport answers, last repeats
	polls        int
}

func (f *fakeNotifier) Notify(_ context.Context, m *types.Manifest) (*broker.NotifyResult, error) {
	f.notified = append(f.notified, m)
	if f.notifyErr != nil {
		return nil, f.notifyErr
	}
	if f.notifyResult != nil {
		return f.notifyResult, nil
	}
	return &broker.NotifyResult{Queued: true, Digest: m.ContentDigest()}, nil
}

func (f *fakeNotifier) LastImport(context.Context) (*types.ImportRecord, error) {
	f.polls++
	if len(f.records) == 0 {
		return nil, nil
	}
	i := f.polls - 1
	if i >= len(f.records) {
		i = len(f.records) - 1
	}
	return f.records[i], nil
}

func doneRecord(digest string) *types.ImportRecord {
	finished := time.Now().UTC()
	return &types.ImportRecord{
		Project:    "TEST",
		Digest:     digest,
		State:      types.ImportDone,
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: &finished,
	}
}

const (
	preCycleTracker  = `{"versions":{"board":"2024-01-01T00:00:00"}}`
	authoritative    = `{"versions":{"board":"2024-02-01T00:00:00"}}`
	refreshedInbound = `{"versions":{"board":"2024-03-01T00:00:00"}}`
)

type fixture struct {
	cycle    *Cycle
	files    *fakeFiles
	notifier *fakeNotifier
	trackers *tracker.Store
}

// newFixture builds a cycle with one jira collector whose script is the
// given shell body. The local tracker starts at preCycleTracker and the
// controller serves authoritative.
func newFixture(t *testing.T, scriptBody string) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("collector scripts are shell scripts")
	}

	projectDir := t.TempDir()
	script := filepath.Join(t.TempDir(), "collect.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+scriptBody+"\n"), 0700); err != nil {
		t.Fatalf("writing script: %v", err)
	}

	trackers := tracker.NewStore(projectDir)
	if err := trackers.WriteRaw("jira", []byte(preCycleTracker)); err != nil {
		t.Fatalf("seeding tracker: %v", err)
	}

	files := newFakeFiles()
	files.serve["update/jira.json"] = []byte(authoritative)

	notifier := &fakeNotifier{}

	runner := &collector.Runner{
		Project:     "TEST",
		ExportDir:   filepath.Join(projectDir, "export"),
		UpdateDir:   trackers.Dir(),
		DropinDir:   filepath.Join(projectDir, "dropins"),
		Concurrency: 1,
		Logger:      log.New(os.Stderr, "[cycle-test] ", 0),
	}

	cycle := &Cycle{
		Project: "TEST",
		Agent:   types.ManifestAgent{Name: "main-agent", Hostname: "host", Version: "0.9.0"},
		Sources: []types.Source{{Name: "board", Type: types.SourceJira}},
		Registry: []collector.Spec{{
			Name:    "jira",
			Script:  script,
			Sources: []types.SourceType{types.SourceJira},
			Exports: []string{"data.json"},
		}},
		Trackers:     trackers,
		Runner:       runner,
		Files:        files,
		Controller:   notifier,
		BackupDir:    filepath.Join(projectDir, "backup"),
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  time.Second,
		Logger:       runner.Logger,
		// Fixed clock: the cycle metadata embeds the start time, and the
		// manifest digest must match across the fixtures of one test.
		Now: func() time.Time { return time.Date(2024, 2, 15, 8, 0, 0, 0, time.UTC) },
	}
	return &fixture{cycle: cycle, files: files, notifier: notifier, trackers: trackers}
}

// collectScript refreshes the export file and the tracker, the contract
// of a well-behaved collector.
const collectScript = `echo '{"issues":[1,2]}' > data.json
printf '{"versions":{"board":"2024-02-15T00:00:00"}}' > "$GROS_UPDATE_DIR/jira.json"`

func readTracker(t *testing.T, fx *fixture) string {
	t.Helper()
	data, err := os.ReadFile(fx.trackers.Path("jira"))
	if err != nil {
		t.Fatalf("reading tracker: %v", err)
	}
	return string(data)
}

func TestCycleCommitsOnSuccess(t *testing.T) {
	fx := newFixture(t, collectScript)
	fx.files.serve["inbound/jira.json"] = []byte(refreshedInbound)

	out := fx.cycle.Run(context.Background())
	if out.Err != nil {
		t.Fatalf("cycle error: %v", out.Err)
	}
	// Program the ledger after computing the digest is impossible up
	// front, so the notifier echoes the digest and a fresh fixture run
	// handles the done record below.
	if out.State != StateImporting {
		t.Fatalf("got state %s, want importing without a ledger answer", out.State)
	}

	fx2 := newFixture(t, collectScript)
	fx2.files.serve["inbound/jira.json"] = []byte(refreshedInbound)
	fx2.notifier.records = []*types.ImportRecord{nil, doneRecord(digestOf(t))}
	out2 := fx2.cycle.Run(context.Background())
	if out2.Err != nil {
		t.Fatalf("cycle error: %v", out2.Err)
	}
	if out2.State != StateCommitted {
		t.Fatalf("got state %s, want committed", out2.State)
	}

	// The bundle carried the gathered data, the refreshed tracker and
	// the cycle metadata.
	if _, ok := fx2.files.uploads["export/data.json"]; !ok {
		t.Error("export file was not uploaded")
	}
	if got := string(fx2.files.uploads["update/jira.json"]); got != `{"versions":{"board":"2024-02-15T00:00:00"}}` {
		t.Errorf("uploaded tracker %q, want the script's refresh", got)
	}
	if _, ok := fx2.files.uploads["export/"+OtherFileName]; !ok {
		t.Error("cycle metadata was not uploaded")
	}

	if len(fx2.notifier.notified) != 1 {
		t.Fatalf("got %d notifications, want 1", len(fx2.notifier.notified))
	}
	m := fx2.notifier.notified[0]
	if len(m.ExportFiles) != 1 || len(m.UpdateFiles) != 1 || len(m.OtherFiles) != 1 {
		t.Errorf("manifest lists %d/%d/%d files, want 1/1/1",
			len(m.ExportFiles), len(m.UpdateFiles), len(m.OtherFiles))
	}
	if m.Agent.Name != "main-agent" || m.Agent.Version != "0.9.0" {
		t.Errorf("manifest agent %+v lacks identity", m.Agent)
	}

	// The refreshed tracker from the inbound area was adopted.
	if got := readTracker(t, fx2); got != refreshedInbound {
		t.Errorf("tracker after commit %q, want inbound copy", got)
	}
}

// digestOf learns the manifest digest a standard fixture produces by
// running a throwaway identical cycle first. The fixed fixture clock
// makes the digest reproducible.
func digestOf(t *testing.T) string {
	t.Helper()
	probe := newFixture(t, collectScript)
	out := probe.cycle.Run(context.Background())
	if out.Manifest == nil {
		t.Fatalf("probe cycle produced no manifest (state %s, err %v)", out.State, out.Err)
	}
	return out.Manifest.ContentDigest()
}

func TestCycleAdoptsAuthoritativeTracker(t *testing.T) {
	// The script copies the tracker it sees into the export file, which
	// shows collection ran against the controller's copy, not the stale
	// local one.
	fx := newFixture(t, `cp "$GROS_UPDATE_DIR/jira.json" data.json`)

	out := fx.cycle.Run(context.Background())
	if out.State == StateRolledBack {
		t.Fatalf("cycle rolled back: %v", out.Err)
	}
	if got := string(fx.files.uploads["export/data.json"]); got != authoritative {
		t.Errorf("collector saw tracker %q, want the authoritative copy", got)
	}
}

func TestCycleRollsBackOnCollectorFailure(t *testing.T) {
	fx := newFixture(t, `printf 'half-written' > "$GROS_UPDATE_DIR/jira.json"; exit 1`)

	out := fx.cycle.Run(context.Background())
	if out.State != StateRolledBack {
		t.Fatalf("got state %s, want rolled-back", out.State)
	}
	if out.Err == nil {
		t.Fatal("rolled-back cycle has no error")
	}
	if got := readTracker(t, fx); got != preCycleTracker {
		t.Errorf("tracker after rollback %q, want byte-identical pre-cycle copy %q", got, preCycleTracker)
	}
	if len(fx.notifier.notified) != 0 {
		t.Error("failed cycle still notified the controller")
	}
}

func TestCycleRollsBackOnMissingExport(t *testing.T) {
	// Script succeeds but never writes its declared export file.
	fx := newFixture(t, `printf '{"versions":{"board":"x"}}' > "$GROS_UPDATE_DIR/jira.json"`)

	out := fx.cycle.Run(context.Background())
	if out.State != StateRolledBack {
		t.Fatalf("got state %s, want rolled-back", out.State)
	}
	if !errors.Is(out.Err, types.ErrValidation) {
		t.Errorf("got %v, want ErrValidation", out.Err)
	}
	if got := readTracker(t, fx); got != preCycleTracker {
		t.Errorf("tracker after rollback %q, want pre-cycle copy", got)
	}
}

func TestCycleRollsBackOnUploadFailure(t *testing.T) {
	fx := newFixture(t, collectScript)
	fx.files.failOn = "data.json"

	out := fx.cycle.Run(context.Background())
	if out.State != StateRolledBack {
		t.Fatalf("got state %s, want rolled-back", out.State)
	}
	if !errors.Is(out.Err, types.ErrTransport) {
		t.Errorf("got %v, want ErrTransport", out.Err)
	}
	if got := readTracker(t, fx); got != preCycleTracker {
		t.Errorf("tracker after rollback %q, want byte-identical pre-cycle copy", got)
	}
}

func TestCycleRollsBackOnNotifyFailure(t *testing.T) {
	fx := newFixture(t, collectScript)
	fx.notifier.notifyErr = fmt.Errorf("%w: controller refused", types.ErrTransport)

	out := fx.cycle.Run(context.Background())
	if out.State != StateRolledBack {
		t.Fatalf("got state %s, want rolled-back", out.State)
	}
	if got := readTracker(t, fx); got != preCycleTracker {
		t.Errorf("tracker after rollback %q, want pre-cycle copy", got)
	}
}

func TestCycleKeepsStateAfterImportFailure(t *testing.T) {
	fx := newFixture(t, collectScript)
	failed := &types.ImportRecord{
		Project: "TEST",
		Digest:  digestOf(t),
		State:   types.ImportFailed,
		Message: "importer exited with status 2",
	}
	fx.notifier.records = []*types.ImportRecord{failed}

	out := fx.cycle.Run(context.Background())
	if out.State != StateImporting {
		t.Fatalf("got state %s, want importing", out.State)
	}
	if !errors.Is(out.Err, types.ErrImport) {
		t.Errorf("got %v, want ErrImport", out.Err)
	}
	// The agent passed its commit point: local trackers keep the
	// refreshed content, the next cycle refetches the authoritative
	// (unadvanced) copy.
	if got := readTracker(t, fx); got == preCycleTracker {
		t.Error("import failure rolled local trackers back past the commit point")
	}
}

func TestCycleDuplicateNotify(t *testing.T) {
	fx := newFixture(t, collectScript)
	fx.notifier.notifyResult = &broker.NotifyResult{Queued: false, Duplicate: true}

	out := fx.cycle.Run(context.Background())
	if out.Err != nil {
		t.Fatalf("cycle error: %v", out.Err)
	}
	if out.State != StateCommitted || !out.Duplicate {
		t.Fatalf("got state %s duplicate=%v, want committed duplicate", out.State, out.Duplicate)
	}
	if fx.notifier.polls != 0 {
		t.Errorf("duplicate notify polled the ledger %d times, want 0", fx.notifier.polls)
	}
}

func TestCycleEmptyWhenNothingToGather(t *testing.T) {
	fx := newFixture(t, collectScript)
	fx.cycle.Sources = []types.Source{{Name: "ci", Type: types.SourceJenkins}}
	// Without a jira source the only collector skips empty; the seeded
	// tracker must survive untouched. The controller's copy is adopted
	// during fetch, so serve the pre-cycle content.
	fx.files.serve["update/jira.json"] = []byte(preCycleTracker)

	out := fx.cycle.Run(context.Background())
	if out.Err != nil {
		t.Fatalf("cycle error: %v", out.Err)
	}
	if out.State != StateCommitted {
		t.Fatalf("got state %s, want committed", out.State)
	}
	if out.Manifest != nil {
		t.Error("empty cycle produced a manifest")
	}
	if len(fx.files.uploads) != 0 {
		t.Errorf("empty cycle uploaded %d files", len(fx.files.uploads))
	}
	if len(fx.notifier.notified) != 0 {
		t.Error("empty cycle notified the controller")
	}
	if got := readTracker(t, fx); got != preCycleTracker {
		t.Errorf("empty cycle changed the tracker to %q", got)
	}
}

func TestCycleImportPending(t *testing.T) {
	fx := newFixture(t, collectScript)
	fx.cycle.PollTimeout = 50 * time.Millisecond
	fx.notifier.records = []*types.ImportRecord{{
		Project: "TEST",
		Digest:  "someone-elses-bundle",
		State:   types.ImportDone,
	}}

	out := fx.cycle.Run(context.Background())
	if out.State != StateImporting {
		t.Fatalf("got state %s, want importing", out.State)
	}
	if out.Err != nil {
		t.Errorf("pending import is not an error, got %v", out.Err)
	}
	if out.Import != nil {
		t.Errorf("got import record %+v, want none", out.Import)
	}
}

func TestCycleRemovesStaleTrackerWhenControllerHasNone(t *testing.T) {
	fx := newFixture(t, `printf 'no tracker: %s' "$(cat "$GROS_UPDATE_DIR/jira.json" 2>/dev/null || echo absent)" > data.json`)
	delete(fx.files.serve, "update/jira.json")

	out := fx.cycle.Run(context.Background())
	if out.State == StateRolledBack {
		t.Fatalf("cycle rolled back: %v", out.Err)
	}
	if got := string(fx.files.uploads["export/data.json"]); got != "no tracker: absent" {
		t.Errorf("collector saw %q, want the stale local tracker removed", got)
	}
}

func TestCycleCancellationRollsBack(t *testing.T) {
	fx := newFixture(t, `sleep 5`)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	out := fx.cycle.Run(ctx)
	if out.State != StateRolledBack {
		t.Fatalf("got state %s, want rolled-back", out.State)
	}
	if got := readTracker(t, fx); got != preCycleTracker {
		t.Errorf("tracker after cancellation %q, want pre-cycle copy", got)
	}
}

func TestCycleMetadataListsDecisions(t *testing.T) {
	fx := newFixture(t, collectScript)

	out := fx.cycle.Run(context.Background())
	if out.Manifest == nil {
		t.Fatalf("no manifest (state %s, err %v)", out.State, out.Err)
	}

	data, ok := fx.files.uploads["export/"+OtherFileName]
	if !ok {
		t.Fatal("cycle metadata not uploaded")
	}
	var info struct {
		Decisions map[string]string `json:"decisions"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("cycle metadata does not parse: %v", err)
	}
	if info.Decisions["jira"] != string(collector.Run) {
		t.Errorf("metadata records decision %q for jira, want run", info.Decisions["jira"])
	}
}
