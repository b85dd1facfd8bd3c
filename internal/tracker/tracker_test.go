package tracker

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

var testSources = []types.Source{
	{Name: "tracker", Type: types.SourceJira, URL: "https://jira.example.test"},
	{Name: "repo", Type: types.SourceGit, URL: "https://git.example.test/repo.git"},
}

func TestLoadMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Load("jira_to_json", testSources)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() on missing tracker = %v, want ErrNotFound", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	doc := NewDocument(testSources)
	doc.SetVersion("tracker", "2024-03-01T10:00:00")
	doc.SetVersion("repo", "a1b2c3d4")
	doc.MergeTargets(map[string]Target{
		"coverage": {Value: "80", Default: false},
	})

	if err := store.Save("jira_to_json", doc); err != nil {
		t.Fatalf("Save() = %v, want nil", err)
	}

	loaded, err := store.Load("jira_to_json", testSources)
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	if token, ok := loaded.Version("tracker"); !ok || token != "2024-03-01T10:00:00" {
		t.Errorf("Version(tracker) = %q, %v", token, ok)
	}
	if token, ok := loaded.Version("repo"); !ok || token != "a1b2c3d4" {
		t.Errorf("Version(repo) = %q, %v", token, ok)
	}
	if got := loaded.Targets["coverage"]; got != (Target{Value: "80"}) {
		t.Errorf("Targets[coverage] = %+v", got)
	}
	if !reflect.DeepEqual(loaded.Sources, testSources) {
		t.Errorf("Sources = %+v, want configured sources attached", loaded.Sources)
	}
}

func TestLoadKeepsUnconfiguredVersions(t *testing.T) {
	store := NewStore(t.TempDir())

	doc := NewDocument(testSources)
	doc.SetVersion("tracker", "t1")
	doc.SetVersion("removed-source", "old-token")
	if err := store.Save("jira_to_json", doc); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	// Loading with a narrower source configuration must not drop the
	// stale token; pruning only happens after a successful import.
	loaded, err := store.Load("jira_to_json", testSources[:1])
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if _, ok := loaded.Version("removed-source"); !ok {
		t.Error("stale version token was dropped on load")
	}
}

func TestLoadCorrupt(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := os.MkdirAll(store.Dir(), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.Path("broken"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := store.Load("broken", testSources)
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("Load() on corrupt tracker = %v, want ErrValidation", err)
	}
}

func TestMergeTargets(t *testing.T) {
	doc := NewDocument(nil)
	doc.MergeTargets(map[string]Target{
		"coverage":   {Value: "80"},
		"complexity": {Value: "10", Default: true},
	})

	// A snapshot that only mentions coverage must leave complexity alone.
	doc.MergeTargets(map[string]Target{
		"coverage": {Value: "85"},
	})

	if got := doc.Targets["coverage"]; got.Value != "85" {
		t.Errorf("coverage = %+v, want replaced value 85", got)
	}
	if got, ok := doc.Targets["complexity"]; !ok || got.Value != "10" || !got.Default {
		t.Errorf("complexity = %+v, %v, want kept", got, ok)
	}
}

func TestPruneVersions(t *testing.T) {
	doc := NewDocument(testSources)
	doc.SetVersion("tracker", "t1")
	doc.SetVersion("repo", "r1")
	doc.SetVersion("gone", "g1")

	pruned := doc.PruneVersions(testSources)
	if !reflect.DeepEqual(pruned, []string{"gone"}) {
		t.Errorf("PruneVersions() = %v, want [gone]", pruned)
	}
	if _, ok := doc.Version("tracker"); !ok {
		t.Error("configured source version was pruned")
	}
	if _, ok := doc.Version("gone"); ok {
		t.Error("stale version survived pruning")
	}
}

func TestScripts(t *testing.T) {
	store := NewStore(t.TempDir())

	scripts, err := store.Scripts()
	if err != nil {
		t.Fatalf("Scripts() on missing dir = %v, want nil", err)
	}
	if scripts != nil {
		t.Errorf("Scripts() = %v, want nil", scripts)
	}

	for _, script := range []string{"jira_to_json", "git_to_json"} {
		if err := store.Save(script, NewDocument(nil)); err != nil {
			t.Fatalf("Save(%s) = %v", script, err)
		}
	}
	scripts, err = store.Scripts()
	if err != nil {
		t.Fatalf("Scripts() = %v", err)
	}
	want := []string{"git_to_json", "jira_to_json"}
	if !reflect.DeepEqual(scripts, want) {
		t.Errorf("Scripts() = %v, want %v", scripts, want)
	}
}

func TestSnapshotRestore(t *testing.T) {
	projectDir := t.TempDir()
	store := NewStore(projectDir)
	backupDir := filepath.Join(projectDir, "backup")

	doc := NewDocument(testSources)
	doc.SetVersion("tracker", "before")
	if err := store.Save("jira_to_json", doc); err != nil {
		t.Fatalf("Save() = %v", err)
	}
	original, err := os.ReadFile(store.Path("jira_to_json"))
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Snapshot(backupDir); err != nil {
		t.Fatalf("Snapshot() = %v", err)
	}

	// Mutate one tracker and add a new one, as a cycle would.
	doc.SetVersion("tracker", "after")
	if err := store.Save("jira_to_json", doc); err != nil {
		t.Fatalf("Save() = %v", err)
	}
	if err := store.Save("git_to_json", NewDocument(nil)); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	if err := store.Restore(backupDir); err != nil {
		t.Fatalf("Restore() = %v", err)
	}

	restored, err := os.ReadFile(store.Path("jira_to_json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != string(original) {
		t.Error("restored tracker is not byte-identical to the snapshot")
	}
	if _, err := os.Stat(store.Path("git_to_json")); !os.IsNotExist(err) {
		t.Error("tracker created after the snapshot survived the restore")
	}
}

func TestWriteRaw(t *testing.T) {
	store := NewStore(t.TempDir())

	raw := []byte(`{"versions":{"tracker":"ctl-token"}}`)
	if err := store.WriteRaw("jira_to_json", raw); err != nil {
		t.Fatalf("WriteRaw() = %v", err)
	}

	onDisk, err := os.ReadFile(store.Path("jira_to_json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(onDisk) != string(raw) {
		t.Error("WriteRaw() did not install bytes exactly")
	}

	if err := store.WriteRaw("bad", []byte("} no")); !errors.Is(err, types.ErrValidation) {
		t.Errorf("WriteRaw(corrupt) = %v, want ErrValidation", err)
	}
}

func TestDigest(t *testing.T) {
	store := NewStore(t.TempDir())

	if _, err := store.Digest("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Digest(missing) = %v, want ErrNotFound", err)
	}

	if err := store.WriteRaw("jira_to_json", []byte(`{"versions":{}}`)); err != nil {
		t.Fatal(err)
	}
	d1, err := store.Digest("jira_to_json")
	if err != nil {
		t.Fatalf("Digest() = %v", err)
	}
	d2, _ := store.Digest("jira_to_json")
	if d1 != d2 || len(d1) != 64 {
		t.Errorf("Digest() = %q / %q, want stable 64-char hex", d1, d2)
	}
}
