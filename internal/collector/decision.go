package collector

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/grip-on-software/data-gathering-sub000/internal/tracker"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// Decision is what the cycle does with one collector. It is computed once
// at cycle start and never re-derived mid-cycle, so file changes while
// collectors run only influence the next cycle.
type Decision string

const (
	// Run executes the collector script.
	Run Decision = "run"
	// SkipUseArchive substitutes a dropin archive whose update file still
	// matches the current tracker state.
	SkipUseArchive Decision = "skip-use-archive"
	// SkipEmpty does nothing: the project has no source the collector
	// reads and no usable archive.
	SkipEmpty Decision = "skip-empty"
)

// Plan is the decided action for one collector.
type Plan struct {
	Spec     Spec
	Decision Decision
	Reason   string
}

// Decide computes the plan for every collector of a cycle.
//
// A valid dropin wins over a live run: archival data was collected under
// the exact tracker state the cycle starts from, so running the script
// again would re-fetch what the archive already holds.
func Decide(specs []Spec, sources []types.Source, trackers *tracker.Store, dropinDir string, skipDropins bool) []Plan {
	plans := make([]Plan, 0, len(specs))
	for _, spec := range specs {
		plans = append(plans, Plan{
			Spec:     spec,
			Decision: decideOne(spec, sources, trackers, dropinDir, skipDropins),
		})
	}
	for i := range plans {
		switch plans[i].Decision {
		case Run:
			plans[i].Reason = "configured sources present"
		case SkipUseArchive:
			plans[i].Reason = "dropin archive matches tracker state"
		case SkipEmpty:
			plans[i].Reason = "no configured source"
		}
	}
	return plans
}

func decideOne(spec Spec, sources []types.Source, trackers *tracker.Store, dropinDir string, skipDropins bool) Decision {
	if !skipDropins && dropinValid(spec, trackers, dropinDir) {
		return SkipUseArchive
	}
	if hasSource(spec, sources) {
		return Run
	}
	return SkipEmpty
}

// hasSource reports whether the project configures at least one source of
// a type the collector reads.
func hasSource(spec Spec, sources []types.Source) bool {
	for _, src := range sources {
		for _, want := range spec.Sources {
			if src.Type == want {
				return true
			}
		}
	}
	return false
}

// DropinPath returns the archive directory for one collector.
func DropinPath(dropinDir, name string) string {
	return filepath.Join(dropinDir, name)
}

// dropinValid reports whether a usable archive exists: every declared
// export file present, and the archived update file hashing identically
// to the current tracker. Both sides missing their update file also
// matches; that is an archive from before the first collection.
func dropinValid(spec Spec, trackers *tracker.Store, dropinDir string) bool {
	dir := DropinPath(dropinDir, spec.Name)
	for _, name := range spec.Exports {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}

	archived, archivedExists, err := fileDigest(filepath.Join(dir, spec.Name+".json"))
	if err != nil {
		return false
	}
	current, err := trackers.Digest(spec.Name)
	if errors.Is(err, tracker.ErrNotFound) {
		return !archivedExists
	}
	if err != nil {
		return false
	}
	return archivedExists && archived == current
}

// fileDigest returns the hex SHA-256 of a file's bytes and whether the
// file exists.
func fileDigest(path string) (string, bool, error) {
	f, err := os.Open(path) // #nosec G304 -- path derived from validated collector name
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", true, fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), true, nil
}
