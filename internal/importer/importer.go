// Package importer runs the controller side of one accepted bundle: verify
// the uploaded files against the manifest, hand the data to the bulk import
// command, advance the authoritative trackers and clean up the upload area.
//
// The bulk importer itself is an external program. This package only stages
// its input and interprets its exit status; a controller without a
// configured import command still performs the bookkeeping steps.
package importer

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
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/storage"
	"github.com/grip-on-software/data-gathering-sub000/internal/tracker"
	"github.com/grip-on-software/data-gathering-sub000/internal/transport"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// DefaultTimeout bounds the bulk import command.
const DefaultTimeout = 30 * time.Minute

// outputTail bounds how much of the import command's output is kept.
const outputTail = 4096

// AreaDir resolves a transport area to its directory under the controller
// data dir. Uploads land in upload/<project>/<area>; refreshed trackers for
// the agent to pick up live in inbound/<project>.
func AreaDir(dataDir, project, area string) string {
	if area == transport.AreaInbound {
		return filepath.Join(dataDir, "inbound", project)
	}
	return filepath.Join(dataDir, "upload", project, area)
}

// Result summarizes one completed import.
type Result struct {
	Duration time.Duration
	// Output is the tail of the import command's combined output.
	Output string
	// Trackers lists the scripts whose authoritative document advanced.
	Trackers []string
	// Pruned lists source names dropped because the agent no longer has
	// them configured.
	Pruned []string
}

// Importer processes accepted bundles for the controller.
type Importer struct {
	Store   storage.Store
	DataDir string
	// Command is the bulk import argv. Empty disables the exec step.
	Command []string
	// Timeout bounds the command run. Zero selects DefaultTimeout.
	Timeout time.Duration
	Logger  *log.Logger
}

// Run imports one bundle. The manifest must already be validated; Run
// re-verifies the uploaded bytes against the manifest digests before
// anything else touches them.
func (im *Importer) Run(ctx context.Context, m *types.Manifest) (*Result, error) {
	start := time.Now()
	res := &Result{}

	if err := im.verify(m); err != nil {
		return nil, err
	}

	if len(im.Command) > 0 {
		output, err := im.runCommand(ctx, m.Project)
		res.Output = output
		if err != nil {
			return nil, err
		}
	}

	if err := im.advanceTrackers(ctx, m, res); err != nil {
		return nil, err
	}
	im.pruneUploads(m)

	res.Duration = time.Since(start)
	return res, nil
}

// verify hashes every uploaded file and compares it against the manifest
// entry. A missing or altered file fails the whole bundle.
func (im *Importer) verify(m *types.Manifest) error {
	exportDir := AreaDir(im.DataDir, m.Project, transport.AreaExport)
	updateDir := AreaDir(im.DataDir, m.Project, transport.AreaUpdate)

	check := func(dir string, entries []types.FileEntry) error {
		for _, f := range entries {
			size, digest, err := hashFile(filepath.Join(dir, f.Name))
			if err != nil {
				return fmt.Errorf("%w: uploaded file %s: %v", types.ErrValidation, f.Name, err)
			}
			if size != f.Size || digest != f.Digest {
				return fmt.Errorf("%w: uploaded file %s does not match its manifest entry", types.ErrValidation, f.Name)
			}
		}
		return nil
	}

	if err := check(exportDir, m.ExportFiles); err != nil {
		return err
	}
	if err := check(updateDir, m.UpdateFiles); err != nil {
		return err
	}
	return check(exportDir, m.OtherFiles)
}

func (im *Importer) runCommand(ctx context.Context, project string) (string, error) {
	timeout := im.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, im.Command[0], im.Command[1:]...) // #nosec G204 -- command comes from controller configuration
	cmd.Env = append(os.Environ(),
		"GROS_PROJECT="+project,
		"GROS_EXPORT_DIR="+AreaDir(im.DataDir, project, transport.AreaExport),
		"GROS_UPDATE_DIR="+AreaDir(im.DataDir, project, transport.AreaUpdate),
	)

	raw, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(raw))
	if len(output) > outputTail {
		output = output[len(output)-outputTail:]
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return output, fmt.Errorf("%w: import command timed out after %s", types.ErrImport, timeout)
		}
		if output != "" {
			// The tail of the command output carries the actual failure;
			// the exit status alone is useless in the ledger.
			return output, fmt.Errorf("%w: import command: %v: %s", types.ErrImport, err, output)
		}
		return output, fmt.Errorf("%w: import command: %v", types.ErrImport, err)
	}
	return output, nil
}

// advanceTrackers merges each uploaded update file into the stored
// authoritative document, persists the result and writes a copy to the
// agent's inbound area.
func (im *Importer) advanceTrackers(ctx context.Context, m *types.Manifest, res *Result) error {
	updateDir := AreaDir(im.DataDir, m.Project, transport.AreaUpdate)
	inboundDir := AreaDir(im.DataDir, m.Project, transport.AreaInbound)
	if len(m.UpdateFiles) > 0 {
		if err := os.MkdirAll(inboundDir, 0700); err != nil {
			return fmt.Errorf("creating inbound directory: %w", err)
		}
	}

	for _, f := range m.UpdateFiles {
		script := strings.TrimSuffix(f.Name, ".json")

		data, err := os.ReadFile(filepath.Join(updateDir, f.Name)) // #nosec G304 -- name verified against the manifest
		if err != nil {
			return fmt.Errorf("reading uploaded tracker %s: %w", script, err)
		}
		var uploaded tracker.Document
		if err := json.Unmarshal(data, &uploaded); err != nil {
			return fmt.Errorf("%w: uploaded tracker %s does not parse: %v", types.ErrValidation, script, err)
		}

		merged, pruned, err := im.merge(ctx, m.Project, script, &uploaded)
		if err != nil {
			return err
		}
		res.Pruned = append(res.Pruned, pruned...)

		out, err := json.MarshalIndent(merged, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling tracker %s: %w", script, err)
		}
		if err := im.Store.SaveTracker(ctx, m.Project, script, out); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(inboundDir, f.Name), out, 0600); err != nil { // #nosec G304
			return fmt.Errorf("writing inbound tracker %s: %w", script, err)
		}
		res.Trackers = append(res.Trackers, script)
	}
	return nil
}

// merge folds the uploaded document over the stored one. Version tokens
// the upload carries replace stored tokens; stored targets are kept unless
// the upload overrides them; tokens for sources the agent no longer has
// configured are pruned, but only when the upload names its sources at all.
func (im *Importer) merge(ctx context.Context, project, script string, uploaded *tracker.Document) (*tracker.Document, []string, error) {
	merged := tracker.NewDocument(uploaded.Sources)

	stored, err := im.Store.Tracker(ctx, project, script)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// First import for this script.
	case err != nil:
		return nil, nil, err
	default:
		if err := json.Unmarshal(stored, merged); err != nil {
			im.logf("WARN stored tracker %s/%s does not parse, replacing: %v", project, script, err)
			merged = tracker.NewDocument(uploaded.Sources)
		}
	}

	for name, token := range uploaded.Versions {
		merged.SetVersion(name, token)
	}
	merged.MergeTargets(uploaded.Targets)

	var pruned []string
	if len(uploaded.Sources) > 0 {
		pruned = merged.PruneVersions(uploaded.Sources)
	}
	merged.Sources = uploaded.Sources
	return merged, pruned, nil
}

// pruneUploads removes the consumed bundle files from the upload area.
// Best effort: a leftover file is overwritten by the next cycle anyway.
func (im *Importer) pruneUploads(m *types.Manifest) {
	exportDir := AreaDir(im.DataDir, m.Project, transport.AreaExport)
	updateDir := AreaDir(im.DataDir, m.Project, transport.AreaUpdate)

	remove := func(dir string, entries []types.FileEntry) {
		for _, f := range entries {
			if err := os.Remove(filepath.Join(dir, f.Name)); err != nil && !os.IsNotExist(err) {
				im.logf("WARN removing consumed upload %s: %v", f.Name, err)
			}
		}
	}
	remove(exportDir, m.ExportFiles)
	remove(updateDir, m.UpdateFiles)
	remove(exportDir, m.OtherFiles)
}

func (im *Importer) logf(format string, args ...any) {
	if im.Logger != nil {
		im.Logger.Printf(format, args...)
	}
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path) // #nosec G304 -- names verified against the manifest
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
