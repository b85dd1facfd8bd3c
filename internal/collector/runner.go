package collector

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

// outputTail bounds how much collector output a result keeps.
const outputTail = 4096

// Result records one collector's outcome in a cycle.
type Result struct {
	Name     string
	Decision Decision
	Duration time.Duration
	Err      error
	// Output is the tail of the script's combined output, kept for
	// diagnosis when a run fails.
	Output string
}

// Runner executes the plans of one cycle.
type Runner struct {
	// Project is exported to collector processes as GROS_PROJECT.
	Project string
	// ExportDir is the working directory of collector processes and the
	// destination of dropin export files.
	ExportDir string
	// UpdateDir holds the tracker documents collectors read and refresh.
	UpdateDir string
	// DropinDir is the root of the archive directories.
	DropinDir string
	// Env entries are added to the inherited environment of every
	// collector process, as KEY=VALUE strings.
	Env []string
	// Concurrency bounds how many collectors run at once. Values below 1
	// run them one at a time.
	Concurrency int
	Logger      *log.Logger
}

// Run executes every plan and returns one result per plan, in plan order.
// The first script failure cancels the collectors still running; the
// returned error is that first failure. Skipped plans never produce
// errors.
func (r *Runner) Run(ctx context.Context, plans []Plan) ([]Result, error) {
	if err := os.MkdirAll(r.ExportDir, 0700); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	// Scripts write their refreshed tracker here; on a first-ever cycle
	// no tracker exists yet and nothing else has created the directory.
	if err := os.MkdirAll(r.UpdateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating update directory: %w", err)
	}

	results := make([]Result, len(plans))

	g, gctx := errgroup.WithContext(ctx)
	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, plan := range plans {
		i, plan := i, plan // keep per-iteration values for the closures below (pre-go1.22 loop semantics)
		results[i] = Result{Name: plan.Spec.Name, Decision: plan.Decision}
		switch plan.Decision {
		case SkipEmpty:
			r.logf("collector %s: skipped (%s)", plan.Spec.Name, plan.Reason)
		case SkipUseArchive:
			g.Go(func() error {
				start := time.Now()
				err := r.applyDropin(plan.Spec)
				results[i].Duration = time.Since(start)
				results[i].Err = err
				if err != nil {
					r.logf("ERROR collector %s: dropin: %v", plan.Spec.Name, err)
					return fmt.Errorf("collector %s: %w", plan.Spec.Name, err)
				}
				r.logf("collector %s: dropin archive applied", plan.Spec.Name)
				return nil
			})
		case Run:
			g.Go(func() error {
				start := time.Now()
				output, err := r.runScript(gctx, plan.Spec)
				results[i].Duration = time.Since(start)
				results[i].Output = output
				results[i].Err = err
				if err != nil {
					r.logf("ERROR collector %s: %v", plan.Spec.Name, err)
					return fmt.Errorf("collector %s: %w", plan.Spec.Name, err)
				}
				r.logf("collector %s: finished in %s", plan.Spec.Name, results[i].Duration.Round(time.Millisecond))
				return nil
			})
		}
	}

	err := g.Wait()
	return results, err
}

// runScript executes one collector with the cycle's environment and the
// spec's timeout.
func (r *Runner) runScript(ctx context.Context, spec Spec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, spec.RunTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.Script, spec.Args...) // #nosec G204 -- script comes from the validated registry
	cmd.Dir = r.ExportDir
	cmd.Env = append(os.Environ(),
		"GROS_PROJECT="+r.Project,
		"GROS_COLLECTOR="+spec.Name,
		"GROS_EXPORT_DIR="+r.ExportDir,
		"GROS_UPDATE_DIR="+r.UpdateDir,
	)
	cmd.Env = append(cmd.Env, r.Env...)

	r.logf("collector %s: running %s (timeout=%s)", spec.Name, spec.Script, spec.RunTimeout())
	output, err := cmd.CombinedOutput()
	if len(output) > outputTail {
		output = output[len(output)-outputTail:]
	}
	if ctx.Err() == context.DeadlineExceeded {
		return string(output), fmt.Errorf("timed out after %s", spec.RunTimeout())
	}
	if err != nil {
		return string(output), fmt.Errorf("running %s: %w", spec.Script, err)
	}
	return string(output), nil
}

// applyDropin copies the archive's export files into the export directory.
// The archived update file already matches the tracker on disk, so only
// the exports need materializing.
func (r *Runner) applyDropin(spec Spec) error {
	dir := DropinPath(r.DropinDir, spec.Name)
	for _, name := range spec.Exports {
		if err := copyFile(filepath.Join(dir, name), filepath.Join(r.ExportDir, name)); err != nil {
			return fmt.Errorf("copying dropin file %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- paths derived from validated names
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
