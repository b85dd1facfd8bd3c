// Package agentd runs the gathering agent as a long-lived daemon. It
// owns the schedule loop that starts cycles when they are due, the local
// scrape API that lets operators trigger or inspect a cycle, the dropin
// watcher, and the periodic health push to the controller.
//
// One gathering cycle runs at a time. The schedule loop and the scrape
// trigger share a single running flag; a trigger that arrives while a
// cycle is active is rejected, never queued.
package agentd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grip-on-software/data-gathering-sub000/internal/broker"
	"github.com/grip-on-software/data-gathering-sub000/internal/collector"
	"github.com/grip-on-software/data-gathering-sub000/internal/config"
	"github.com/grip-on-software/data-gathering-sub000/internal/handshake"
	"github.com/grip-on-software/data-gathering-sub000/internal/keyring"
	"github.com/grip-on-software/data-gathering-sub000/internal/lockfile"
	"github.com/grip-on-software/data-gathering-sub000/internal/preflight"
	"github.com/grip-on-software/data-gathering-sub000/internal/scheduler"
	"github.com/grip-on-software/data-gathering-sub000/internal/secrets"
	"github.com/grip-on-software/data-gathering-sub000/internal/tracker"
	"github.com/grip-on-software/data-gathering-sub000/internal/transport"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
	"github.com/grip-on-software/data-gathering-sub000/internal/version"
)

// Daemon is the running agent. Construct it with New and drive it with
// Run; the one-shot helpers (Register, Preflight, Plans, RunOnce) also
// work on a daemon that is never started.
type Daemon struct {
	cfg      *config.Agent
	logger   *log.Logger
	registry []collector.Spec

	keys     *keyring.Keypair
	broker   *broker.Client
	files    *transport.Client
	schedule *scheduler.Schedule
	hostname string

	// freshKey is set when the keypair was generated this process; the
	// controller has never seen it, so registration must run even when
	// secrets are already on disk.
	freshKey bool

	httpServer *http.Server
	listener   net.Listener
	runCtx     context.Context
	mu         sync.RWMutex

	// running guards the one-cycle-at-a-time invariant across the
	// schedule loop, the scrape trigger and RunOnce.
	running atomic.Bool
	// cycles tracks scrape-triggered cycle goroutines so Run can drain
	// them before returning.
	cycles sync.WaitGroup

	lastMu sync.Mutex
	last   types.ComponentHealth

	// importPoll overrides the handshake's import poll interval. Zero
	// selects the handshake default.
	importPoll time.Duration

	now func() time.Time
}

// New loads the collector registry, the keypair and the persisted
// schedule state, and wires the controller clients. Nothing networked
// happens here; a daemon can be constructed while the controller is down.
func New(cfg *config.Agent, logger *log.Logger) (*Daemon, error) {
	if logger == nil {
		logger = log.Default()
	}

	registry, err := collector.LoadRegistry(cfg.Registry)
	if err != nil {
		return nil, err
	}

	projectDir := cfg.ProjectDir()
	if err := os.MkdirAll(projectDir, 0700); err != nil {
		return nil, fmt.Errorf("creating project directory: %w", err)
	}

	keys, generated, err := keyring.LoadOrGenerate(keyring.Dir(projectDir))
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Printf("generated keypair for project %s (public key %s)", cfg.Project, keys.PublicHex())
	}

	schedule, err := scheduler.Load(projectDir, cfg.Schedule.Period, cfg.Schedule.DriftWindow)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		keys:     keys,
		broker:   broker.New(cfg.ControllerURL, cfg.Project, cfg.Name, keys),
		files:    transport.NewClient(cfg.ControllerURL, cfg.Project, keys),
		schedule: schedule,
		hostname: hostname,
		freshKey: generated,
		last:     types.ComponentHealth{OK: true, Message: "no cycle completed since start"},
		now:      time.Now,
	}, nil
}

// Run serves until the context is canceled. It starts the scrape API,
// the dropin watcher, the health push loop and the schedule loop, and
// waits for any in-flight cycle before returning. The project state
// directory is locked for the daemon's lifetime; a second daemon on the
// same project fails here with ErrLockContention.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := lockfile.Acquire(d.lockPath())
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := d.Register(ctx); err != nil {
		// Registration is retried before every cycle; a contended or
		// unreachable controller at boot must not kill the daemon.
		d.logger.Printf("WARN registration pending: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	d.runCtx = gctx
	d.mu.Unlock()

	g.Go(func() error { return d.serveScrapeAPI(gctx) })
	g.Go(func() error { d.watchDropins(gctx); return nil })
	g.Go(func() error { d.healthLoop(gctx); return nil })
	g.Go(func() error { d.pollLoop(gctx); return nil })

	err = g.Wait()
	d.cycles.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pollLoop re-checks the schedule on the configured cadence. The first
// check happens immediately so an agent that was down past its due time
// gathers on startup instead of waiting out a poll interval.
func (d *Daemon) pollLoop(ctx context.Context) {
	d.attemptScheduled(ctx)

	ticker := time.NewTicker(d.cfg.Schedule.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.attemptScheduled(ctx)
		}
	}
}

// attemptScheduled starts a cycle when one is due and nothing else is
// running. Gate refusals end the attempt; the next poll tick retries.
func (d *Daemon) attemptScheduled(ctx context.Context) {
	if !d.schedule.Due(d.now()) {
		return
	}
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)

	if err := d.Register(ctx); err != nil {
		d.logger.Printf("WARN cycle skipped: %v", err)
		return
	}

	result := d.fullGate().Await(ctx)
	if result.Verdict != preflight.Proceed {
		d.logger.Printf("cycle blocked by %s check: %s", result.Check, result.Reason)
		return
	}
	d.runCycle(ctx)
}

// RunOnce performs a single gathering cycle immediately, regardless of
// the schedule. A cycle already in progress, in this process or in a
// daemon holding the project lock, is reported as ErrLockContention
// rather than waited for.
func (d *Daemon) RunOnce(ctx context.Context) (*handshake.Outcome, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: a gathering cycle is already running", types.ErrLockContention)
	}
	defer d.running.Store(false)

	lock, err := lockfile.Acquire(d.lockPath())
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	if err := d.Register(ctx); err != nil {
		return nil, err
	}
	if result := d.scrapeGate().Evaluate(ctx); result.Verdict != preflight.Proceed {
		return nil, fmt.Errorf("%s check refused: %s", result.Check, result.Reason)
	}
	return d.runCycle(ctx), nil
}

// Register ensures the controller knows this agent. A no-op once the
// keypair is registered and secrets are on disk, so callers invoke it
// freely before every cycle. Not safe for concurrent use; the daemon's
// paths serialize it behind the running flag.
func (d *Daemon) Register(ctx context.Context) error {
	projectDir := d.cfg.ProjectDir()
	material, err := secrets.Load(projectDir)
	if err != nil {
		return fmt.Errorf("reading secrets: %w", err)
	}
	if material != nil && !d.freshKey {
		return nil
	}

	got, err := d.broker.Register(ctx, d.hostname, version.String())
	if err != nil {
		return err
	}
	if err := secrets.Save(projectDir, got); err != nil {
		return err
	}
	d.freshKey = false
	d.logger.Printf("registered agent %s for project %s", d.cfg.Name, d.cfg.Project)
	return nil
}

// Preflight evaluates the full gate once, without side effects. Used by
// the preflight subcommand and exposed for operators debugging a stuck
// schedule.
func (d *Daemon) Preflight(ctx context.Context) preflight.Result {
	return d.fullGate().Evaluate(ctx)
}

// Plans returns the decision the next cycle would take per collector,
// without running anything.
func (d *Daemon) Plans() []collector.Plan {
	trackers := tracker.NewStore(d.cfg.ProjectDir())
	return collector.Decide(d.registry, d.cfg.Sources, trackers, d.dropinDir(), d.cfg.SkipDropins)
}

// fullGate is the scheduled-cycle gate: schedule first, then secrets,
// controller health and origin network.
func (d *Daemon) fullGate() *preflight.Gate {
	checks := append([]preflight.Check{
		preflight.ScheduleCheck{Schedule: d.schedule},
	}, d.commonChecks()...)
	return preflight.New(checks...)
}

// scrapeGate drops the schedule check. A manual trigger overrides the
// cadence but never the environment.
func (d *Daemon) scrapeGate() *preflight.Gate {
	return preflight.New(d.commonChecks()...)
}

func (d *Daemon) commonChecks() []preflight.Check {
	return []preflight.Check{
		preflight.SecretsCheck{ProjectDir: d.cfg.ProjectDir()},
		preflight.ControllerCheck{Client: d.broker, Project: d.cfg.Project},
		preflight.NetworkCheck{
			Allowed: d.cfg.AllowedNetworks,
			Origin:  preflight.OutboundOrigin(d.cfg.ControllerURL),
		},
	}
}

// runCycle executes one gathering cycle. The caller holds the running
// flag and has already cleared the gate. The schedule is marked at the
// start: a cycle that fails rolls its data back but still consumed its
// slot, and the following period is the retry.
func (d *Daemon) runCycle(ctx context.Context) *handshake.Outcome {
	started := d.now()
	d.schedule.MarkRun(started)
	if err := d.schedule.Save(d.cfg.ProjectDir()); err != nil {
		d.logger.Printf("WARN saving schedule state: %v", err)
	}

	outcome := d.newCycle().Run(ctx)
	duration := d.now().Sub(started).Round(time.Millisecond)

	health := types.ComponentHealth{OK: true}
	switch {
	case outcome.State == handshake.StateRolledBack:
		d.logger.Printf("ERROR cycle rolled back after %s: %v", duration, outcome.Err)
		health = types.ComponentHealth{OK: false, Message: outcome.Err.Error()}
	case outcome.Err != nil:
		d.logger.Printf("ERROR cycle committed but import failed after %s: %v", duration, outcome.Err)
		health = types.ComponentHealth{OK: false, Message: outcome.Err.Error()}
	case outcome.Manifest == nil:
		d.logger.Printf("cycle closed empty in %s", duration)
		health.Message = "nothing to gather"
	case outcome.Duplicate:
		d.logger.Printf("cycle finished in %s; controller already held the bundle", duration)
		health.Message = "bundle already imported"
	case outcome.State == handshake.StateImporting:
		d.logger.Printf("cycle committed in %s; import still pending on controller", duration)
		health.Message = "import pending on controller"
	default:
		d.logger.Printf("cycle committed in %s (%d export files)", duration, len(outcome.Manifest.ExportFiles))
		health.Message = fmt.Sprintf("committed %d export files", len(outcome.Manifest.ExportFiles))
	}
	d.setLastCycle(health)
	return outcome
}

// newCycle wires the collaborators of one handshake run from the
// daemon's configuration. Cycle values are single-use.
func (d *Daemon) newCycle() *handshake.Cycle {
	projectDir := d.cfg.ProjectDir()
	trackers := tracker.NewStore(projectDir)
	return &handshake.Cycle{
		Project: d.cfg.Project,
		Agent: types.ManifestAgent{
			Name:     d.cfg.Name,
			Key:      d.keys.PublicHex(),
			Hostname: d.hostname,
			Version:  version.String(),
		},
		Sources:  d.cfg.Sources,
		Registry: d.registry,
		Trackers: trackers,
		Runner: &collector.Runner{
			Project:     d.cfg.Project,
			ExportDir:   filepath.Join(projectDir, "export"),
			UpdateDir:   trackers.Dir(),
			DropinDir:   d.dropinDir(),
			Env:         environList(d.cfg.Environment),
			Concurrency: d.cfg.Concurrency,
			Logger:      d.logger,
		},
		Files:        d.files,
		Controller:   d.broker,
		BackupDir:    filepath.Join(projectDir, "backup"),
		SkipDropins:  d.cfg.SkipDropins,
		PollInterval: d.importPoll,
		Logger:       d.logger,
		Now:          d.now,
	}
}

func (d *Daemon) dropinDir() string {
	return filepath.Join(d.cfg.ProjectDir(), "dropins")
}

func (d *Daemon) lockPath() string {
	return filepath.Join(d.cfg.ProjectDir(), "agent.lock")
}

func (d *Daemon) setLastCycle(health types.ComponentHealth) {
	d.lastMu.Lock()
	d.last = health
	d.lastMu.Unlock()
}

func (d *Daemon) lastCycle() types.ComponentHealth {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	return d.last
}

// environList flattens the configured environment map in a stable order
// for collector processes.
func environList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(env))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
