package agentd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/secrets"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
	"github.com/grip-on-software/data-gathering-sub000/internal/version"
)

// healthLoop pushes the agent's component health to the controller on
// the health cadence, starting immediately so a freshly registered agent
// shows up in the project status without waiting out an interval.
func (d *Daemon) healthLoop(ctx context.Context) {
	d.pushHealth(ctx)

	ticker := time.NewTicker(d.cfg.Schedule.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pushHealth(ctx)
		}
	}
}

// pushHealth is best effort: an unreachable controller is logged and the
// next interval retries.
func (d *Daemon) pushHealth(ctx context.Context) {
	report := &types.StatusReport{
		Project:    d.cfg.Project,
		Agent:      d.cfg.Name,
		Hostname:   d.hostname,
		Version:    version.String(),
		Components: d.healthComponents(),
		ReportedAt: d.now().UTC(),
	}
	if err := d.broker.PushHealth(ctx, report); err != nil {
		d.logger.Printf("WARN pushing health report: %v", err)
		return
	}
	d.logger.Printf("pushed health report (%d components)", len(report.Components))
}

// healthComponents assembles the agent-side checks: the last cycle
// outcome, the registration secrets, the state directory, and where the
// schedule stands.
func (d *Daemon) healthComponents() map[string]types.ComponentHealth {
	components := map[string]types.ComponentHealth{
		"last-cycle": d.lastCycle(),
		"secrets":    secretsHealth(d.cfg.ProjectDir()),
		"state-dir":  stateDirHealth(d.cfg.ProjectDir()),
	}

	msg := "first cycle pending"
	if next := d.schedule.NextRun(); !next.IsZero() {
		msg = "next cycle due " + next.Format(time.RFC3339)
	}
	if d.running.Load() {
		msg = "cycle running"
	}
	components["scheduler"] = types.ComponentHealth{OK: true, Message: msg}
	return components
}

func secretsHealth(projectDir string) types.ComponentHealth {
	s, err := secrets.Load(projectDir)
	if err != nil {
		return types.ComponentHealth{OK: false, Message: fmt.Sprintf("secrets unreadable: %v", err)}
	}
	if s == nil {
		return types.ComponentHealth{OK: false, Message: "agent is not registered"}
	}
	if err := s.Validate(); err != nil {
		return types.ComponentHealth{OK: false, Message: fmt.Sprintf("secrets invalid: %v", err)}
	}
	return types.ComponentHealth{OK: true}
}

// stateDirHealth probes that the state directory is writable, not merely
// present. A full or read-only volume would otherwise pass until the
// next cycle fails mid-flight.
func stateDirHealth(projectDir string) types.ComponentHealth {
	if err := os.MkdirAll(projectDir, 0700); err != nil {
		return types.ComponentHealth{OK: false, Message: fmt.Sprintf("state directory unavailable: %v", err)}
	}
	probe, err := os.CreateTemp(projectDir, ".probe-*")
	if err != nil {
		return types.ComponentHealth{OK: false, Message: fmt.Sprintf("state directory not writable: %v", err)}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return types.ComponentHealth{OK: true}
}
