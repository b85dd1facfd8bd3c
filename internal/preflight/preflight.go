// Package preflight gates the start of a gathering cycle. The checks run
// in a fixed order and the first one that does not say proceed wins:
// schedule timer, then secrets, then controller health, then the origin
// network. A wait verdict is retryable within the same cycle; a deny
// verdict stands until an operator intervenes.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/grip-on-software/data-gathering-sub000/internal/scheduler"
	"github.com/grip-on-software/data-gathering-sub000/internal/secrets"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// Verdict classifies a preflight outcome.
type Verdict string

const (
	// Proceed clears the cycle to run.
	Proceed Verdict = "proceed"
	// Wait blocks the cycle for a retryable reason, such as the period
	// not having elapsed or the controller being briefly unhealthy.
	Wait Verdict = "wait"
	// Deny blocks the cycle until the environment changes: missing
	// registration, an origin outside the permitted networks.
	Deny Verdict = "deny"
)

// Result is the outcome of a gate evaluation. Check names the first
// check that spoke; for a proceed it is empty.
type Result struct {
	Verdict Verdict `json:"verdict"`
	Check   string  `json:"check,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// Check is one preflight condition.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, now time.Time) Result
}

// Gate runs checks in order and short-circuits on the first verdict that
// is not proceed.
type Gate struct {
	// Checks in evaluation order.
	Checks []Check
	// Now is the clock, injectable for tests.
	Now func() time.Time
	// WaitInterval and WaitRetries bound how long Await re-polls a wait
	// verdict before giving up for this cycle.
	WaitInterval time.Duration
	WaitRetries  uint64
}

// New builds a gate over the given checks with default polling bounds.
func New(checks ...Check) *Gate {
	return &Gate{
		Checks:       checks,
		Now:          time.Now,
		WaitInterval: 5 * time.Second,
		WaitRetries:  6,
	}
}

// Evaluate runs the checks once.
func (g *Gate) Evaluate(ctx context.Context) Result {
	now := g.Now()
	for _, check := range g.Checks {
		if err := ctx.Err(); err != nil {
			return Result{Verdict: Wait, Check: check.Name(), Reason: err.Error()}
		}
		result := check.Evaluate(ctx, now)
		if result.Verdict != Proceed {
			result.Check = check.Name()
			return result
		}
	}
	return Result{Verdict: Proceed}
}

// Await evaluates the gate and re-polls while the verdict is wait, up to
// the configured retry budget. Deny is returned immediately.
func (g *Gate) Await(ctx context.Context) Result {
	var last Result
	operation := func() error {
		last = g.Evaluate(ctx)
		switch last.Verdict {
		case Proceed:
			return nil
		case Deny:
			return backoff.Permanent(errors.New(last.Reason))
		default:
			return errors.New(last.Reason)
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(g.WaitInterval), g.WaitRetries), ctx)
	_ = backoff.Retry(operation, bo)
	return last
}

// ScheduleCheck blocks until the gathering period plus drift has elapsed.
type ScheduleCheck struct {
	Schedule *scheduler.Schedule
}

func (c ScheduleCheck) Name() string { return "schedule" }

func (c ScheduleCheck) Evaluate(_ context.Context, now time.Time) Result {
	if c.Schedule.Due(now) {
		return Result{Verdict: Proceed}
	}
	return Result{
		Verdict: Wait,
		Reason:  fmt.Sprintf("next run not due before %s", c.Schedule.NextRun().Format(time.RFC3339)),
	}
}

// SecretsCheck requires valid pseudonymization material on disk. The file
// is re-read on every evaluation so a registration that completed since
// the last cycle is picked up without restarting the daemon.
type SecretsCheck struct {
	ProjectDir string
}

func (c SecretsCheck) Name() string { return "secrets" }

func (c SecretsCheck) Evaluate(_ context.Context, _ time.Time) Result {
	s, err := secrets.Load(c.ProjectDir)
	if err != nil {
		return Result{Verdict: Deny, Reason: fmt.Sprintf("secrets unreadable: %v", err)}
	}
	if s == nil {
		return Result{Verdict: Deny, Reason: "agent is not registered: no secrets on disk"}
	}
	if err := s.Validate(); err != nil {
		return Result{Verdict: Deny, Reason: fmt.Sprintf("secrets invalid: %v", err)}
	}
	return Result{Verdict: Proceed}
}

// StatusClient fetches the controller's health report for a project.
type StatusClient interface {
	ProjectStatus(ctx context.Context, project string) (*types.StatusReport, error)
}

// ControllerCheck requires every controller component to report healthy.
// An unreachable or unhealthy controller is a wait: the condition usually
// clears without operator action.
type ControllerCheck struct {
	Client  StatusClient
	Project string
}

func (c ControllerCheck) Name() string { return "controller" }

func (c ControllerCheck) Evaluate(ctx context.Context, _ time.Time) Result {
	report, err := c.Client.ProjectStatus(ctx, c.Project)
	if err != nil {
		return Result{Verdict: Wait, Reason: fmt.Sprintf("controller status unavailable: %v", err)}
	}
	// A nil or empty report fails closed.
	if report == nil || !report.Healthy() {
		return Result{Verdict: Wait, Reason: "controller reports unhealthy: " + failingComponents(report)}
	}
	return Result{Verdict: Proceed}
}

func failingComponents(report *types.StatusReport) string {
	if report == nil || len(report.Components) == 0 {
		return "no component report"
	}
	var failing []string
	for name, c := range report.Components {
		if !c.OK {
			if c.Message != "" {
				failing = append(failing, name+" ("+c.Message+")")
			} else {
				failing = append(failing, name)
			}
		}
	}
	if len(failing) == 0 {
		return "no component report"
	}
	return strings.Join(failing, ", ")
}

// NetworkCheck requires the agent's own origin address to fall inside one
// of the permitted networks. With no networks configured the check always
// proceeds. The check is independent of the others: it never consults the
// controller.
type NetworkCheck struct {
	Allowed []netip.Prefix
	// Origin resolves the agent's outbound address. Defaults via
	// OutboundOrigin.
	Origin func() (netip.Addr, error)
}

func (c NetworkCheck) Name() string { return "network" }

func (c NetworkCheck) Evaluate(_ context.Context, _ time.Time) Result {
	if len(c.Allowed) == 0 {
		return Result{Verdict: Proceed}
	}
	if c.Origin == nil {
		return Result{Verdict: Deny, Reason: "no origin resolver configured"}
	}
	origin, err := c.Origin()
	if err != nil {
		// Fail closed: an undeterminable origin never proceeds.
		return Result{Verdict: Deny, Reason: fmt.Sprintf("origin address unknown: %v", err)}
	}
	for _, prefix := range c.Allowed {
		if prefix.Contains(origin) {
			return Result{Verdict: Proceed}
		}
	}
	return Result{Verdict: Deny, Reason: fmt.Sprintf("origin %s outside permitted networks", origin)}
}

// OutboundOrigin returns a resolver for the local address used to reach
// the controller. No packets are sent; the kernel just picks the route.
func OutboundOrigin(controllerURL string) func() (netip.Addr, error) {
	return func() (netip.Addr, error) {
		u, err := url.Parse(controllerURL)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("parsing controller URL: %w", err)
		}
		host := u.Host
		if u.Port() == "" {
			switch u.Scheme {
			case "https":
				host = net.JoinHostPort(u.Hostname(), "443")
			default:
				host = net.JoinHostPort(u.Hostname(), "80")
			}
		}
		conn, err := net.Dial("udp", host)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("resolving route to controller: %w", err)
		}
		defer func() { _ = conn.Close() }()

		addr, ok := conn.LocalAddr().(*net.UDPAddr)
		if !ok {
			return netip.Addr{}, fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
		}
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			return netip.Addr{}, fmt.Errorf("invalid local address %v", addr.IP)
		}
		return ip.Unmap(), nil
	}
}
