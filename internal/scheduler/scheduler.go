// Package scheduler decides when the next gathering cycle is due. Each
// period gets a fresh uniformly drawn drift from [-window, +window], so a
// fleet of agents configured with the same period spreads its load on the
// controller instead of arriving in lockstep.
package scheduler

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the schedule state file in a project state directory.
const FileName = "schedule.json"

// Schedule tracks the last gathering run and the drift drawn for the
// current period. Safe for concurrent use: the daemon's health and poll
// loops read it while cycle goroutines mark runs.
type Schedule struct {
	period      time.Duration
	driftWindow time.Duration

	mu      sync.Mutex
	lastRun time.Time
	drift   time.Duration
	rng     *rand.Rand
}

// New returns a schedule seeded from the wall clock.
func New(period, driftWindow time.Duration) *Schedule {
	return NewWithRand(period, driftWindow, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewWithRand returns a schedule using the given random source, so tests
// can fix the drift draws.
func NewWithRand(period, driftWindow time.Duration, rng *rand.Rand) *Schedule {
	s := &Schedule{
		period:      period,
		driftWindow: driftWindow,
		rng:         rng,
	}
	s.drift = s.draw()
	return s
}

// Due reports whether a gathering cycle should start. An agent that never
// ran is due immediately; otherwise the cycle is due once a full period
// plus the drawn drift has passed since the last run.
func (s *Schedule) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun.IsZero() {
		return true
	}
	return !now.Before(s.lastRun.Add(s.period + s.drift))
}

// NextRun returns the time the current period elapses. The zero time means
// a cycle is due immediately.
func (s *Schedule) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun.IsZero() {
		return time.Time{}
	}
	return s.lastRun.Add(s.period + s.drift)
}

// Drift returns the offset drawn for the current period.
func (s *Schedule) Drift() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drift
}

// MarkRun records that a cycle started at now and draws the drift for the
// following period.
func (s *Schedule) MarkRun(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = now
	s.drift = s.draw()
}

// draw picks a uniform offset from [-driftWindow, +driftWindow].
func (s *Schedule) draw() time.Duration {
	if s.driftWindow <= 0 {
		return 0
	}
	span := int64(2*s.driftWindow) + 1
	return time.Duration(s.rng.Int63n(span)) - s.driftWindow
}

// scheduleFile is the persisted schedule state. The drift is stored so a
// daemon restart keeps the draw made for the running period instead of
// rolling a new one.
type scheduleFile struct {
	LastRun time.Time     `json:"last_run"`
	Drift   time.Duration `json:"drift"`
}

// Path returns the schedule file path for a project state directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, FileName)
}

// Load reads persisted schedule state into a fresh schedule. A missing
// file yields a never-ran schedule, which is due immediately.
func Load(projectDir string, period, driftWindow time.Duration) (*Schedule, error) {
	s := New(period, driftWindow)

	data, err := os.ReadFile(Path(projectDir)) // #nosec G304 - controlled path from config
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading schedule state: %w", err)
	}

	var state scheduleFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing schedule state: %w", err)
	}
	s.lastRun = state.LastRun

	// Clamp a persisted drift from an older, wider window configuration.
	if state.Drift >= -driftWindow && state.Drift <= driftWindow {
		s.drift = state.Drift
	}
	return s, nil
}

// Save persists the schedule state atomically.
func (s *Schedule) Save(projectDir string) error {
	s.mu.Lock()
	state := scheduleFile{LastRun: s.lastRun, Drift: s.drift}
	s.mu.Unlock()

	if err := os.MkdirAll(projectDir, 0700); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling schedule state: %w", err)
	}

	tmp, err := os.CreateTemp(projectDir, ".schedule-*.json")
	if err != nil {
		return fmt.Errorf("creating temp schedule file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing schedule state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing schedule state: %w", err)
	}
	if err := os.Rename(tmpName, Path(projectDir)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("installing schedule state: %w", err)
	}
	return nil
}
