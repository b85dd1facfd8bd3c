// Package storage persists the controller's authoritative state: registered
// agents, project secrets, tracker documents, the import ledger and pushed
// health reports.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface the controller works against.
type Store interface {
	// SaveAgent registers or re-registers an agent. Re-registration
	// rotates the public key and refreshes hostname and version.
	SaveAgent(ctx context.Context, agent *types.Agent) error
	// Agent returns the registered record, or ErrNotFound.
	Agent(ctx context.Context, project, name string) (*types.Agent, error)
	// Agents returns every registered agent of a project, sorted by name.
	// Signature checks walk this list because signed requests only carry
	// the project key.
	Agents(ctx context.Context, project string) ([]types.Agent, error)

	// EnsureSecrets stores the salt pair for a project unless one exists,
	// and returns the stored pair either way. Secrets are written once
	// per project and never regenerated.
	EnsureSecrets(ctx context.Context, project, salt, pepper string) (string, string, error)
	// Secrets returns the project's salt pair, or ErrNotFound.
	Secrets(ctx context.Context, project string) (string, string, error)

	// SaveTracker stores the authoritative tracker document for one
	// collector script, replacing any previous copy byte for byte.
	SaveTracker(ctx context.Context, project, script string, data []byte) error
	// Tracker returns the stored document, or ErrNotFound.
	Tracker(ctx context.Context, project, script string) ([]byte, error)
	// TrackerScripts lists the scripts with a stored tracker, sorted.
	TrackerScripts(ctx context.Context, project string) ([]string, error)
	// DeleteTracker removes a tracker. Deleting a missing tracker is not
	// an error.
	DeleteTracker(ctx context.Context, project, script string) error

	// StartImport opens a ledger row in the pending state and returns
	// its id.
	StartImport(ctx context.Context, project, agent, digest string, at time.Time) (int64, error)
	// SetImportState advances a ledger row. A terminal state records the
	// finish time.
	SetImportState(ctx context.Context, id int64, state types.ImportState, message string, at time.Time) error
	// LastImport returns the most recent ledger row for a project, or
	// ErrNotFound.
	LastImport(ctx context.Context, project string) (*types.ImportRecord, error)
	// ImportedDigest reports whether a bundle with this digest has ever
	// completed an import for the project.
	ImportedDigest(ctx context.Context, project, digest string) (bool, error)

	// SaveHealth replaces the stored report for the report's agent.
	SaveHealth(ctx context.Context, report *types.StatusReport) error
	// Health returns the latest report per agent for a project, sorted
	// by agent name.
	Health(ctx context.Context, project string) ([]types.StatusReport, error)

	Close() error
}
