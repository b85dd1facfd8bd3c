package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/broker"
	"github.com/grip-on-software/data-gathering-sub000/internal/storage"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// handleExport serves POST /export, the commit point of a gathering
// cycle. A valid manifest opens a ledger row and hands the bundle to
// the import worker; a manifest whose content digest was imported
// before is acknowledged without queueing anything.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.remoteAllowed(r) {
		s.writeError(w, http.StatusForbidden, fmt.Sprintf("export from %s not allowed", r.RemoteAddr))
		return
	}
	body, agent, ok := s.readSigned(w, r, 1<<20)
	if !ok {
		return
	}

	var manifest types.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		s.writeError(w, http.StatusBadRequest, "unparseable manifest")
		return
	}
	if err := manifest.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if manifest.Project != agent.Project {
		s.writeError(w, http.StatusForbidden,
			fmt.Sprintf("key for project %s cannot export for project %s", agent.Project, manifest.Project))
		return
	}

	ctx := r.Context()
	digest := manifest.ContentDigest()
	imported, err := s.store.ImportedDigest(ctx, manifest.Project, digest)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "checking import ledger failed")
		return
	}
	if imported {
		s.logger.Printf("bundle %s for %s already imported; notification is a no-op", digest, manifest.Project)
		s.writeJSON(w, http.StatusAccepted, &broker.NotifyResult{Duplicate: true, Digest: digest})
		return
	}

	id, err := s.store.StartImport(ctx, manifest.Project, manifest.Agent.Name, digest, s.now())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "opening import ledger row failed")
		return
	}

	select {
	case s.jobs <- importJob{id: id, manifest: &manifest}:
	default:
		// The row must not linger as pending when nothing will ever
		// pick it up.
		if err := s.store.SetImportState(ctx, id, types.ImportFailed, "import queue full", s.now()); err != nil {
			s.logger.Printf("WARN closing overflowed import %d: %v", id, err)
		}
		s.writeError(w, http.StatusServiceUnavailable, "import queue full")
		return
	}

	s.logger.Printf("queued import %d for %s, bundle %s from agent %s", id, manifest.Project, digest, manifest.Agent.Name)
	s.writeJSON(w, http.StatusAccepted, &broker.NotifyResult{Queued: true, Digest: digest})
}

// handleImportStatus serves GET /import, the ledger view agents poll
// after committing a cycle.
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	project := r.URL.Query().Get("project")
	if !types.ValidProjectKey(project) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid project key %q", project))
		return
	}

	record, err := s.store.LastImport(r.Context(), project)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no imports for project %s", project))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "loading import ledger failed")
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// importWorker drains the queue one bundle at a time. Imports are
// serialized because they rewrite tracker state; two concurrent imports
// for one project could interleave their merges.
func (s *Server) importWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			s.runImport(ctx, job)
		}
	}
}

func (s *Server) runImport(ctx context.Context, job importJob) {
	if err := s.store.SetImportState(ctx, job.id, types.ImportRunning, "", s.now()); err != nil {
		s.logger.Printf("WARN marking import %d running: %v", job.id, err)
	}

	res, err := s.importer.Run(ctx, job.manifest)

	// The terminal ledger write must land even when the server context
	// was canceled mid-import.
	ledgerCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		s.logger.Printf("import %d for %s failed: %v", job.id, job.manifest.Project, err)
		if dbErr := s.store.SetImportState(ledgerCtx, job.id, types.ImportFailed, err.Error(), s.now()); dbErr != nil {
			s.logger.Printf("WARN recording import %d failure: %v", job.id, dbErr)
		}
		return
	}

	message := fmt.Sprintf("%d trackers advanced in %s", len(res.Trackers), res.Duration.Round(time.Millisecond))
	if err := s.store.SetImportState(ledgerCtx, job.id, types.ImportDone, message, s.now()); err != nil {
		s.logger.Printf("WARN recording import %d completion: %v", job.id, err)
	}
	s.logger.Printf("import %d for %s done: %s", job.id, job.manifest.Project, message)
}
