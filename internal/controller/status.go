package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/grip-on-software/data-gathering-sub000/internal/secrets"
	"github.com/grip-on-software/data-gathering-sub000/internal/storage"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// handleStatus serves the project health view. GET folds the
// controller's own component checks with every stored agent report;
// POST stores a signed report pushed by an agent.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.serveStatus(w, r)
	case http.MethodPost:
		s.receiveStatus(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if !types.ValidProjectKey(project) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid project key %q", project))
		return
	}

	components := map[string]types.ComponentHealth{
		"import-queue": s.queueHealth(),
		"data-dir":     s.dataDirHealth(),
	}

	// Loading the stored reports doubles as the database check.
	reports, err := s.store.Health(r.Context(), project)
	if err != nil {
		components["database"] = types.ComponentHealth{OK: false, Message: err.Error()}
	} else {
		components["database"] = types.ComponentHealth{OK: true}
		// Agent components are folded in under the agent's name. A
		// report stays in the fold until the agent replaces it, so an
		// agent that died unhealthy keeps the project red.
		for _, report := range reports {
			for name, health := range report.Components {
				components[report.Agent+"/"+name] = health
			}
		}
	}

	report := &types.StatusReport{
		Project:    project,
		Components: components,
		ReportedAt: s.now().UTC(),
	}
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) receiveStatus(w http.ResponseWriter, r *http.Request) {
	if !s.remoteAllowed(r) {
		s.writeError(w, http.StatusForbidden, fmt.Sprintf("status push from %s not allowed", r.RemoteAddr))
		return
	}
	body, agent, ok := s.readSigned(w, r, 1<<20)
	if !ok {
		return
	}

	var report types.StatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		s.writeError(w, http.StatusBadRequest, "unparseable status report")
		return
	}
	if report.Project != agent.Project {
		s.writeError(w, http.StatusForbidden,
			fmt.Sprintf("key for project %s cannot report for project %s", agent.Project, report.Project))
		return
	}
	if report.Agent == "" {
		report.Agent = agent.Name
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = s.now().UTC()
	}

	if err := s.store.SaveHealth(r.Context(), &report); err != nil {
		s.writeError(w, http.StatusInternalServerError, "storing health report failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) queueHealth() types.ComponentHealth {
	queued := len(s.jobs)
	return types.ComponentHealth{
		OK:      queued < cap(s.jobs),
		Message: fmt.Sprintf("%d of %d slots used", queued, cap(s.jobs)),
	}
}

// dataDirHealth probes that the upload root is actually writable, not
// merely present. A read-only mount would otherwise pass every check
// until the first upload fails.
func (s *Server) dataDirHealth() types.ComponentHealth {
	if err := os.MkdirAll(s.cfg.DataDir, 0700); err != nil {
		return types.ComponentHealth{OK: false, Message: err.Error()}
	}
	probe, err := os.CreateTemp(s.cfg.DataDir, ".probe-*")
	if err != nil {
		return types.ComponentHealth{OK: false, Message: err.Error()}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return types.ComponentHealth{OK: true}
}

// handleEncrypt serves POST /encrypt: pseudonymizing one value with the
// project's stored salt pair. Agents use it for values that must match
// hashes produced elsewhere without shipping the secrets around.
func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.remoteAllowed(r) {
		s.writeError(w, http.StatusForbidden, fmt.Sprintf("encrypt from %s not allowed", r.RemoteAddr))
		return
	}
	body, agent, ok := s.readSigned(w, r, 64<<10)
	if !ok {
		return
	}

	var payload struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "unparseable encrypt request")
		return
	}

	salt, pepper, err := s.store.Secrets(r.Context(), agent.Project)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no secrets for project %s", agent.Project))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "loading project secrets failed")
		return
	}

	material := &secrets.Secrets{
		Salts:     secrets.Salts{Salt: salt, Pepper: pepper},
		Usernames: s.cfg.UsernameRules,
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"value": material.Hash(payload.Value),
	})
}
