package controller

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/grip-on-software/data-gathering-sub000/internal/keyring"
	"github.com/grip-on-software/data-gathering-sub000/internal/secrets"
	"github.com/grip-on-software/data-gathering-sub000/internal/storage"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// registerLockPath is the per-project lock file guarding registration.
// Serializing registrations per project means the salt pair is generated
// exactly once even when a fleet of agents registers at the same moment.
func registerLockPath(dataDir, project string) string {
	return filepath.Join(dataDir, "locks", "register-"+project+".lock")
}

// handleRegister serves POST /agent. The exchange trades the agent's
// public key for the project's pseudonymization secrets. It is the one
// unauthenticated write, so the network allowlist is enforced strictly
// and the handed-out material is identical on every repeat call.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.remoteAllowed(r) {
		s.writeError(w, http.StatusForbidden, fmt.Sprintf("registration from %s not allowed", r.RemoteAddr))
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "unparseable registration form")
		return
	}

	project := r.PostFormValue("project")
	name := r.PostFormValue("agent")
	publicKey := r.PostFormValue("public_key")

	if !types.ValidProjectKey(project) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid project key %q", project))
		return
	}
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "agent name is required")
		return
	}
	if _, err := keyring.ParsePublicHex(publicKey); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid public key: %v", err))
		return
	}

	lockPath := registerLockPath(s.cfg.DataDir, project)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		s.writeError(w, http.StatusInternalServerError, "preparing registration lock failed")
		return
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "acquiring registration lock failed")
		return
	}
	if !locked {
		s.writeError(w, http.StatusServiceUnavailable,
			fmt.Sprintf("registration for project %s already in progress", project))
		return
	}
	defer func() { _ = lock.Unlock() }()

	ctx := r.Context()
	salt, pepper, err := s.store.Secrets(ctx, project)
	if errors.Is(err, storage.ErrNotFound) {
		material, genErr := secrets.Generate(s.cfg.UsernameRules)
		if genErr != nil {
			s.writeError(w, http.StatusInternalServerError, "generating project secrets failed")
			return
		}
		salt, pepper, err = s.store.EnsureSecrets(ctx, project, material.Salts.Salt, material.Salts.Pepper)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "storing project secrets failed")
		return
	}

	agent := &types.Agent{
		Project:      project,
		Name:         name,
		Hostname:     r.PostFormValue("hostname"),
		Version:      r.PostFormValue("version"),
		PublicKey:    publicKey,
		RegisteredAt: s.now().UTC(),
	}
	if err := s.store.SaveAgent(ctx, agent); err != nil {
		s.writeError(w, http.StatusInternalServerError, "saving agent registration failed")
		return
	}

	s.logger.Printf("registered agent %s for project %s from %s", name, project, r.RemoteAddr)
	s.writeJSON(w, http.StatusOK, &secrets.Secrets{
		Salts:     secrets.Salts{Salt: salt, Pepper: pepper},
		Usernames: s.cfg.UsernameRules,
	})
}
