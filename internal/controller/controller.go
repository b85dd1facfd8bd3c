// Package controller is the server side of the gathering exchange. It
// registers agents, receives their uploaded bundles and export
// notifications, runs the import queue, serves authoritative tracker
// state back to agents and aggregates health reports for a project.
//
// Every mutating endpoint except registration requires a request
// signature from a registered agent key. Registration itself cannot be
// signed with a key the controller has never seen, so it is guarded by
// the network allowlist and a per-project lock instead.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/config"
	"github.com/grip-on-software/data-gathering-sub000/internal/importer"
	"github.com/grip-on-software/data-gathering-sub000/internal/keyring"
	"github.com/grip-on-software/data-gathering-sub000/internal/storage"
	"github.com/grip-on-software/data-gathering-sub000/internal/transport"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
	"github.com/grip-on-software/data-gathering-sub000/internal/version"
)

// importQueueDepth bounds how many accepted bundles may wait for the
// single import worker. A full queue turns further notifications away
// with 503; the agent rolls its cycle back and tries again next period.
const importQueueDepth = 16

// importJob carries one accepted bundle to the import worker.
type importJob struct {
	id       int64
	manifest *types.Manifest
}

// Server is the controller HTTP service.
type Server struct {
	cfg      *config.Controller
	store    storage.Store
	importer *importer.Importer
	logger   *log.Logger

	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex

	jobs chan importJob

	// now is replaceable in tests.
	now func() time.Time
}

// New assembles the controller around its persistent store. The caller
// owns the store and closes it after Start returns.
func New(cfg *config.Controller, store storage.Store, logger *log.Logger) *Server {
	return &Server{
		cfg:   cfg,
		store: store,
		importer: &importer.Importer{
			Store:   store,
			DataDir: cfg.DataDir,
			Command: cfg.ImportCommand,
			Logger:  logger,
		},
		logger: logger,
		jobs:   make(chan importJob, importQueueDepth),
		now:    time.Now,
	}
}

// Start listens on the configured address and serves until ctx is
// canceled. The import worker runs alongside the listener; bundles
// still queued when ctx ends stay pending in the ledger and are
// re-announced by their agents on the next cycle.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/agent", s.handleRegister)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/export", s.handleExport)
	mux.HandleFunc("/import", s.handleImportStatus)
	mux.HandleFunc("/encrypt", s.handleEncrypt)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc(transport.PathPrefix, s.handleFiles)

	s.mu.Lock()
	// Bundles for a full gathering cycle can run to hundreds of
	// megabytes, so the body timeouts are far wider than usual for a
	// JSON API. The header timeout still cuts off idle connections.
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listening on %s: %w", s.cfg.Bind, err)
	}
	s.listener = listener
	s.mu.Unlock()

	go s.importWorker(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("controller listening on %s", listener.Addr())
	if err := s.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listen address once Start has opened it, and
// the configured address before that.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Bind
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// remoteAllowed checks the request origin against the configured
// networks. An empty allowlist admits everyone.
func (s *Server) remoteAllowed(r *http.Request) bool {
	if len(s.cfg.AllowedNetworks) == 0 {
		return true
	}
	addrPort, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	addr := addrPort.Addr().Unmap()
	for _, prefix := range s.cfg.AllowedNetworks {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// readSigned reads the request body and verifies the signature against
// the registered keys of the project named in the Authorization header.
// On failure the response has already been written and ok is false.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request, limit int64) (body []byte, agent *types.Agent, ok bool) {
	auth, err := transport.ParseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return nil, nil, false
	}

	body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		} else {
			s.writeError(w, http.StatusBadRequest, "reading request body failed")
		}
		return nil, nil, false
	}

	agents, err := s.store.Agents(r.Context(), auth.Project)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "loading registered agents failed")
		return nil, nil, false
	}
	if len(agents) == 0 {
		s.writeError(w, http.StatusUnauthorized, fmt.Sprintf("no agents registered for project %s", auth.Project))
		return nil, nil, false
	}

	// The Authorization header names only the project, so any of its
	// registered keys may have produced the signature. Projects rarely
	// run more than one agent.
	date := r.Header.Get(transport.DateHeader)
	var lastErr error
	for i := range agents {
		pub, err := keyring.ParsePublicHex(agents[i].PublicKey)
		if err != nil {
			lastErr = err
			continue
		}
		if err := transport.Verify(auth, r.Method, r.URL.Path, body, date, pub, s.cfg.AuthMaxSkew, s.now()); err != nil {
			lastErr = err
			continue
		}
		return body, &agents[i], true
	}

	s.logger.Printf("WARN rejected %s %s from %s: %v", r.Method, r.URL.Path, r.RemoteAddr, lastErr)
	s.writeError(w, http.StatusUnauthorized, fmt.Sprintf("signature verification failed: %v", lastErr))
	return nil, nil, false
}

// handleVersion serves GET /version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": version.String(),
	})
}
