package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/preflight"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// scrapeResponse is the envelope of every scrape API answer.
type scrapeResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// serveScrapeAPI runs the local trigger API until the context is
// canceled. The API binds loopback by default; it carries no
// authentication, so the bind address is the access control.
func (d *Daemon) serveScrapeAPI(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", d.handleScrapeStatus)
	mux.HandleFunc("/scrape", d.handleScrape)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// The trigger handler asks the controller for its health before
		// answering, so the write timeout covers one upstream call.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	d.mu.Lock()
	listener, err := net.Listen("tcp", d.cfg.Bind)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("scrape API listen on %s: %w", d.cfg.Bind, err)
	}
	d.listener = listener
	d.httpServer = server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	d.logger.Printf("scrape API listening on %s", listener.Addr())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("scrape API: %w", err)
	}
	return nil
}

// Addr returns the scrape API listen address, usable once Run has bound
// the listener.
func (d *Daemon) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listener != nil {
		return d.listener.Addr().String()
	}
	return d.cfg.Bind
}

// handleScrapeStatus reports whether a cycle is in progress: 200 when
// the daemon is idle, 503 while gathering runs.
func (d *Daemon) handleScrapeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		d.writeEnvelope(w, http.StatusBadRequest, "status is read with GET")
		return
	}
	if d.running.Load() {
		d.writeEnvelope(w, http.StatusServiceUnavailable, "a gathering cycle is running")
		return
	}
	d.writeEnvelope(w, http.StatusOK, "")
}

// handleScrape starts a cycle outside the schedule. The running flag is
// taken here and handed to the cycle goroutine, so a second trigger
// while one runs gets 503 instead of being queued behind it.
func (d *Daemon) handleScrape(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		d.writeEnvelope(w, http.StatusBadRequest, "scrapes are triggered with POST")
		return
	}
	if !d.running.CompareAndSwap(false, true) {
		d.writeEnvelope(w, http.StatusServiceUnavailable, "a gathering cycle is already running")
		return
	}

	if err := d.Register(r.Context()); err != nil {
		d.running.Store(false)
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrTransport) || errors.Is(err, types.ErrLockContention) {
			status = http.StatusServiceUnavailable
		}
		d.writeEnvelope(w, status, err.Error())
		return
	}

	if result := d.scrapeGate().Evaluate(r.Context()); result.Verdict != preflight.Proceed {
		d.running.Store(false)
		d.writeEnvelope(w, http.StatusServiceUnavailable,
			fmt.Sprintf("%s check refused: %s", result.Check, result.Reason))
		return
	}

	d.mu.RLock()
	runCtx := d.runCtx
	d.mu.RUnlock()
	if runCtx == nil {
		d.running.Store(false)
		d.writeEnvelope(w, http.StatusInternalServerError, "daemon loop is not running")
		return
	}

	d.cycles.Add(1)
	go func() {
		defer d.cycles.Done()
		defer d.running.Store(false)
		d.runCycle(runCtx)
	}()

	d.logger.Printf("gathering cycle started by scrape trigger from %s", r.RemoteAddr)
	d.writeEnvelope(w, http.StatusCreated, "")
}

func (d *Daemon) writeEnvelope(w http.ResponseWriter, status int, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(scrapeResponse{OK: errMsg == "", Error: errMsg}); err != nil {
		d.logger.Printf("WARN writing scrape response: %v", err)
	}
}
