package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/grip-on-software/data-gathering-sub000/internal/importer"
	"github.com/grip-on-software/data-gathering-sub000/internal/storage"
	"github.com/grip-on-software/data-gathering-sub000/internal/transport"
)

// handleFiles serves the file exchange under /files/. Agents PUT bundle
// files into the export and update areas and GET authoritative state
// back from the update and inbound areas. The path grammar and name
// allowlist are enforced before anything touches the filesystem.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.remoteAllowed(r) {
		s.writeError(w, http.StatusForbidden, fmt.Sprintf("file access from %s not allowed", r.RemoteAddr))
		return
	}

	cmd, err := transport.ParseRequest(r.Method, r.URL.Path)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := s.cfg.MaxUploadBytes
	if cmd.Op == transport.OpDownload {
		// Downloads carry no body; the signature covers empty bytes.
		limit = 4096
	}
	body, agent, ok := s.readSigned(w, r, limit)
	if !ok {
		return
	}
	if cmd.Project != agent.Project {
		s.writeError(w, http.StatusForbidden,
			fmt.Sprintf("key for project %s cannot access project %s", agent.Project, cmd.Project))
		return
	}

	switch cmd.Op {
	case transport.OpUpload:
		dir := importer.AreaDir(s.cfg.DataDir, cmd.Project, cmd.Area)
		if err := os.MkdirAll(dir, 0700); err != nil {
			s.writeError(w, http.StatusInternalServerError, "preparing upload area failed")
			return
		}
		if err := os.WriteFile(filepath.Join(dir, cmd.Name), body, 0600); err != nil { // #nosec G304 -- name passed SafeName
			s.writeError(w, http.StatusInternalServerError, "storing upload failed")
			return
		}
		s.logger.Printf("stored %s/%s/%s (%d bytes) from agent %s",
			cmd.Project, cmd.Area, cmd.Name, len(body), agent.Name)
		w.WriteHeader(http.StatusNoContent)

	case transport.OpDownload:
		data, err := s.readArea(r.Context(), cmd)
		if errors.Is(err, storage.ErrNotFound) || os.IsNotExist(err) {
			s.writeError(w, http.StatusNotFound,
				fmt.Sprintf("no file %s in %s area of project %s", cmd.Name, cmd.Area, cmd.Project))
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "reading file failed")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
		_, _ = w.Write(data)
	}
}

// readArea resolves one download. The update area serves the
// authoritative tracker from the store; a staged upload that has not
// been imported yet is never handed back out. The other areas read
// from the exchange directories.
func (s *Server) readArea(ctx context.Context, cmd transport.Command) ([]byte, error) {
	if cmd.Area == transport.AreaUpdate {
		script := strings.TrimSuffix(cmd.Name, ".json")
		return s.store.Tracker(ctx, cmd.Project, script)
	}
	dir := importer.AreaDir(s.cfg.DataDir, cmd.Project, cmd.Area)
	return os.ReadFile(filepath.Join(dir, cmd.Name)) // #nosec G304 -- name passed SafeName
}
