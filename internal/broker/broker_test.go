package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/keyring"
	"github.com/grip-on-software/data-gathering-sub000/internal/transport"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *keyring.Keypair) {
	t.Helper()
	kp, _, err := keyring.LoadOrGenerate(t.TempDir())
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "TEST", "main-agent", kp), kp
}

// verifySigned checks the request signature against the keypair and fails
// the test on mismatch.
func verifySigned(t *testing.T, r *http.Request, kp *keyring.Keypair) []byte {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("reading request body: %v", err)
	}
	auth, err := transport.ParseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		t.Fatalf("parsing Authorization: %v", err)
	}
	if auth.Project != "TEST" {
		t.Errorf("got project %q in Authorization, want TEST", auth.Project)
	}
	err = transport.Verify(auth, r.Method, r.URL.Path, body, r.Header.Get(transport.DateHeader),
		kp.Public(), time.Minute, time.Now())
	if err != nil {
		t.Fatalf("verifying signature: %v", err)
	}
	return body
}

func TestRegister(t *testing.T) {
	var gotForm map[string]string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agent" {
			t.Errorf("got %s %s, want POST /agent", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		gotForm = map[string]string{
			"project":    r.PostForm.Get("project"),
			"agent":      r.PostForm.Get("agent"),
			"public_key": r.PostForm.Get("public_key"),
			"hostname":   r.PostForm.Get("hostname"),
			"version":    r.PostForm.Get("version"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"salts": {"salt": "a", "pepper": "b"},
			"usernames": [{"prefix": "ORG%", "pattern": "^ORG(.*)$", "replace": "$1"}]
		}`)
	})
	client, kp := newTestClient(t, handler)

	s, err := client.Register(context.Background(), "agent-host", "0.9.0")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if gotForm["project"] != "TEST" || gotForm["agent"] != "main-agent" {
		t.Errorf("form identified %s/%s, want TEST/main-agent", gotForm["project"], gotForm["agent"])
	}
	if gotForm["public_key"] != kp.PublicHex() {
		t.Errorf("form carried public key %q, want %q", gotForm["public_key"], kp.PublicHex())
	}
	if gotForm["hostname"] != "agent-host" || gotForm["version"] != "0.9.0" {
		t.Errorf("form carried %s/%s, want agent-host/0.9.0", gotForm["hostname"], gotForm["version"])
	}
	if s.Salts.Salt != "a" || s.Salts.Pepper != "b" {
		t.Errorf("got salts %+v, want a/b", s.Salts)
	}
	if len(s.Usernames) != 1 {
		t.Fatalf("got %d username rules, want 1", len(s.Usernames))
	}
}

func TestRegisterLockContention(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error": "registration for TEST already in progress"}`)
	})
	client, _ := newTestClient(t, handler)

	_, err := client.Register(context.Background(), "h", "v")
	if !errors.Is(err, types.ErrLockContention) {
		t.Fatalf("got %v, want ErrLockContention", err)
	}
	if !strings.Contains(err.Error(), "already in progress") {
		t.Errorf("error %q should carry the server message", err)
	}
}

func TestRegisterRejected(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error": "invalid public key"}`)
	})
	client, _ := newTestClient(t, handler)

	_, err := client.Register(context.Background(), "h", "v")
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestRegisterUnusableSecrets(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"salts": {"salt": "", "pepper": ""}, "usernames": []}`)
	})
	client, _ := newTestClient(t, handler)

	_, err := client.Register(context.Background(), "h", "v")
	if err == nil {
		t.Fatal("Register accepted empty salts")
	}
	if !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration", err)
	}
}

func TestProjectStatus(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("project") != "TEST" {
			t.Errorf("got project query %q, want TEST", r.URL.Query().Get("project"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&types.StatusReport{
			Project: "TEST",
			Components: map[string]types.ComponentHealth{
				"database": {OK: true},
				"importer": {OK: true},
			},
			ReportedAt: time.Now().UTC(),
		})
	})
	client, _ := newTestClient(t, handler)

	report, err := client.ProjectStatus(context.Background(), "TEST")
	if err != nil {
		t.Fatalf("ProjectStatus: %v", err)
	}
	if !report.Healthy() {
		t.Errorf("report %+v should be healthy", report)
	}
}

func TestProjectStatusUnhealthyIsNotAnError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(&types.StatusReport{
			Project: "TEST",
			Components: map[string]types.ComponentHealth{
				"database": {OK: false, Message: "connection refused"},
			},
		})
	})
	client, _ := newTestClient(t, handler)

	report, err := client.ProjectStatus(context.Background(), "TEST")
	if err != nil {
		t.Fatalf("ProjectStatus on 503: %v", err)
	}
	if report.Healthy() {
		t.Error("report with failing component counted as healthy")
	}
	if report.Components["database"].Message != "connection refused" {
		t.Errorf("got message %q, want connection refused", report.Components["database"].Message)
	}
}

func TestPushHealth(t *testing.T) {
	var pushed types.StatusReport
	var client *Client
	var kp *keyring.Keypair
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/status" {
			t.Errorf("got %s %s, want POST /status", r.Method, r.URL.Path)
		}
		body := verifySigned(t, r, kp)
		if err := json.Unmarshal(body, &pushed); err != nil {
			t.Fatalf("unmarshaling pushed report: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	client, kp = newTestClient(t, handler)

	report := &types.StatusReport{
		Project: "TEST",
		Agent:   "main-agent",
		Components: map[string]types.ComponentHealth{
			"scheduler": {OK: true},
		},
		ReportedAt: time.Now().UTC(),
	}
	if err := client.PushHealth(context.Background(), report); err != nil {
		t.Fatalf("PushHealth: %v", err)
	}
	if pushed.Agent != "main-agent" {
		t.Errorf("controller received agent %q, want main-agent", pushed.Agent)
	}
}

func validManifest() *types.Manifest {
	return &types.Manifest{
		Project: "TEST",
		Agent:   types.ManifestAgent{Name: "main-agent", Hostname: "agent-host", Version: "0.9.0"},
		ExportFiles: []types.FileEntry{
			{Name: "data_jira.json", Size: 120, Digest: strings.Repeat("ab", 32)},
		},
		UpdateFiles: []types.FileEntry{
			{Name: "jira_update.json", Size: 40, Digest: strings.Repeat("cd", 32)},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestNotify(t *testing.T) {
	var client *Client
	var kp *keyring.Keypair
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/export" {
			t.Errorf("got %s %s, want POST /export", r.Method, r.URL.Path)
		}
		body := verifySigned(t, r, kp)
		var m types.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			t.Fatalf("unmarshaling manifest: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(&NotifyResult{Queued: true, Digest: m.ContentDigest()})
	})
	client, kp = newTestClient(t, handler)

	manifest := validManifest()
	result, err := client.Notify(context.Background(), manifest)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !result.Queued {
		t.Error("accepted notification not marked queued")
	}
	if result.Digest != manifest.ContentDigest() {
		t.Errorf("got digest %s, want %s", result.Digest, manifest.ContentDigest())
	}
}

func TestNotifyDuplicate(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&NotifyResult{Queued: false, Duplicate: true})
	})
	client, _ := newTestClient(t, handler)

	result, err := client.Notify(context.Background(), validManifest())
	if err != nil {
		t.Fatalf("Notify duplicate: %v", err)
	}
	if result.Queued || !result.Duplicate {
		t.Errorf("got %+v, want duplicate and not queued", result)
	}
}

func TestNotifyValidatesBeforeSending(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	})
	client, _ := newTestClient(t, handler)

	_, err := client.Notify(context.Background(), &types.Manifest{Project: "TEST", Agent: types.ManifestAgent{Name: "a"}})
	if err == nil {
		t.Fatal("Notify accepted a manifest without files")
	}
	if calls != 0 {
		t.Errorf("invalid manifest reached the controller (%d calls)", calls)
	}
}

func TestLastImport(t *testing.T) {
	finished := time.Now().UTC().Truncate(time.Second)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/import" || r.URL.Query().Get("project") != "TEST" {
			t.Errorf("got %s?project=%s, want /import?project=TEST", r.URL.Path, r.URL.Query().Get("project"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&types.ImportRecord{
			Project:    "TEST",
			Digest:     "deadbeef",
			State:      types.ImportDone,
			FinishedAt: &finished,
		})
	})
	client, _ := newTestClient(t, handler)

	record, err := client.LastImport(context.Background())
	if err != nil {
		t.Fatalf("LastImport: %v", err)
	}
	if record.State != types.ImportDone || record.Digest != "deadbeef" {
		t.Errorf("got %+v, want done/deadbeef", record)
	}
}

func TestLastImportNone(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error": "no imports for TEST"}`)
	})
	client, _ := newTestClient(t, handler)

	record, err := client.LastImport(context.Background())
	if err != nil {
		t.Fatalf("LastImport on empty ledger: %v", err)
	}
	if record != nil {
		t.Errorf("got %+v, want nil record", record)
	}
}

func TestEncrypt(t *testing.T) {
	var client *Client
	var kp *keyring.Keypair
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := verifySigned(t, r, kp)
		var req struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("unmarshaling encrypt request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"value": "hashed-" + req.Value})
	})
	client, kp = newTestClient(t, handler)

	got, err := client.Encrypt(context.Background(), "ORG99")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if got != "hashed-ORG99" {
		t.Errorf("got %q, want hashed-ORG99", got)
	}
}

func TestControllerVersion(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version" {
			t.Errorf("got path %s, want /version", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"version": "0.9.0"}`)
	})
	client, _ := newTestClient(t, handler)

	got, err := client.ControllerVersion(context.Background())
	if err != nil {
		t.Fatalf("ControllerVersion: %v", err)
	}
	if got != "0.9.0" {
		t.Errorf("got version %q, want 0.9.0", got)
	}
}

func TestTransportErrorsCarryServerMessage(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error": "database unavailable"}`)
	})
	client, _ := newTestClient(t, handler)

	err := client.PushHealth(context.Background(), &types.StatusReport{Project: "TEST"})
	if !errors.Is(err, types.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}
	if !strings.Contains(err.Error(), "database unavailable") {
		t.Errorf("error %q should carry the server message", err)
	}
}
