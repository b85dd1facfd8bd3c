// Package broker is the agent's client for the controller API: the
// registration exchange that trades a public key for pseudonymization
// secrets, the status endpoints, the export notification and the value
// encryption service.
//
// Registration is the only unauthenticated exchange; the controller
// cannot verify a key it has not seen yet and relies on its network
// allowlist instead. Every later call is signed with the registered key.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/keyring"
	"github.com/grip-on-software/data-gathering-sub000/internal/secrets"
	"github.com/grip-on-software/data-gathering-sub000/internal/transport"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// Client talks to one controller for one project.
type Client struct {
	baseURL    string
	project    string
	agent      string
	key        *keyring.Keypair
	httpClient *http.Client
}

// New creates a controller API client. baseURL is the controller root
// without a trailing slash.
func New(baseURL, project, agent string, key *keyring.Keypair) *Client {
	return &Client{
		baseURL: baseURL,
		project: project,
		agent:   agent,
		key:     key,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NotifyResult is the controller's answer to an export notification.
type NotifyResult struct {
	// Queued is true when the bundle was accepted for import.
	Queued bool `json:"queued"`
	// Duplicate is true when the controller had already accepted a
	// bundle with the same content digest; the notification was a no-op.
	Duplicate bool `json:"duplicate,omitempty"`
	// Digest is the manifest content digest the controller recorded.
	Digest string `json:"digest,omitempty"`
}

// Register announces the agent's public key and receives the project's
// pseudonymization secrets. Safe to repeat: the controller returns the
// same material on re-registration. A concurrent registration for the
// same project is reported as ErrLockContention.
func (c *Client) Register(ctx context.Context, hostname, agentVersion string) (*secrets.Secrets, error) {
	form := url.Values{}
	form.Set("project", c.project)
	form.Set("agent", c.agent)
	form.Set("public_key", c.key.PublicHex())
	form.Set("hostname", hostname)
	form.Set("version", agentVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: building registration request: %v", types.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: registering: %v", types.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: %s", types.ErrLockContention, errorMessage(resp))
	case http.StatusBadRequest, http.StatusForbidden:
		return nil, fmt.Errorf("%w: registration rejected: %s", types.ErrValidation, errorMessage(resp))
	default:
		return nil, fmt.Errorf("%w: registering: %s", types.ErrTransport, errorMessage(resp))
	}

	var s secrets.Secrets
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: parsing registration response: %v", types.ErrTransport, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("registration returned unusable secrets: %w", err)
	}
	return &s, nil
}

// ProjectStatus fetches the controller's component health for a project.
// Satisfies the preflight gate's status client.
func (c *Client) ProjectStatus(ctx context.Context, project string) (*types.StatusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status?project="+url.QueryEscape(project), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building status request: %v", types.ErrTransport, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching status: %v", types.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 503 carries a well-formed report of the failing components, so it
	// is parsed like a 200 rather than treated as a transport error.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%w: fetching status: %s", types.ErrTransport, errorMessage(resp))
	}

	var report types.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("%w: parsing status response: %v", types.ErrTransport, err)
	}
	return &report, nil
}

// PushHealth uploads the agent's own health report.
func (c *Client) PushHealth(ctx context.Context, report *types.StatusReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling health report: %w", err)
	}
	resp, err := c.signedPost(ctx, "/status", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: pushing health: %s", types.ErrTransport, errorMessage(resp))
	}
	return nil
}

// Notify announces a completed upload. This is the commit point of the
// gathering handshake: once the controller accepts the manifest, the
// agent's side of the cycle is done and the import proceeds
// asynchronously.
func (c *Client) Notify(ctx context.Context, manifest *types.Manifest) (*NotifyResult, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}

	resp, err := c.signedPost(ctx, "/export", body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%w: export rejected: %s", types.ErrValidation, errorMessage(resp))
	default:
		return nil, fmt.Errorf("%w: notifying export: %s", types.ErrTransport, errorMessage(resp))
	}

	var result NotifyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: parsing export response: %v", types.ErrTransport, err)
	}
	return &result, nil
}

// LastImport fetches the most recent import ledger entry for the
// project. Returns nil without error when nothing was imported yet.
func (c *Client) LastImport(ctx context.Context) (*types.ImportRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/import?project="+url.QueryEscape(c.project), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building import status request: %v", types.ErrTransport, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching import status: %v", types.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: fetching import status: %s", types.ErrTransport, errorMessage(resp))
	}

	var record types.ImportRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("%w: parsing import status: %v", types.ErrTransport, err)
	}
	return &record, nil
}

// Encrypt asks the controller to pseudonymize a value with the project's
// salts, for callers that need a hash without holding the secrets.
func (c *Client) Encrypt(ctx context.Context, value string) (string, error) {
	body, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return "", fmt.Errorf("marshaling encrypt request: %w", err)
	}
	resp, err := c.signedPost(ctx, "/encrypt", body)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: encrypting value: %s", types.ErrTransport, errorMessage(resp))
	}

	var result struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: parsing encrypt response: %v", types.ErrTransport, err)
	}
	return result.Value, nil
}

// ControllerVersion fetches the controller's version string.
func (c *Client) ControllerVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return "", fmt.Errorf("%w: building version request: %v", types.ErrTransport, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetching version: %v", types.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: fetching version: %s", types.ErrTransport, errorMessage(resp))
	}
	var result struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: parsing version response: %v", types.ErrTransport, err)
	}
	return result.Version, nil
}

// signedPost sends a signed JSON POST to an API path with the project as
// query parameter.
func (c *Client) signedPost(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path+"?project="+url.QueryEscape(c.project), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building %s request: %v", types.ErrTransport, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	transport.SignRequest(req, c.project, c.key, body, time.Now())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: posting %s: %v", types.ErrTransport, path, err)
	}
	return resp, nil
}

// errorMessage extracts the error from a JSON body, falling back to the
// status line.
func errorMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			return fmt.Sprintf("%s (%s)", payload.Error, resp.Status)
		}
	}
	return resp.Status
}
