package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/keyring"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// ErrNotFound is returned when the controller has no file under the
// requested name.
var ErrNotFound = errors.New("file not present on controller")

// Client uploads and downloads bundle files for one project.
type Client struct {
	baseURL    string
	project    string
	key        *keyring.Keypair
	httpClient *http.Client
}

// NewClient creates a file transfer client. baseURL is the controller API
// root without a trailing slash.
func NewClient(baseURL, project string, key *keyring.Keypair) *Client {
	return &Client{
		baseURL: baseURL,
		project: project,
		key:     key,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// Upload sends one file into the project's area on the controller.
func (c *Client) Upload(ctx context.Context, area, name string, data []byte) error {
	cmd := Command{Op: OpUpload, Project: c.project, Area: area, Name: name}
	if err := cmd.Validate(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+cmd.Path(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: building upload request: %v", types.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	SignRequest(req, c.project, c.key, data, time.Now())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: uploading %s/%s: %v", types.ErrTransport, area, name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: uploading %s/%s: %s", types.ErrTransport, area, name, responseError(resp))
	}
	return nil
}

// Download fetches one file from the project's area. A missing file is
// reported as ErrNotFound so callers can fall back to local state.
func (c *Client) Download(ctx context.Context, area, name string) ([]byte, error) {
	cmd := Command{Op: OpDownload, Project: c.project, Area: area, Name: name}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+cmd.Path(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building download request: %v", types.ErrTransport, err)
	}
	SignRequest(req, c.project, c.key, nil, time.Now())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: downloading %s/%s: %v", types.ErrTransport, area, name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, area, name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: downloading %s/%s: %s", types.ErrTransport, area, name, responseError(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s/%s: %v", types.ErrTransport, area, name, err)
	}
	return data, nil
}

// responseError extracts the error message from a JSON error body, falling
// back to the HTTP status line.
func responseError(resp *http.Response) string {
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
