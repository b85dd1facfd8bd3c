// Package transport moves bundle files between agent and controller over
// signed HTTP requests.
//
// The file API is PUT and GET on /files/<project>/<area>/<name>. Requests
// are validated structurally: method and path are parsed into a typed
// command whose fields are checked against closed sets, never matched as
// one concatenated string. Authentication is an ed25519 signature over
// the canonical request (method, path, body digest, date) using the key
// the agent registered with.
package transport

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/grip-on-software/data-gathering-sub000/internal/keyring"
	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// Op is a file transfer operation.
type Op string

const (
	OpUpload   Op = "upload"
	OpDownload Op = "download"
)

// Storage areas a file command may address.
const (
	// AreaExport holds the gathered data files of the running cycle.
	AreaExport = "export"
	// AreaUpdate holds the tracker documents.
	AreaUpdate = "update"
	// AreaInbound holds controller-produced files for the agent, such as
	// refreshed trackers after an import.
	AreaInbound = "inbound"
)

// ValidArea reports whether the area belongs to the closed set.
func ValidArea(area string) bool {
	switch area {
	case AreaExport, AreaUpdate, AreaInbound:
		return true
	}
	return false
}

// PathPrefix is the URL prefix of the file API.
const PathPrefix = "/files/"

// Command is one parsed file transfer request.
type Command struct {
	Op      Op
	Project string
	Area    string
	Name    string
}

// Validate checks every field of the command against its closed set.
func (c Command) Validate() error {
	switch c.Op {
	case OpUpload, OpDownload:
	default:
		return fmt.Errorf("%w: unknown operation %q", types.ErrValidation, string(c.Op))
	}
	if !types.ValidProjectKey(c.Project) {
		return fmt.Errorf("%w: invalid project key %q", types.ErrValidation, c.Project)
	}
	if !ValidArea(c.Area) {
		return fmt.Errorf("%w: unknown area %q", types.ErrValidation, c.Area)
	}
	// The inbound area is written by the controller's importer; agents
	// may only read it back.
	if c.Op == OpUpload && c.Area == AreaInbound {
		return fmt.Errorf("%w: uploads to the %s area are not allowed", types.ErrValidation, AreaInbound)
	}
	if err := SafeName(c.Name); err != nil {
		return err
	}
	return nil
}

// Path returns the URL path the command addresses.
func (c Command) Path() string {
	return PathPrefix + c.Project + "/" + c.Area + "/" + c.Name
}

// ParseRequest turns an HTTP method and URL path into a validated command.
func ParseRequest(method, urlPath string) (Command, error) {
	var op Op
	switch method {
	case http.MethodPut:
		op = OpUpload
	case http.MethodGet:
		op = OpDownload
	default:
		return Command{}, fmt.Errorf("%w: method %s not allowed on file API", types.ErrValidation, method)
	}

	rest, ok := strings.CutPrefix(urlPath, PathPrefix)
	if !ok {
		return Command{}, fmt.Errorf("%w: path %q is outside the file API", types.ErrValidation, urlPath)
	}
	segments := strings.Split(rest, "/")
	if len(segments) != 3 {
		return Command{}, fmt.Errorf("%w: want /files/<project>/<area>/<name>, got %q", types.ErrValidation, urlPath)
	}

	cmd := Command{Op: op, Project: segments[0], Area: segments[1], Name: segments[2]}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// SafeName checks a file name character by character. Only names from a
// narrow allowlist pass; anything that could traverse directories or be
// interpreted by a shell is rejected.
func SafeName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty file name", types.ErrValidation)
	}
	if len(name) > 255 {
		return fmt.Errorf("%w: file name longer than 255 bytes", types.ErrValidation)
	}
	if name[0] == '.' {
		return fmt.Errorf("%w: file name %q starts with a dot", types.ErrValidation, name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return fmt.Errorf("%w: file name %q contains forbidden byte %q", types.ErrValidation, name, c)
		}
	}
	return nil
}

// AuthScheme is the Authorization scheme of signed agent requests.
const AuthScheme = "GROS-Agent"

// DateHeader carries the RFC 3339 timestamp the signature covers.
const DateHeader = "X-Gros-Date"

// Auth is a parsed Authorization header.
type Auth struct {
	Project   string
	Signature []byte
}

// ParseAuthorization splits an Authorization header of the form
// "GROS-Agent <project> <hex signature>".
func ParseAuthorization(header string) (*Auth, error) {
	fields := strings.Fields(header)
	if len(fields) != 3 || fields[0] != AuthScheme {
		return nil, fmt.Errorf("%w: malformed Authorization header", types.ErrValidation)
	}
	if !types.ValidProjectKey(fields[1]) {
		return nil, fmt.Errorf("%w: invalid project key in Authorization header", types.ErrValidation)
	}
	sig, err := hex.DecodeString(fields[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not hex", types.ErrValidation)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature has %d bytes, want %d", types.ErrValidation, len(sig), ed25519.SignatureSize)
	}
	return &Auth{Project: fields[1], Signature: sig}, nil
}

// canonical builds the byte string the signature covers.
func canonical(method, path string, body []byte, date string) []byte {
	digest := sha256.Sum256(body)
	return []byte(method + "\n" + path + "\n" + hex.EncodeToString(digest[:]) + "\n" + date)
}

// Sign produces the signature for one request.
func Sign(key *keyring.Keypair, method, path string, body []byte, date string) []byte {
	return key.Sign(canonical(method, path, body, date))
}

// SignRequest stamps the date and Authorization headers onto an outgoing
// request.
func SignRequest(req *http.Request, project string, key *keyring.Keypair, body []byte, now time.Time) {
	date := now.UTC().Format(time.RFC3339)
	req.Header.Set(DateHeader, date)
	sig := Sign(key, req.Method, req.URL.Path, body, date)
	req.Header.Set("Authorization", AuthScheme+" "+project+" "+hex.EncodeToString(sig))
}

// Verify checks a parsed Authorization against the request it arrived
// with. The date must be within maxSkew of now in either direction, which
// bounds how long a captured request stays replayable.
func Verify(auth *Auth, method, path string, body []byte, date string, pub ed25519.PublicKey, maxSkew time.Duration, now time.Time) error {
	if date == "" {
		return fmt.Errorf("%w: missing %s header", types.ErrValidation, DateHeader)
	}
	stamp, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return fmt.Errorf("%w: unparseable %s header", types.ErrValidation, DateHeader)
	}
	skew := now.Sub(stamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return fmt.Errorf("%w: request dated %s outside %s skew window", types.ErrValidation, date, maxSkew)
	}

	if !ed25519.Verify(pub, canonical(method, path, body, date), auth.Signature) {
		return errors.New("signature verification failed")
	}
	return nil
}
