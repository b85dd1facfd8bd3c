// Package secrets handles the pseudonymization material a project's agents
// share: the salt pair applied to sensitive values before export and the
// username rules that normalize account names across source systems.
//
// The controller generates the material once per project and hands it to
// agents during registration. Agents keep it in secrets.json under the
// project state directory and never send it back over the wire.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// FileName is the name of the secrets file in a project state directory.
const FileName = "secrets.json"

// saltBytes is the length of a generated salt or pepper before hex encoding.
const saltBytes = 32

// Salts is the per-project salt pair. Salt is prepended and Pepper appended
// to a value before hashing, so leaking one of the two is not enough to
// mount a dictionary attack on exported hashes.
type Salts struct {
	Salt   string `json:"salt"`
	Pepper string `json:"pepper"`
}

// UsernameRule normalizes account names before hashing. Prefix selects the
// usernames the rule applies to, with a trailing % acting as a wildcard.
// Pattern and Replace rewrite the matched name; Replace may use $1 style
// group references.
type UsernameRule struct {
	Prefix  string `json:"prefix,omitempty"`
	Pattern string `json:"pattern"`
	Replace string `json:"replace"`

	re *regexp.Regexp
}

// Matches reports whether the rule applies to the given username.
func (r *UsernameRule) Matches(username string) bool {
	switch {
	case r.Prefix == "":
		return true
	case strings.HasSuffix(r.Prefix, "%"):
		return strings.HasPrefix(username, strings.TrimSuffix(r.Prefix, "%"))
	default:
		return username == r.Prefix
	}
}

// Secrets is the full pseudonymization material for one project.
type Secrets struct {
	Salts     Salts          `json:"salts"`
	Usernames []UsernameRule `json:"usernames,omitempty"`
}

// Validate checks that the material is usable: both salts present and all
// username patterns compilable. The preflight gate runs this before every
// gathering cycle.
func (s *Secrets) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: no secrets available", types.ErrConfiguration)
	}
	if s.Salts.Salt == "" || s.Salts.Pepper == "" {
		return fmt.Errorf("%w: incomplete salt pair", types.ErrConfiguration)
	}
	return s.compile()
}

func (s *Secrets) compile() error {
	for i := range s.Usernames {
		rule := &s.Usernames[i]
		if rule.re != nil {
			continue
		}
		if rule.Pattern == "" {
			return fmt.Errorf("%w: username rule %d has no pattern", types.ErrConfiguration, i)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("%w: username rule %d: %v", types.ErrConfiguration, i, err)
		}
		rule.re = re
	}
	return nil
}

// Normalize maps an account name to its canonical form. The first rule
// whose prefix matches and whose pattern matches the name is applied;
// names no rule covers pass through unchanged.
func (s *Secrets) Normalize(username string) string {
	if err := s.compile(); err != nil {
		return username
	}
	for i := range s.Usernames {
		rule := &s.Usernames[i]
		if !rule.Matches(username) {
			continue
		}
		if !rule.re.MatchString(username) {
			continue
		}
		return rule.re.ReplaceAllString(username, rule.Replace)
	}
	return username
}

// Hash pseudonymizes a value: the normalized form is wrapped in the salt
// pair and digested with SHA-256. Equal inputs hash equally for one
// project, so cross-source identities stay linkable without exposing the
// original value.
func (s *Secrets) Hash(value string) string {
	h := sha256.New()
	h.Write([]byte(s.Salts.Salt))
	h.Write([]byte(s.Normalize(value)))
	h.Write([]byte(s.Salts.Pepper))
	return hex.EncodeToString(h.Sum(nil))
}

// Generate creates fresh pseudonymization material with the given username
// rules. Used by the controller the first time a project registers.
func Generate(rules []UsernameRule) (*Secrets, error) {
	salt, err := randomHex(saltBytes)
	if err != nil {
		return nil, err
	}
	pepper, err := randomHex(saltBytes)
	if err != nil {
		return nil, err
	}
	s := &Secrets{
		Salts:     Salts{Salt: salt, Pepper: pepper},
		Usernames: rules,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Path returns the secrets file path for a project state directory.
func Path(projectDir string) string {
	return filepath.Join(projectDir, FileName)
}

// Load reads the secrets file. A missing file returns (nil, nil) so
// callers can distinguish "not registered yet" from a real failure.
func Load(projectDir string) (*Secrets, error) {
	data, err := os.ReadFile(Path(projectDir)) // #nosec G304 - controlled path from config
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets: %w", err)
	}

	var s Secrets
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing secrets: %w", err)
	}
	return &s, nil
}

// Save writes the secrets file with owner-only permissions. The write is
// atomic so a crash never leaves a truncated secrets file behind.
func Save(projectDir string, s *Secrets) error {
	if err := os.MkdirAll(projectDir, 0700); err != nil {
		return fmt.Errorf("creating project directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling secrets: %w", err)
	}

	tmp, err := os.CreateTemp(projectDir, ".secrets-*.json")
	if err != nil {
		return fmt.Errorf("creating temp secrets file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing secrets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing secrets file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("setting secrets permissions: %w", err)
	}
	if err := os.Rename(tmpName, Path(projectDir)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("installing secrets file: %w", err)
	}
	return nil
}
