package session

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxSessionIDLength bounds caller tokens so that prefix+id stays a valid runtime name
const MaxSessionIDLength = 64

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateSessionID rejects tokens that are not safe to embed in a runtime resource name
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id must not be empty")
	}
	if len(id) > MaxSessionIDLength {
		return fmt.Errorf("session id longer than %d characters", MaxSessionIDLength)
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session id %q must match %s", id, sessionIDPattern.String())
	}
	return nil
}

// Namer derives environment names from session ids. Ids are validated, never
// rewritten, so distinct sessions always get distinct names.
type Namer struct {
	prefix string
}

// NewNamer creates a Namer for prefix
func NewNamer(prefix string) Namer {
	return Namer{prefix: prefix}
}

// Prefix returns the naming prefix
func (n Namer) Prefix() string {
	return n.prefix
}

// Name returns the environment name of sessionID
func (n Namer) Name(sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	return n.prefix + sessionID, nil
}

// SessionID recovers the session id from an environment name. It reports
// false for names outside the naming scheme.
func (n Namer) SessionID(name string) (string, bool) {
	id, ok := strings.CutPrefix(name, n.prefix)
	if !ok || ValidateSessionID(id) != nil {
		return "", false
	}
	return id, true
}
