// Package domain contains the canvas and session data of the sharing core.
// Types here carry validation but no transport or lifecycle logic.
package domain

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

type (
	SessionID string
	ViewerID  string
)

const shareURLPath = "/s/"

// NewSessionID allocates a fresh opaque session identifier.
func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

// NewViewerID allocates the identity a viewer presents to the relay.
func NewViewerID() ViewerID { return ViewerID(uuid.NewString()) }

// ParseSessionID accepts a bare id. Anything that is not a UUID is rejected.
func ParseSessionID(raw string) (SessionID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty session id", ErrInvalidInput)
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed session id %q", ErrInvalidInput, raw)
	}
	return SessionID(u.String()), nil
}

// ShareURL embeds id verbatim under base.
func ShareURL(base string, id SessionID) string {
	return strings.TrimRight(base, "/") + shareURLPath + string(id)
}

// ParseShareURL extracts the session id from a share URL or returns the input
// parsed as a bare id.
func ParseShareURL(raw string) (SessionID, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		return ParseSessionID(raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed share url: %v", ErrInvalidInput, err)
	}
	i := strings.LastIndex(u.Path, shareURLPath)
	if i < 0 {
		return "", fmt.Errorf("%w: share url %q has no session path", ErrInvalidInput, raw)
	}
	return ParseSessionID(u.Path[i+len(shareURLPath):])
}
