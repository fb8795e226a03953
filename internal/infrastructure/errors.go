package infrastructure

import (
	"fmt"
	"net/http"
	"strings"
)

type ResolutionErrorKind int

const (
	// KindTransport: the registry or content location could not be reached.
	KindTransport ResolutionErrorKind = iota
	// KindRegistry: the registry answered with an error message, e.g. the
	// slot exists but holds no content yet.
	KindRegistry
	KindUnauthorized
	KindMalformed
	KindStatus
)

func (k ResolutionErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRegistry:
		return "registry"
	case KindUnauthorized:
		return "unauthorized"
	case KindMalformed:
		return "malformed"
	default:
		return "status"
	}
}

type ResolutionError struct {
	Op         string
	Ref        string
	URL        string
	Kind       ResolutionErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Ref != "" {
		fmt.Fprintf(&b, " %q", e.Ref)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " (%s)", e.URL)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " [%d]", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Unauthorized() bool { return e.Kind == KindUnauthorized }

// Unreachable distinguishes "could not talk to the registry" from "the
// registry said no".
func (e *ResolutionError) Unreachable() bool { return e.Kind == KindTransport }

func isUnauthorized(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func statusError(op, ref, location string, status int, message string) *ResolutionError {
	kind := KindStatus
	if isUnauthorized(status) {
		kind = KindUnauthorized
	}
	return &ResolutionError{Op: op, Ref: ref, URL: location, Kind: kind, StatusCode: status, Message: message}
}
