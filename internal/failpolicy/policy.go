// Package failpolicy names what a caller does when a collaborator it depends
// on cannot be reached. Each collaborator carries its own Mode so the safety
// trade-off is configured and tested in one place.
package failpolicy

import (
	"fmt"
	"strings"
)

// Mode is the behaviour applied when a collaborator call fails.
type Mode string

const (
	// FailOpen lets the operation proceed as if the collaborator had approved.
	FailOpen Mode = "FAIL_OPEN"
	// FailClosed treats the failure as a rejection.
	FailClosed Mode = "FAIL_CLOSED"
	// FailReview lets the operation proceed but routes it to manual review.
	FailReview Mode = "FAIL_REVIEW"
)

// Parse converts a configuration string into a Mode. Matching is
// case-insensitive and accepts dashes in place of underscores.
func Parse(s string) (Mode, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	switch Mode(normalized) {
	case FailOpen, FailClosed, FailReview:
		return Mode(normalized), nil
	default:
		return "", fmt.Errorf("failpolicy: unknown mode %q (want FAIL_OPEN, FAIL_CLOSED or FAIL_REVIEW)", s)
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case FailOpen, FailClosed, FailReview:
		return true
	}
	return false
}

// OrDefault returns m when valid, otherwise def.
func (m Mode) OrDefault(def Mode) Mode {
	if m.Valid() {
		return m
	}
	return def
}

func (m Mode) String() string { return string(m) }
