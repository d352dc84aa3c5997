package policy

import (
	"fmt"
	"strings"
)

// Mode indicates whether evaluation failures allow or deny the request.
type Mode string

const (
	// ModeFailClosed denies requests when the policy engine errors.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen lets requests continue when the policy engine errors.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode normalises a configured posture. Empty selects fail-closed.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeFailClosed:
		return ModeFailClosed, nil
	case ModeFailOpen:
		return ModeFailOpen, nil
	default:
		return "", fmt.Errorf("unknown policy failure mode %q", raw)
	}
}
