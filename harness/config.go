package harness

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// IdentityMode selects the uid each session logs in with.
type IdentityMode string

const (
	// IdentityShared logs every session in with the same uid, which exercises
	// the server's handling of duplicate concurrent logins.
	IdentityShared IdentityMode = "shared"
	// IdentitySequential logs session i in with uid+i.
	IdentitySequential IdentityMode = "sequential"
)

// ParseIdentityMode parses "shared" or "sequential"; empty means shared.
func ParseIdentityMode(s string) (IdentityMode, error) {
	switch IdentityMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", IdentityShared:
		return IdentityShared, nil
	case IdentitySequential:
		return IdentitySequential, nil
	default:
		return "", fmt.Errorf("unknown identity mode %q", s)
	}
}

// Config describes one load run.
type Config struct {
	// Address is the websocket URL every session connects to.
	Address string
	// Count is the number of concurrent sessions.
	Count int
	// UID is the identity, or the base identity in sequential mode.
	UID int64
	// IdentityMode picks shared or per-session identities.
	IdentityMode IdentityMode

	// RampRate limits session starts per second; 0 starts all at once.
	RampRate float64
	// RampBurst is how many sessions may start back to back under RampRate.
	RampBurst int

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
}

// Validate checks the run parameters.
func (c Config) Validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.Count <= 0 {
		errs = append(errs, fmt.Errorf("count must be positive, got %d", c.Count))
	}
	if _, err := ParseIdentityMode(string(c.IdentityMode)); err != nil {
		errs = append(errs, err)
	}
	if c.RampRate < 0 {
		errs = append(errs, fmt.Errorf("ramp rate must not be negative, got %v", c.RampRate))
	}
	if c.RampBurst < 0 {
		errs = append(errs, fmt.Errorf("ramp burst must not be negative, got %d", c.RampBurst))
	}
	if c.ConnectTimeout < 0 || c.WriteTimeout < 0 || c.ReadTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}

	return errors.Join(errs...)
}

// IdentityFor returns the uid session index logs in with.
func (c Config) IdentityFor(index int) int64 {
	if c.IdentityMode == IdentitySequential {
		return c.UID + int64(index)
	}

	return c.UID
}
