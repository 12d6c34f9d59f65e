package platform

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPermissionDenied is wrapped when a privileged write is rejected.
var ErrPermissionDenied = errors.New("permission denied")

// CommandError reports a tool invocation that failed or timed out.
type CommandError struct {
	Command string
	Message string
	Timeout bool
	Err     error
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("command %s failed", e.Command)
	}
	return fmt.Sprintf("command %s failed: %s", e.Command, e.Message)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ParseError reports tool output that did not have the expected shape.
type ParseError struct {
	What  string
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s from %q", e.What, e.Input)
}

// FirewallError is a firewall-specific failure. It also carries the joined
// messages of a multi-stage teardown.
type FirewallError struct {
	Message string
	Err     error
}

func (e *FirewallError) Error() string {
	return "firewall: " + e.Message
}

func (e *FirewallError) Unwrap() error {
	return e.Err
}

// JoinErrors folds the non-nil errors into one FirewallError whose message
// separates each stage with "; ". It returns nil when every error is nil.
func JoinErrors(errs ...error) error {
	var msgs []string
	var kept []error
	for _, err := range errs {
		if err == nil {
			continue
		}
		msgs = append(msgs, err.Error())
		kept = append(kept, err)
	}
	if len(kept) == 0 {
		return nil
	}
	return &FirewallError{
		Message: strings.Join(msgs, "; "),
		Err:     errors.Join(kept...),
	}
}

// IsTimeout reports whether err stems from an exceeded deadline.
func IsTimeout(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Timeout
}
