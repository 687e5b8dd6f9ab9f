package entity

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status transition is not allowed
var ErrInvalidTransition = errors.New("invalid status transition")

// Status represents the download state of an attachment record
type Status string

// Attachment status constants
const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

var validStatuses = map[Status]bool{
	StatusQueued:     true,
	StatusProcessing: true,
	StatusCompleted:  true,
	StatusFailed:     true,
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
}

// Failed -> Queued (retry) is the only backward edge.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusQueued},
}

// IsTerminal returns true if no transfer work remains for the status
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// IsValid returns true if the status is a known attachment status
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// CanTransitionTo reports whether moving from s to next is permitted
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when s cannot move to next
func (s Status) ValidateTransition(next Status) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// ParseStatus converts a string into a Status, rejecting unknown values
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown attachment status %q", s)
	}
	return status, nil
}
