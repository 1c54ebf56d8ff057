package outbox

import "fmt"

// Status is an outbox record lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// AllStatuses lists every lifecycle state in display order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter}

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (status Status) IsTerminal() bool {
	return status == StatusCompleted || status == StatusDeadLetter
}

// CanTransitionTo reports whether a transition from status to next is allowed.
// A processing record returns to pending when it is scheduled for retry.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusPending || next == StatusFailed || next == StatusDeadLetter
	case StatusFailed:
		return next == StatusPending || next == StatusDeadLetter
	default:
		return false
	}
}

// ValidateTransition validates a status transition between raw values.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
