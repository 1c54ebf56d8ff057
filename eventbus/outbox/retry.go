package outbox

import (
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus/backoff"
)

// FailureOutcome is the state a processing record moves to after a failed attempt.
type FailureOutcome struct {
	Status        Status
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
}

// WillRetry reports whether the record goes back to pending.
func (o FailureOutcome) WillRetry() bool {
	return o.Status == StatusPending
}

// DecideFailure applies the retry budget to a failed attempt. MaxRetries
// counts retries after the first attempt, so a record is delivered at most
// MaxRetries+1 times before it is dead-lettered. The backoff is computed from
// the incremented retry count.
func DecideFailure(rec *Record, errMsg string, policy backoff.Policy, now time.Time) FailureOutcome {
	outcome := FailureOutcome{
		RetryCount: rec.RetryCount + 1,
		LastError:  SanitizeErrorMessage(errMsg),
	}

	if rec.RetryCount < rec.MaxRetries {
		outcome.Status = StatusPending
		outcome.NextAttemptAt = now.Add(policy.Delay(outcome.RetryCount))

		return outcome
	}

	outcome.Status = StatusDeadLetter
	outcome.NextAttemptAt = rec.NextAttemptAt

	return outcome
}
