package outbox

// DefaultMaxAttempts is the number of publishing attempts after which an item is given up.
const DefaultMaxAttempts = 25

// RetryPolicy decides the status of an item after a failed publishing attempt.
// The item passed in already accounts for the failed attempt.
//
// Only StatusFatallyFailed is honored as a terminal outcome: any other returned
// status leaves the item Pending so that it is retried on a later cycle.
type RetryPolicy interface {
	StatusAfterFailure(item *Item) Status
}

// RetryPolicyFunc is an adapter to allow the use of ordinary functions as a RetryPolicy.
type RetryPolicyFunc func(item *Item) Status

func (f RetryPolicyFunc) StatusAfterFailure(item *Item) Status {
	return f(item)
}

// MaxAttempts gives up on an item once it has been attempted n times.
// A non-positive n retries forever.
func MaxAttempts(n int) RetryPolicy {
	return RetryPolicyFunc(func(item *Item) Status {
		if n > 0 && item.PublishingAttempts >= n {
			return StatusFatallyFailed
		}
		return StatusPending
	})
}

func statusAfterFailure(policy RetryPolicy, item *Item) Status {
	if policy.StatusAfterFailure(item) == StatusFatallyFailed {
		return StatusFatallyFailed
	}
	return StatusPending
}
