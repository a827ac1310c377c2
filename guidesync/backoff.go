package guidesync

import (
	"time"
)

type RetryBackoffSettings struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultRetryBackoffSettings() *RetryBackoffSettings {
	return &RetryBackoffSettings{
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// tracks consecutive transient errors with no intervening successful push.
// Owned exclusively by the sync controller.
type retryBudget struct {
	settings *RetryBackoffSettings

	attemptCount   int
	lastErrorClass ErrorClass
}

func newRetryBudget(settings *RetryBackoffSettings) *retryBudget {
	return &retryBudget{
		settings: settings,
	}
}

// delay for attempt n (1-indexed): min(baseDelay * multiplier^(n-1), maxDelay)
func (self *retryBudget) delay(attempt int) time.Duration {
	d := self.settings.BaseDelay
	for i := 1; i < attempt; i += 1 {
		d = time.Duration(float64(d) * self.settings.Multiplier)
		if self.settings.MaxDelay <= d {
			return self.settings.MaxDelay
		}
	}
	return min(d, self.settings.MaxDelay)
}

func (self *retryBudget) nextAttempt(errorClass ErrorClass) (attempt int, delay time.Duration) {
	self.attemptCount += 1
	self.lastErrorClass = errorClass
	return self.attemptCount, self.delay(self.attemptCount)
}

func (self *retryBudget) exhausted() bool {
	return self.settings.MaxAttempts <= self.attemptCount
}

func (self *retryBudget) reset() {
	self.attemptCount = 0
}
