package terrastream

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Per (tile, layer) retry/backoff state machine.
//
// Transitions are Idle -> Pending -> {Idle on success, Retrying or
// DefinitiveFailure on failure}. DefinitiveFailure is terminal.
// Cancellation is not a failure: it restores the state that was in
// effect before the attempt and leaves the failure count untouched.

type UpdateStatus int

const (
	UpdateStatusIdle UpdateStatus = iota
	UpdateStatusPending
	UpdateStatusRetrying
	UpdateStatusDefinitiveFailure
)

func (self UpdateStatus) String() string {
	switch self {
	case UpdateStatusIdle:
		return "idle"
	case UpdateStatusPending:
		return "pending"
	case UpdateStatusRetrying:
		return "retrying"
	case UpdateStatusDefinitiveFailure:
		return "definitive failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type UpdateStateSettings struct {
	// attempts beyond this count fail definitively
	MaxRetry   int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func DefaultUpdateStateSettings() *UpdateStateSettings {
	return &UpdateStateSettings{
		MaxRetry:   4,
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
}

// exponential in the failure count, bounded by `MaxBackoff`
func (self *UpdateStateSettings) Backoff(failureCount int) time.Duration {
	if failureCount <= 0 {
		return 0
	}
	backoff := self.MinBackoff
	for i := 1; i < failureCount; i += 1 {
		backoff *= 2
		if self.MaxBackoff <= backoff {
			return self.MaxBackoff
		}
	}
	return min(backoff, self.MaxBackoff)
}

type UpdateState struct {
	settings *UpdateStateSettings

	status              UpdateStatus
	statusBeforeAttempt UpdateStatus
	lastAttemptTime     time.Time
	failureCount        int
	nextEligibleTime    time.Time
	lastError           error

	// "nothing better right now", distinct from giving up.
	// cleared when upstream data changes.
	noMoreUpdate bool
}

func NewUpdateStateWithDefaults() *UpdateState {
	return NewUpdateState(DefaultUpdateStateSettings())
}

func NewUpdateState(settings *UpdateStateSettings) *UpdateState {
	return &UpdateState{
		settings: settings,
		status:   UpdateStatusIdle,
	}
}

func (self *UpdateState) Status() UpdateStatus {
	return self.status
}

func (self *UpdateState) FailureCount() int {
	return self.failureCount
}

func (self *UpdateState) LastAttemptTime() time.Time {
	return self.lastAttemptTime
}

func (self *UpdateState) NextEligibleTime() time.Time {
	return self.nextEligibleTime
}

// the error that made the state terminal, wrapped as a
// `DefinitiveFailureError`. nil unless terminal.
func (self *UpdateState) LastError() error {
	return self.lastError
}

func (self *UpdateState) NoMoreUpdate() bool {
	return self.noMoreUpdate
}

func (self *UpdateState) CanTryUpdate(now time.Time) bool {
	if self.noMoreUpdate {
		return false
	}
	switch self.status {
	case UpdateStatusIdle, UpdateStatusRetrying:
		return !now.Before(self.nextEligibleTime)
	default:
		return false
	}
}

// requires `CanTryUpdate`
func (self *UpdateState) NewTry(now time.Time) {
	if !self.CanTryUpdate(now) {
		panic(fmt.Errorf("new try in state %s (eligible %s)", self.status, self.nextEligibleTime))
	}
	self.statusBeforeAttempt = self.status
	self.status = UpdateStatusPending
	self.lastAttemptTime = now
}

func (self *UpdateState) Success() {
	self.failureCount = 0
	self.status = UpdateStatusIdle
	self.nextEligibleTime = time.Time{}
	self.lastError = nil
}

func (self *UpdateState) Failure(now time.Time, definitive bool, err error) {
	self.failureCount += 1
	if definitive || self.settings.MaxRetry < self.failureCount {
		self.status = UpdateStatusDefinitiveFailure
		self.lastError = &DefinitiveFailureError{
			Attempts: self.failureCount,
			Cause:    err,
		}
		glog.V(1).Infof("[us]definitive failure after %d attempts: %v\n", self.failureCount, err)
	} else {
		self.status = UpdateStatusRetrying
		self.nextEligibleTime = now.Add(self.settings.Backoff(self.failureCount))
		glog.V(2).Infof("[us]failure %d, retry at %s: %v\n", self.failureCount, self.nextEligibleTime, err)
	}
}

// the attempt never happened as far as the retry budget is concerned
func (self *UpdateState) Cancel() {
	if self.status != UpdateStatusPending {
		return
	}
	self.status = self.statusBeforeAttempt
}

// nothing strictly better is obtainable right now. re-armed by
// `Invalidate` when the upstream layer reports new data.
func (self *UpdateState) NoMoreUpdatePossible() {
	if self.status == UpdateStatusDefinitiveFailure {
		return
	}
	self.noMoreUpdate = true
}

func (self *UpdateState) Invalidate() {
	self.noMoreUpdate = false
}
