// Package policy implements the pure retry and timeout policy evaluation
// shared by the coordinator, matcher, and timer service. Evaluation has no
// side effects; components feed it attempt counters and failure types and act
// on the verdicts.
package policy

import (
	"time"
)

type (
	// Retry controls automatic retries of activities and, with engine
	// defaults, workflow task reschedules. The zero value means "use engine
	// defaults".
	Retry struct {
		// InitialInterval is the backoff before the first retry.
		InitialInterval time.Duration `json:"initial_interval,omitempty" yaml:"initial_interval"`
		// BackoffCoefficient multiplies the interval after every attempt.
		// Values below 1 are treated as 1 (constant backoff).
		BackoffCoefficient float64 `json:"backoff_coefficient,omitempty" yaml:"backoff_coefficient"`
		// MaxInterval caps the computed backoff. Zero means uncapped.
		MaxInterval time.Duration `json:"max_interval,omitempty" yaml:"max_interval"`
		// MaxAttempts caps total attempts including the first. Zero means
		// unlimited.
		MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts"`
		// NonRetryableErrorTypes lists failure types that stop retries
		// immediately regardless of remaining attempts.
		NonRetryableErrorTypes []string `json:"non_retryable_error_types,omitempty" yaml:"non_retryable_error_types"`
	}

	// ActivityTimeouts carries the four activity timeout dimensions. Zero
	// means unbounded for each.
	ActivityTimeouts struct {
		// ScheduleToStart bounds queue wait before a worker claims the task.
		ScheduleToStart time.Duration `json:"schedule_to_start,omitempty" yaml:"schedule_to_start"`
		// StartToClose bounds a single attempt's execution.
		StartToClose time.Duration `json:"start_to_close,omitempty" yaml:"start_to_close"`
		// ScheduleToClose bounds the whole activity including retries.
		ScheduleToClose time.Duration `json:"schedule_to_close,omitempty" yaml:"schedule_to_close"`
		// Heartbeat bounds the silence between heartbeats.
		Heartbeat time.Duration `json:"heartbeat,omitempty" yaml:"heartbeat"`
	}

	// WorkflowTimeouts carries the workflow-level timeout dimensions.
	WorkflowTimeouts struct {
		// Run bounds a single run.
		Run time.Duration `json:"run,omitempty" yaml:"run"`
		// Execution bounds the whole continue-as-new chain.
		Execution time.Duration `json:"execution,omitempty" yaml:"execution"`
		// Task bounds a single workflow task from start to response.
		Task time.Duration `json:"task,omitempty" yaml:"task"`
	}

	// TimeoutKind names which deadline was exceeded. Timeouts behave like
	// failures with a reserved type for retry evaluation.
	TimeoutKind string
)

const (
	// TimeoutScheduleToStart marks a queue-wait timeout.
	TimeoutScheduleToStart TimeoutKind = "ScheduleToStart"
	// TimeoutStartToClose marks a single-attempt execution timeout.
	TimeoutStartToClose TimeoutKind = "StartToClose"
	// TimeoutScheduleToClose marks an overall activity timeout.
	TimeoutScheduleToClose TimeoutKind = "ScheduleToClose"
	// TimeoutHeartbeat marks a missed heartbeat deadline.
	TimeoutHeartbeat TimeoutKind = "Heartbeat"
	// TimeoutRun marks a run exceeding its run timeout.
	TimeoutRun TimeoutKind = "Run"
	// TimeoutWorkflowTask marks an expired workflow task lease.
	TimeoutWorkflowTask TimeoutKind = "WorkflowTask"
)

// timeoutTypePrefix namespaces the reserved failure types produced for
// timeouts so user error types cannot collide with them.
const timeoutTypePrefix = "cascadeTimeout:"

// ErrorType returns the reserved failure type for the timeout kind, used
// when a timeout feeds retry evaluation.
func (k TimeoutKind) ErrorType() string { return timeoutTypePrefix + string(k) }

// DefaultRetry is the engine's default activity retry policy.
func DefaultRetry() Retry {
	return Retry{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        100 * time.Second,
	}
}

// Normalize fills zero fields from defaults and returns the result. The
// receiver is not modified.
func (r Retry) Normalize(defaults Retry) Retry {
	if r.InitialInterval <= 0 {
		r.InitialInterval = defaults.InitialInterval
	}
	if r.BackoffCoefficient < 1 {
		if defaults.BackoffCoefficient >= 1 {
			r.BackoffCoefficient = defaults.BackoffCoefficient
		} else {
			r.BackoffCoefficient = 1
		}
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = defaults.MaxInterval
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = defaults.MaxAttempts
	}
	return r
}

// Backoff computes the delay before the retry following the given attempt
// (1-based). Attempt 1 failing yields the initial interval.
func (r Retry) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(r.InitialInterval)
	coeff := r.BackoffCoefficient
	if coeff < 1 {
		coeff = 1
	}
	for i := 1; i < attempt; i++ {
		d *= coeff
		if r.MaxInterval > 0 && d >= float64(r.MaxInterval) {
			return r.MaxInterval
		}
	}
	delay := time.Duration(d)
	if r.MaxInterval > 0 && delay > r.MaxInterval {
		delay = r.MaxInterval
	}
	return delay
}

// NextDelay evaluates whether the attempt (1-based) that failed with the
// given error type should be retried. It returns the backoff delay and true,
// or zero and false when retries are exhausted or the type is non-retryable.
func (r Retry) NextDelay(attempt int, errorType string, nonRetryable bool) (time.Duration, bool) {
	if nonRetryable {
		return 0, false
	}
	if r.MaxAttempts > 0 && attempt >= r.MaxAttempts {
		return 0, false
	}
	for _, t := range r.NonRetryableErrorTypes {
		if t == errorType {
			return 0, false
		}
	}
	// ScheduleToClose and run-level timeouts are never retryable: the
	// overall deadline has passed.
	if errorType == TimeoutScheduleToClose.ErrorType() || errorType == TimeoutRun.ErrorType() {
		return 0, false
	}
	if r.InitialInterval <= 0 {
		return 0, false
	}
	return r.Backoff(attempt), true
}

// Normalize fills zero timeout fields from defaults and returns the result.
func (t ActivityTimeouts) Normalize(defaults ActivityTimeouts) ActivityTimeouts {
	if t.ScheduleToStart <= 0 {
		t.ScheduleToStart = defaults.ScheduleToStart
	}
	if t.StartToClose <= 0 {
		t.StartToClose = defaults.StartToClose
	}
	if t.ScheduleToClose <= 0 {
		t.ScheduleToClose = defaults.ScheduleToClose
	}
	if t.Heartbeat <= 0 {
		t.Heartbeat = defaults.Heartbeat
	}
	return t
}

// Normalize fills zero timeout fields from defaults and returns the result.
func (t WorkflowTimeouts) Normalize(defaults WorkflowTimeouts) WorkflowTimeouts {
	if t.Run <= 0 {
		t.Run = defaults.Run
	}
	if t.Execution <= 0 {
		t.Execution = defaults.Execution
	}
	if t.Task <= 0 {
		t.Task = defaults.Task
	}
	return t
}
