package event

// Kind identifies the type of a history event. Kinds are stable wire values;
// never reorder or reuse them.
type Kind uint16

const (
	// KindUnspecified is the zero kind and never appears in a history.
	KindUnspecified Kind = iota

	// KindWorkflowStarted opens every run history.
	KindWorkflowStarted
	// KindWorkflowTaskScheduled records that a workflow task was placed on
	// the matcher for the run.
	KindWorkflowTaskScheduled
	// KindWorkflowTaskStarted records a worker claiming the scheduled task.
	KindWorkflowTaskStarted
	// KindWorkflowTaskCompleted records the worker returning commands.
	KindWorkflowTaskCompleted
	// KindWorkflowTaskFailed records a rejected or failed workflow task.
	KindWorkflowTaskFailed
	// KindWorkflowTaskTimedOut records a workflow task lease expiring.
	KindWorkflowTaskTimedOut

	// KindActivityScheduled records an activity accepted for dispatch.
	KindActivityScheduled
	// KindActivityStarted records an activity worker claiming an attempt.
	KindActivityStarted
	// KindActivityCompleted records successful activity completion.
	KindActivityCompleted
	// KindActivityFailed records a failed attempt; terminal unless a retry
	// was scheduled.
	KindActivityFailed
	// KindActivityTimedOut records an activity timeout of a specific kind.
	KindActivityTimedOut
	// KindActivityCancelRequested records a cooperative cancel request.
	KindActivityCancelRequested
	// KindActivityCancelled records an activity acknowledging cancellation.
	KindActivityCancelled

	// KindTimerStarted records a workflow timer being armed.
	KindTimerStarted
	// KindTimerFired records a timer firing.
	KindTimerFired
	// KindTimerCancelled records a timer cancelled before firing.
	KindTimerCancelled

	// KindSignalReceived records an external signal delivered to the run.
	KindSignalReceived

	// KindWorkflowCancelRequested records an external cancellation request.
	KindWorkflowCancelRequested

	// KindUpdateAccepted records an update passing its validator.
	KindUpdateAccepted
	// KindUpdateRejected records an update rejected by its validator.
	KindUpdateRejected
	// KindUpdateCompleted records the update handler finishing.
	KindUpdateCompleted

	// KindChildWorkflowInitiated records a child workflow start request.
	KindChildWorkflowInitiated
	// KindChildWorkflowStarted records the child run beginning.
	KindChildWorkflowStarted
	// KindChildWorkflowCompleted records the child run completing.
	KindChildWorkflowCompleted
	// KindChildWorkflowFailed records the child run failing.
	KindChildWorkflowFailed

	// KindWorkflowCompleted closes a run successfully.
	KindWorkflowCompleted
	// KindWorkflowFailed closes a run with a failure.
	KindWorkflowFailed
	// KindWorkflowTimedOut closes a run that exceeded its run timeout.
	KindWorkflowTimedOut
	// KindWorkflowCancelled closes a run after cooperative cancellation.
	KindWorkflowCancelled
	// KindWorkflowTerminated closes a run by administrative action.
	KindWorkflowTerminated
	// KindWorkflowContinuedAsNew closes a run and links its successor.
	KindWorkflowContinuedAsNew
)

var kindNames = map[Kind]string{
	KindUnspecified:             "Unspecified",
	KindWorkflowStarted:         "WorkflowStarted",
	KindWorkflowTaskScheduled:   "WorkflowTaskScheduled",
	KindWorkflowTaskStarted:     "WorkflowTaskStarted",
	KindWorkflowTaskCompleted:   "WorkflowTaskCompleted",
	KindWorkflowTaskFailed:      "WorkflowTaskFailed",
	KindWorkflowTaskTimedOut:    "WorkflowTaskTimedOut",
	KindActivityScheduled:       "ActivityScheduled",
	KindActivityStarted:         "ActivityStarted",
	KindActivityCompleted:       "ActivityCompleted",
	KindActivityFailed:          "ActivityFailed",
	KindActivityTimedOut:        "ActivityTimedOut",
	KindActivityCancelRequested: "ActivityCancelRequested",
	KindActivityCancelled:       "ActivityCancelled",
	KindTimerStarted:            "TimerStarted",
	KindTimerFired:              "TimerFired",
	KindTimerCancelled:          "TimerCancelled",
	KindSignalReceived:          "SignalReceived",
	KindWorkflowCancelRequested: "WorkflowCancelRequested",
	KindUpdateAccepted:          "UpdateAccepted",
	KindUpdateRejected:          "UpdateRejected",
	KindUpdateCompleted:         "UpdateCompleted",
	KindChildWorkflowInitiated:  "ChildWorkflowInitiated",
	KindChildWorkflowStarted:    "ChildWorkflowStarted",
	KindChildWorkflowCompleted:  "ChildWorkflowCompleted",
	KindChildWorkflowFailed:     "ChildWorkflowFailed",
	KindWorkflowCompleted:       "WorkflowCompleted",
	KindWorkflowFailed:          "WorkflowFailed",
	KindWorkflowTimedOut:        "WorkflowTimedOut",
	KindWorkflowCancelled:       "WorkflowCancelled",
	KindWorkflowTerminated:      "WorkflowTerminated",
	KindWorkflowContinuedAsNew:  "WorkflowContinuedAsNew",
}

// String returns the canonical kind name.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unknown"
}

// Closing reports whether the kind closes a run. A closing event is always
// the last event of its run.
func (k Kind) Closing() bool {
	switch k {
	case KindWorkflowCompleted, KindWorkflowFailed, KindWorkflowTimedOut,
		KindWorkflowCancelled, KindWorkflowTerminated, KindWorkflowContinuedAsNew:
		return true
	}
	return false
}

// newAttributes returns a zero attribute struct for the kind, or nil when the
// kind is unknown to this build.
func newAttributes(k Kind) Attributes {
	switch k {
	case KindWorkflowStarted:
		return &WorkflowStartedAttrs{}
	case KindWorkflowTaskScheduled:
		return &WorkflowTaskScheduledAttrs{}
	case KindWorkflowTaskStarted:
		return &WorkflowTaskStartedAttrs{}
	case KindWorkflowTaskCompleted:
		return &WorkflowTaskCompletedAttrs{}
	case KindWorkflowTaskFailed:
		return &WorkflowTaskFailedAttrs{}
	case KindWorkflowTaskTimedOut:
		return &WorkflowTaskTimedOutAttrs{}
	case KindActivityScheduled:
		return &ActivityScheduledAttrs{}
	case KindActivityStarted:
		return &ActivityStartedAttrs{}
	case KindActivityCompleted:
		return &ActivityCompletedAttrs{}
	case KindActivityFailed:
		return &ActivityFailedAttrs{}
	case KindActivityTimedOut:
		return &ActivityTimedOutAttrs{}
	case KindActivityCancelRequested:
		return &ActivityCancelRequestedAttrs{}
	case KindActivityCancelled:
		return &ActivityCancelledAttrs{}
	case KindTimerStarted:
		return &TimerStartedAttrs{}
	case KindTimerFired:
		return &TimerFiredAttrs{}
	case KindTimerCancelled:
		return &TimerCancelledAttrs{}
	case KindSignalReceived:
		return &SignalReceivedAttrs{}
	case KindWorkflowCancelRequested:
		return &WorkflowCancelRequestedAttrs{}
	case KindUpdateAccepted:
		return &UpdateAcceptedAttrs{}
	case KindUpdateRejected:
		return &UpdateRejectedAttrs{}
	case KindUpdateCompleted:
		return &UpdateCompletedAttrs{}
	case KindChildWorkflowInitiated:
		return &ChildWorkflowInitiatedAttrs{}
	case KindChildWorkflowStarted:
		return &ChildWorkflowStartedAttrs{}
	case KindChildWorkflowCompleted:
		return &ChildWorkflowCompletedAttrs{}
	case KindChildWorkflowFailed:
		return &ChildWorkflowFailedAttrs{}
	case KindWorkflowCompleted:
		return &WorkflowCompletedAttrs{}
	case KindWorkflowFailed:
		return &WorkflowFailedAttrs{}
	case KindWorkflowTimedOut:
		return &WorkflowTimedOutAttrs{}
	case KindWorkflowCancelled:
		return &WorkflowCancelledAttrs{}
	case KindWorkflowTerminated:
		return &WorkflowTerminatedAttrs{}
	case KindWorkflowContinuedAsNew:
		return &WorkflowContinuedAsNewAttrs{}
	}
	return nil
}
