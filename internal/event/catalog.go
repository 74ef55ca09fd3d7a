package event

// Event types recognised by the pipeline, grouped by stage.
const (
	// Inbound.
	TypeExceptionIngested      = "ExceptionIngested"
	TypeExceptionNormalized    = "ExceptionNormalized"
	TypeManualExceptionCreated = "ManualExceptionCreated"

	// Agent.
	TypeTriageRequested           = "TriageRequested"
	TypeTriageCompleted           = "TriageCompleted"
	TypePolicyEvaluationRequested = "PolicyEvaluationRequested"
	TypePolicyEvaluationCompleted = "PolicyEvaluationCompleted"
	TypePlaybookMatched           = "PlaybookMatched"
	TypeStepExecutionRequested    = "StepExecutionRequested"
	TypeToolExecutionRequested    = "ToolExecutionRequested"
	TypeToolExecutionCompleted    = "ToolExecutionCompleted"
	TypeFeedbackCaptured          = "FeedbackCaptured"

	// Control.
	TypeRetryScheduled       = "RetryScheduled"
	TypeDeadLettered         = "DeadLettered"
	TypeSLAImminent          = "SLAImminent"
	TypeSLAExpired           = "SLAExpired"
	TypeBackpressureDetected = "BackpressureDetected"
)

var knownTypes = map[string]struct{}{
	TypeExceptionIngested:         {},
	TypeExceptionNormalized:       {},
	TypeManualExceptionCreated:    {},
	TypeTriageRequested:           {},
	TypeTriageCompleted:           {},
	TypePolicyEvaluationRequested: {},
	TypePolicyEvaluationCompleted: {},
	TypePlaybookMatched:           {},
	TypeStepExecutionRequested:    {},
	TypeToolExecutionRequested:    {},
	TypeToolExecutionCompleted:    {},
	TypeFeedbackCaptured:          {},
	TypeRetryScheduled:            {},
	TypeDeadLettered:              {},
	TypeSLAImminent:               {},
	TypeSLAExpired:                {},
	TypeBackpressureDetected:      {},
}

// KnownType reports whether the type is part of the catalog. Unknown types
// still flow through the pipeline; the catalog exists for retry-policy
// lookups and operator tooling.
func KnownType(eventType string) bool {
	_, ok := knownTypes[eventType]
	return ok
}
