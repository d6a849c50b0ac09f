// Package errors provides the structured error taxonomy used across
// taskdispatch. Every error carries a code and a category; the category
// decides whether the dispatch loop may retry.
//
// # Codes
//
//   - INVALID_INPUT: submission rejected before a record is created
//   - NOT_FOUND: unknown task id, expired task, or unknown pinned agent
//   - NO_AVAILABLE_AGENT: no healthy agent declares the capability
//   - REMOTE_DISPATCH: transport failure, undecodable or failed agent reply
//   - TIMEOUT: a delivery attempt exceeded the task timeout
//   - RETRIES_EXHAUSTED: recorded on tasks that end Failed
//   - CANCELLATION_CONFLICT: cancel requested on a terminal task
//
// REMOTE_DISPATCH and TIMEOUT are transient; everything else is permanent
// or internal.
//
// # Usage
//
//	err := errors.NoAvailableAgent("cost", "analyze_cost")
//	if errors.Is(err, errors.ErrCodeNoAvailableAgent) {
//	    // reject the submission
//	}
//
// Errors serialize to JSON so they can cross the service boundary:
//
//	data, _ := json.Marshal(err)
//	var back errors.Error
//	json.Unmarshal(data, &back)
package errors
