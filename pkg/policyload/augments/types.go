package augments

import "time"

// StarlarkResult is the outcome of one Evaluate call: the computed
// variables on success, or an error string on failure.
type StarlarkResult struct {
	Output        map[string]interface{} `json:"output,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Error         string                 `json:"error,omitempty"`
}
