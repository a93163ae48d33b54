package resilience

// HealthStatus reports the state of a CircuitBreakerIssuer, suitable for a health endpoint.
type HealthStatus struct {
	// Name is the breaker name.
	Name string `json:"name"`

	// State is "closed", "half-open" or "open".
	State string `json:"state"`

	// Healthy is false only while the breaker is open. Half-open counts as degraded but usable.
	Healthy bool `json:"healthy"`

	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}
