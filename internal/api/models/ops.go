package models

// Health represents the health status of the service.
type Health struct {
	Status  HealthStatus   `json:"status"`
	Time    Timestamp      `json:"time"`
	Details map[string]any `json:"details,omitempty"`
}

// SystemStatus represents the overall system status.
type SystemStatus struct {
	Status     HealthStatus      `json:"status"`
	Time       Timestamp         `json:"time"`
	Upstreams  []UpstreamStatus  `json:"upstreams"`
	Caches     []CacheStatus     `json:"caches"`
	Subsystems []SubsystemStatus `json:"subsystems,omitempty"`
}

// SubsystemStatus represents the status of a subsystem such as the cache store.
type SubsystemStatus struct {
	Name   string       `json:"name"`
	Status HealthStatus `json:"status"`
	Detail *string      `json:"detail,omitempty"`
}

// UpstreamStatus reports the circuit breaker state of an upstream client.
type UpstreamStatus struct {
	Name                string       `json:"name"`
	Status              HealthStatus `json:"status"`
	CircuitState        string       `json:"circuitState"`
	ConsecutiveFailures uint32       `json:"consecutiveFailures"`
	LastSuccessAt       *Timestamp   `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *Timestamp   `json:"lastFailureAt,omitempty"`
	LastError           *string      `json:"lastError,omitempty"`
}

// CacheStatus reports the size of one cache.
type CacheStatus struct {
	Name    string           `json:"name"`
	Entries int              `json:"entries"`
	Stats   map[string]int64 `json:"stats,omitempty"`
}
