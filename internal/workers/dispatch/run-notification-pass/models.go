// internal/workers/dispatch/run-notification-pass/models.go
package runnotificationpass

// Input are the job variables. AsOf is RFC3339 and defaults to the time
// the job is handled. ConfigID restricts the pass to one configuration.
type Input struct {
	Kind     string `json:"kind"`
	AsOf     string `json:"asOf,omitempty"`
	ConfigID string `json:"configId,omitempty"`
}

type Output struct {
	Kind      string `json:"kind"`
	AsOf      string `json:"asOf"`
	ConfigID  string `json:"configId,omitempty"`
	Due       int    `json:"due"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Events    int    `json:"events"`
}
