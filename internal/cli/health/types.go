// Package health provides shared types for health check responses.
package health

// Response mirrors the envelope served by the API adapter's /health
// and /health/ready endpoints. Fields absent from a given endpoint
// stay zero.
type Response struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Data      struct {
		Service  string `json:"service"`
		Adapter  string `json:"adapter"`
		State    string `json:"state"`
		Services int    `json:"services"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}
