// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "time"

// QueryLogTask represents one answered (or failed) agent request to be audited.
type QueryLogTask struct {
	RequestID     string    `json:"request_id"`
	Query         string    `json:"query"`
	Source        string    `json:"source"`
	TotalResults  int       `json:"total_results"`
	ExpandedTerms []string  `json:"expanded_terms"`
	Status        string    `json:"status"`
	LatencyMs     int64     `json:"latency_ms"`
	Uploaded      bool      `json:"uploaded"`
	CreatedAt     time.Time `json:"created_at"`
}
