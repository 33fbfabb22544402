package models

import "time"

// MetricsSnapshot aggregates pipeline counters for the end-of-run summary.
type MetricsSnapshot struct {
	UploadsStarted   uint64    `json:"uploadsStarted"`
	UploadsCompleted uint64    `json:"uploadsCompleted"`
	UploadsFailed    uint64    `json:"uploadsFailed"`
	BytesSent        uint64    `json:"bytesSent"`
	AverageUploadMs  float64   `json:"averageUploadMs"`
	TriggerRounds    uint64    `json:"triggerRounds"`
	TriggerFailures  uint64    `json:"triggerFailures"`
	Polls            uint64    `json:"polls"`
	PollFailures     uint64    `json:"pollFailures"`
	Goroutines       int       `json:"goroutines"`
	GeneratedAt      time.Time `json:"generatedAt"`
}
