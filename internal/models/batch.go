package models

import (
	"fmt"
	"time"
)

// BatchSummary mirrors the remote collaborator's aggregate view of a
// batch. It is read-only locally; the reconciler refreshes it each poll.
type BatchSummary struct {
	BatchID      string    `json:"batchId"`
	Total        int       `json:"total"`
	Queued       int       `json:"queued"`
	Transcribing int       `json:"transcribing"`
	Analyzing    int       `json:"analyzing"`
	Complete     int       `json:"complete"`
	Failed       int       `json:"failed"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PipelineSnapshot is the immutable view handed to display and ETA code.
type PipelineSnapshot struct {
	Items   []PipelineItem `json:"items"`
	Batch   *BatchSummary  `json:"batch,omitempty"`
	TakenAt time.Time      `json:"takenAt"`
}

// CountByStage tallies items per stage.
func (s PipelineSnapshot) CountByStage() map[Stage]int {
	counts := make(map[Stage]int, 7)
	for _, it := range s.Items {
		counts[it.Stage]++
	}
	return counts
}

// Outstanding counts items that have not reached a terminal stage.
func (s PipelineSnapshot) Outstanding() int {
	n := 0
	for _, it := range s.Items {
		if !it.Stage.IsTerminal() {
			n++
		}
	}
	return n
}

// Estimate is the human-facing time-remaining figure. Known is false when
// nothing is outstanding or no rate data could be derived.
type Estimate struct {
	Remaining time.Duration
	Known     bool
}

// String renders the estimate as a coarse minutes/seconds figure, or the
// "unknown" sentinel.
func (e Estimate) String() string {
	if !e.Known {
		return "unknown"
	}
	remaining := e.Remaining.Round(time.Second)
	if remaining < time.Minute {
		return fmt.Sprintf("%ds", int(remaining.Seconds()))
	}
	mins := int(remaining.Minutes())
	secs := int(remaining.Seconds()) - mins*60
	return fmt.Sprintf("%dm%02ds", mins, secs)
}
