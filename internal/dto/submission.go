package dto

import "time"

// PresignRequest asks the storage collaborator for a transfer target.
type PresignRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"contentType" binding:"required"`
}

// PresignResponse carries the pre-authorized transfer target and the
// provisional submission identifier.
type PresignResponse struct {
	UploadURL    string `json:"uploadUrl"`
	SubmissionID string `json:"submissionId"`
	ObjectKey    string `json:"objectKey"`
}

// RegisterRequest hands a transferred object to the processing queue.
type RegisterRequest struct {
	SubmissionID string `json:"submissionId" binding:"required"`
	ObjectKey    string `json:"objectKey" binding:"required"`
	Filename     string `json:"filename" binding:"required"`
	Size         int64  `json:"size" binding:"required,gt=0"`
	ContentType  string `json:"contentType" binding:"required"`
	StudentName  string `json:"studentName"`
}

// RegisterResponse returns the authoritative submission identifier.
type RegisterResponse struct {
	SubmissionID string `json:"submissionId"`
}

// TriggerResponse reports one processing invocation's outcome.
type TriggerResponse struct {
	AdvancedIDs []string `json:"advancedIds"`
	Remaining   int      `json:"remaining"`
}

// BatchAggregate mirrors the server-side per-stage counters.
type BatchAggregate struct {
	BatchID      string `json:"batchId"`
	Total        int    `json:"total"`
	Queued       int    `json:"queued"`
	Transcribing int    `json:"transcribing"`
	Analyzing    int    `json:"analyzing"`
	Complete     int    `json:"complete"`
	Failed       int    `json:"failed"`
}

// SubmissionStatus is one remote item record inside a poll response.
type SubmissionStatus struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	Status      string     `json:"status"`
	Score       *float64   `json:"score,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// PollResponse is the authoritative batch view returned by the status
// collaborator.
type PollResponse struct {
	Batch       BatchAggregate     `json:"batch"`
	Submissions []SubmissionStatus `json:"submissions"`
}
