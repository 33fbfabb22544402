package models

import "time"

// PipelineItem is one tracked submission: a single file moving through
// upload and remote processing. The store owns every item; components
// read snapshots and request mutations through patches.
type PipelineItem struct {
	ID            string `json:"id"`
	RemoteID      string `json:"remoteId,omitempty"`
	ProvisionalID string `json:"provisionalId,omitempty"`
	ObjectKey     string `json:"objectKey,omitempty"`

	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	ContentType  string `json:"contentType"`
	StudentLabel string `json:"studentLabel,omitempty"`

	Stage     Stage    `json:"stage"`
	Progress  int      `json:"progress"`
	BytesSent int64    `json:"bytesSent"`
	RateBps   float64  `json:"rateBps,omitempty"`
	Error     string   `json:"error,omitempty"`
	Score     *float64 `json:"score,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	UploadStartedAt *time.Time `json:"uploadStartedAt,omitempty"`
	UploadEndedAt   *time.Time `json:"uploadEndedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// ItemPatch is a partial-field merge request against one item. Nil fields
// are left untouched by the store.
type ItemPatch struct {
	RemoteID        *string
	ProvisionalID   *string
	ObjectKey       *string
	Stage           *Stage
	Progress        *int
	BytesSent       *int64
	RateBps         *float64
	Error           *string
	Score           *float64
	UploadStartedAt *time.Time
	UploadEndedAt   *time.Time
	CompletedAt     *time.Time
}

// AddRequest seeds one pending item into the store.
type AddRequest struct {
	ID           string // optional; generated when empty
	Filename     string
	Size         int64
	ContentType  string
	StudentLabel string
	Payload      Payload
}

// Clone returns a deep copy safe to hand outside the store.
func (it PipelineItem) Clone() PipelineItem {
	out := it
	out.Score = cloneFloat(it.Score)
	out.UploadStartedAt = cloneTime(it.UploadStartedAt)
	out.UploadEndedAt = cloneTime(it.UploadEndedAt)
	out.CompletedAt = cloneTime(it.CompletedAt)
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
