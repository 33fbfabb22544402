package models

import "strings"

// Stage is the local pipeline stage of a submission item.
type Stage string

const (
	StagePending      Stage = "pending"
	StageUploading    Stage = "uploading"
	StageQueued       Stage = "queued"
	StageTranscribing Stage = "transcribing"
	StageAnalyzing    Stage = "analyzing"
	StageComplete     Stage = "complete"
	StageFailed       Stage = "failed"
)

// Priority places stages on the static total order used for merge
// conflict resolution. complete and failed share the top slot.
func (s Stage) Priority() int {
	switch s {
	case StagePending:
		return 0
	case StageUploading:
		return 1
	case StageQueued:
		return 2
	case StageTranscribing:
		return 3
	case StageAnalyzing:
		return 4
	case StageComplete, StageFailed:
		return 5
	default:
		return 0
	}
}

// IsTerminal reports whether the stage ends the item's lifecycle.
func (s Stage) IsTerminal() bool {
	return s == StageComplete || s == StageFailed
}

// IsProcessing reports whether the remote service is actively working
// the item (used for ETA partial credit).
func (s Stage) IsProcessing() bool {
	return s == StageTranscribing || s == StageAnalyzing
}

// StageForStatus classifies a remote status code into a local stage.
// The grading API has reported several vocabularies across revisions;
// all known spellings are mapped, unknown codes classify as queued so
// the merge rule can never regress an item on a surprise code.
func StageForStatus(code string) Stage {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "UPLOADED", "QUEUED":
		return StageQueued
	case "TRANSCRIBING", "PROCESSING":
		return StageTranscribing
	case "ANALYZING", "GRADING":
		return StageAnalyzing
	case "COMPLETE", "COMPLETED", "GRADED":
		return StageComplete
	case "FAILED", "ERROR":
		return StageFailed
	default:
		return StageQueued
	}
}

// MergeStage resolves a locally held stage against an incoming remote
// classification. The local stage wins when it is strictly more advanced
// (a stale poll must never rewind visible progress) and when both sit at
// terminal priority (first terminal result observed wins).
func MergeStage(local, incoming Stage) Stage {
	lp, ip := local.Priority(), incoming.Priority()
	if ip < lp {
		return local
	}
	if ip == lp && local.IsTerminal() {
		return local
	}
	return incoming
}
