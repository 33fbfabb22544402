package stub

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/pkg/jobs"
)

// Grader simulates the transcription and analysis pipeline on top of the
// background job queue. Each graded submission passes TRANSCRIBING and
// ANALYZING before settling.
type Grader struct {
	state   *State
	queue   *jobs.Queue
	latency time.Duration
	log     *zap.Logger
}

// NewGrader wires the grading queue.
func NewGrader(state *State, latency time.Duration, workers int, log *zap.Logger) *Grader {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Grader{
		state:   state,
		latency: latency,
		log:     log,
	}
	g.queue = jobs.NewQueue("grading", g.handle, jobs.QueueConfig{
		Workers: workers,
		Logger:  log,
	})
	return g
}

// Start begins consuming grading jobs.
func (g *Grader) Start(ctx context.Context) {
	g.queue.Start(ctx)
}

// Stop drains the workers.
func (g *Grader) Stop() {
	g.queue.Stop()
}

// EnqueueGrading schedules grading for a submission the trigger advanced.
func (g *Grader) EnqueueGrading(submissionID string) error {
	return g.queue.Enqueue(jobs.Job{
		ID:           uuid.NewString(),
		Kind:         "grade",
		SubmissionID: submissionID,
	})
}

func (g *Grader) handle(ctx context.Context, job jobs.Job) error {
	if !g.pause(ctx) {
		return nil
	}
	g.state.MarkAnalyzing(job.SubmissionID)
	if !g.pause(ctx) {
		return nil
	}
	g.state.Finalize(job.SubmissionID)
	g.log.Sugar().Debugw("submission graded", "submission_id", job.SubmissionID)
	return nil
}

// pause sleeps half the configured latency, reporting false on shutdown.
func (g *Grader) pause(ctx context.Context) bool {
	if g.latency <= 0 {
		return true
	}
	timer := time.NewTimer(g.latency / 2)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
