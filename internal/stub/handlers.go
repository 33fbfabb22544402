package stub

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/podiumlabs/podium-uploader/internal/dto"
	appErrors "github.com/podiumlabs/podium-uploader/pkg/errors"
	"github.com/podiumlabs/podium-uploader/pkg/response"
	"github.com/podiumlabs/podium-uploader/pkg/storage"
)

// SubmissionHandler exposes the grading API surface the uploader talks to.
type SubmissionHandler struct {
	state  *State
	grader *Grader
	signer *storage.UploadTokenSigner
	spool  *storage.ObjectStore
	log    *zap.Logger
}

func newSubmissionHandler(state *State, grader *Grader, signer *storage.UploadTokenSigner, spool *storage.ObjectStore, log *zap.Logger) *SubmissionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SubmissionHandler{
		state:  state,
		grader: grader,
		signer: signer,
		spool:  spool,
		log:    log,
	}
}

// Presign hands out a pre-authorized upload target for one file.
func (h *SubmissionHandler) Presign(c *gin.Context) {
	batchID := c.Param("batchId")
	var req dto.PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	provisionalID, objectKey := h.state.Presign(batchID, req.Filename, req.ContentType)
	token, _, err := h.signer.Generate(provisionalID, objectKey)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign upload target"))
		return
	}
	uploadURL := fmt.Sprintf("http://%s/api/v1/uploads/%s?token=%s", c.Request.Host, provisionalID, url.QueryEscape(token))
	response.JSON(c, http.StatusOK, dto.PresignResponse{
		UploadURL:    uploadURL,
		SubmissionID: provisionalID,
		ObjectKey:    objectKey,
	})
}

// Upload receives the object bytes for a presigned target. Authorization
// comes from the signed token, not the bearer middleware.
func (h *SubmissionHandler) Upload(c *gin.Context) {
	provisionalID := c.Param("submissionId")
	tokenID, objectKey, _, err := h.signer.Parse(c.Query("token"), false)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid upload token"))
		return
	}
	if tokenID != provisionalID {
		response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "upload token mismatch"))
		return
	}
	if _, err := h.spool.SaveStream(objectKey, c.Request.Body); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store object"))
		return
	}
	if !h.state.MarkReceived(provisionalID) {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "unknown upload target"))
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"objectKey": objectKey, "bytes": c.Request.ContentLength})
}

// Register turns a received upload into a queued submission and returns the
// authoritative identifier.
func (h *SubmissionHandler) Register(c *gin.Context) {
	batchID := c.Param("batchId")
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	sub, err := h.state.Register(batchID, req)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, err.Error()))
		return
	}
	h.log.Sugar().Infow("submission registered", "batch_id", batchID, "submission_id", sub.ID, "filename", sub.Filename)
	response.Created(c, dto.RegisterResponse{SubmissionID: sub.ID})
}

// Trigger advances at most one queued submission through grading. The call
// blocks until that submission settles so advancedIds only ever names
// completed work.
func (h *SubmissionHandler) Trigger(c *gin.Context) {
	batchID := c.Param("batchId")
	advancedID, remaining := h.state.TriggerOne(batchID)
	advanced := make([]string, 0, 1)
	if advancedID != "" {
		if err := h.grader.EnqueueGrading(advancedID); err != nil {
			h.log.Sugar().Warnw("failed to enqueue grading", "submission_id", advancedID, "error", err)
			response.JSON(c, http.StatusOK, dto.TriggerResponse{AdvancedIDs: advanced, Remaining: remaining})
			return
		}
		select {
		case <-h.state.Settled(advancedID):
			if status, ok := h.state.Status(advancedID); ok && status == statusComplete {
				advanced = append(advanced, advancedID)
			}
		case <-c.Request.Context().Done():
			// Caller gave up, grading still finishes in the background.
		}
	}
	response.JSON(c, http.StatusOK, dto.TriggerResponse{AdvancedIDs: advanced, Remaining: remaining})
}

// Poll reports the authoritative batch view.
func (h *SubmissionHandler) Poll(c *gin.Context) {
	batchID := c.Param("batchId")
	response.JSON(c, http.StatusOK, h.state.Poll(batchID))
}
