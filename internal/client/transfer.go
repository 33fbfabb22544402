package client

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/podiumlabs/podium-uploader/internal/models"
	appErrors "github.com/podiumlabs/podium-uploader/pkg/errors"
	"github.com/podiumlabs/podium-uploader/pkg/progress"
)

// TransferProgress receives throttled byte-level updates during a
// transfer. Implementations must be safe for concurrent calls.
type TransferProgress func(sent, total int64, rateBps float64)

// Transfer streams the payload to a pre-authorized PUT target. The target
// URL already carries its authorization, so no API token is attached.
// Progress callbacks fire at most every progress.DefaultUpdateInterval,
// plus once when the final byte is read.
func (c *SubmissionClient) Transfer(ctx context.Context, uploadURL string, payload models.Payload, contentType string, onProgress TransferProgress) error {
	if payload == nil {
		return appErrors.Clone(appErrors.ErrTransfer, "no payload to transfer")
	}

	src, err := payload.Open()
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrTransfer.Code, appErrors.ErrTransfer.Status, "open payload")
	}
	defer src.Close() //nolint:errcheck

	total := payload.Size()
	reader := &progressReader{
		src:      src,
		total:    total,
		meter:    progress.NewMeter(total),
		throttle: progress.NewThrottle(progress.DefaultUpdateInterval),
		emit:     onProgress,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, reader)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrTransfer.Code, appErrors.ErrTransfer.Status, "build transfer request")
	}
	req.ContentLength = total
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if appErrors.IsCancellation(err) || ctx.Err() != nil {
			return appErrors.Wrap(err, appErrors.ErrCancelled.Code, appErrors.ErrCancelled.Status, appErrors.ErrCancelled.Message)
		}
		return appErrors.Wrap(err, appErrors.ErrTransfer.Code, appErrors.ErrTransfer.Status, appErrors.ErrTransfer.Message)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return appErrors.Clone(appErrors.ErrTransfer, fmt.Sprintf("transfer target returned status %d", resp.StatusCode))
	}
	return nil
}

// progressReader meters bytes as the transport drains the payload.
type progressReader struct {
	src      io.Reader
	total    int64
	sent     int64
	meter    *progress.Meter
	throttle *progress.Throttle
	emit     TransferProgress
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.sent += int64(n)
		r.meter.Add(n)
		if r.emit != nil && (r.sent >= r.total || r.throttle.Allow()) {
			stats := r.meter.Snapshot()
			r.emit(stats.BytesSent, r.total, stats.RateBps)
		}
	}
	return n, err
}
