package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"imageflow/internal/telemetry"
)

// ObjectStore is the slice of the blob boundary the stages need.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error
}

// StatusWriter applies last-writer-wins field updates to an image record.
type StatusWriter interface {
	Update(ctx context.Context, imageID string, fields map[string]any) error
}

// RejectionError marks a policy rejection: the image broke a validation rule.
// The workflow engine treats it as terminal and never retries it; everything
// else is assumed transient.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

// Rejectf builds a RejectionError.
func Rejectf(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is (or wraps) a policy rejection.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// recordStatus is the fire-and-forget status write stages use around their
// failure paths: the error is logged and counted, never allowed to mask the
// stage outcome.
func recordStatus(ctx context.Context, statuses StatusWriter, logger zerolog.Logger, imageID string, fields map[string]any) {
	if err := statuses.Update(ctx, imageID, fields); err != nil {
		telemetry.StatusWriteFailures.Inc()
		logger.Warn().Err(err).Str("image_id", imageID).Msg("status update failed")
	}
}
