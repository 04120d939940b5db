package orchestrate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"imageflow/internal/models"
	"imageflow/internal/queue"
	"imageflow/internal/telemetry"
)

// Starter is the workflow-engine boundary: start one uniquely named run.
type Starter interface {
	Start(ctx context.Context, runName string, runCtx models.RunContext) (string, error)
}

// StatusWriter applies last-writer-wins field updates to an image record.
type StatusWriter interface {
	Update(ctx context.Context, imageID string, fields map[string]any) error
}

// requiredFields must be present in every job payload; a message missing any
// of them fails the whole invocation so the queue redelivers it.
var requiredFields = []string{"image_id", "bucket_name", "user_id", "upload_timestamp", "file_size"}

// Orchestrator converts each queue delivery into exactly one workflow run
// plus an initial status record. Messages in a batch are processed
// sequentially; the first failure aborts the batch.
type Orchestrator struct {
	engine   Starter
	statuses StatusWriter
	logger   zerolog.Logger
	now      func() time.Time
}

func New(engine Starter, statuses StatusWriter, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		statuses: statuses,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		now:      time.Now,
	}
}

// ProcessBatch handles deliveries in order. An error from message N aborts
// the invocation without touching message N+1.
func (o *Orchestrator) ProcessBatch(ctx context.Context, deliveries []queue.Delivery) error {
	for _, d := range deliveries {
		if err := o.processMessage(ctx, d); err != nil {
			return fmt.Errorf("process message %s: %w", d.MessageID, err)
		}
	}
	return nil
}

func (o *Orchestrator) processMessage(ctx context.Context, d queue.Delivery) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(d.Body, &raw); err != nil {
		return fmt.Errorf("parse job payload: %w", err)
	}
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			return fmt.Errorf("job payload missing required field %q", field)
		}
	}

	var msg models.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}

	now := o.now().UTC()
	runCtx := models.RunContext{
		OriginalKey:         msg.ImageID,
		BucketName:          msg.BucketName,
		UserID:              msg.UserID,
		UserEmail:           msg.UserEmail,
		UploadTimestamp:     msg.UploadTimestamp,
		OriginalFilename:    msg.OriginalFilename,
		FileSize:            msg.FileSize,
		ProcessingStartTime: now.Format(time.RFC3339),
		Status:              models.StatusProcessing,
	}

	runName := deriveRunName(msg.ImageID, msg.UserID, now)
	handle, err := o.engine.Start(ctx, runName, runCtx)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runName, err)
	}
	o.logger.Info().
		Str("run", runName).
		Str("handle", handle).
		Str("image_id", msg.ImageID).
		Msg("pipeline run started")

	// Best-effort: a missing status record must never hold back a run that
	// has already started.
	if err := o.statuses.Update(ctx, msg.ImageID, map[string]any{
		"user_id":           msg.UserID,
		"bucket_name":       msg.BucketName,
		"original_filename": msg.OriginalFilename,
		"file_size":         msg.FileSize,
		"upload_timestamp":  msg.UploadTimestamp,
		"processing_status": models.StatusProcessing,
		"execution_arn":     handle,
	}); err != nil {
		telemetry.StatusWriteFailures.Inc()
		o.logger.Warn().Err(err).Str("image_id", msg.ImageID).Msg("initial status write failed")
	}

	return nil
}

// deriveRunName builds a globally unique, length-bounded run name from a
// short hash of the image key, a truncated user prefix, and a coarse
// timestamp. Workflow engines cap run-name length; this stays well under 80
// characters while remaining reproducible for a given image and second.
func deriveRunName(imageID, userID string, now time.Time) string {
	sum := md5.Sum([]byte(imageID))
	hash := hex.EncodeToString(sum[:])[:8]
	prefix := userID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("img-%s-%s-%d", prefix, hash, now.Unix())
}
