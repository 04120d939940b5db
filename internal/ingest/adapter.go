package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imageflow/internal/models"
	"imageflow/internal/telemetry"
)

// MessageTypeUploadEvent is the attribute value downstream consumers filter on.
const MessageTypeUploadEvent = "ImageUploadEvent"

// Publisher is the slice of the notification-queue boundary the adapter uses.
type Publisher interface {
	Publish(ctx context.Context, body []byte, attributes map[string]string) (string, error)
}

// Notification is one raw object-creation event from the bucket.
type Notification struct {
	EventName  string `json:"event_name"`
	Bucket     string `json:"bucket"`
	ObjectKey  string `json:"object_key"`
	ObjectSize int64  `json:"object_size"`
	EventTime  string `json:"event_time"`
}

// Adapter converts raw bucket notifications into canonical job messages.
// Malformed input is logged and dropped so one bad notification never blocks
// the rest of a batch; only queue publish failures surface as errors.
type Adapter struct {
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewAdapter(publisher Publisher, logger zerolog.Logger) *Adapter {
	return &Adapter{
		publisher: publisher,
		logger:    logger.With().Str("component", "ingest").Logger(),
		now:       time.Now,
	}
}

// HandleNotification processes one event. Non-creation events and keys that
// do not match uploads/<user_id>/<filename> are silently skipped.
func (a *Adapter) HandleNotification(ctx context.Context, n Notification) error {
	telemetry.NotificationsReceived.Inc()

	if !strings.HasPrefix(n.EventName, "ObjectCreated") {
		telemetry.NotificationsSkipped.Inc()
		a.logger.Debug().Str("event", n.EventName).Str("key", n.ObjectKey).Msg("skipping non-creation event")
		return nil
	}

	userID, filename, ok := parseUploadKey(n.ObjectKey)
	if !ok {
		telemetry.NotificationsSkipped.Inc()
		a.logger.Warn().Str("key", n.ObjectKey).Msg("dropping notification with malformed object key")
		return nil
	}

	msg := models.JobMessage{
		ImageID:          n.ObjectKey,
		BucketName:       n.Bucket,
		UserID:           userID,
		UserEmail:        "unknown",
		FileSize:         n.ObjectSize,
		EventTimestamp:   n.EventTime,
		EventName:        n.EventName,
		UploadTimestamp:  a.now().UTC().Format(time.RFC3339),
		OriginalFilename: filename,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}

	attributes := map[string]string{
		"message_type": MessageTypeUploadEvent,
		"user_id":      userID,
		"image_id":     n.ObjectKey,
	}
	msgID, err := a.publisher.Publish(ctx, body, attributes)
	if err != nil {
		return fmt.Errorf("publish upload event for %s: %w", n.ObjectKey, err)
	}

	telemetry.JobsPublished.Inc()
	a.logger.Info().
		Str("message_id", msgID).
		Str("image_id", n.ObjectKey).
		Str("user_id", userID).
		Msg("upload event enqueued")
	return nil
}

// parseUploadKey expects exactly uploads/<user_id>/<filename>: three
// slash-delimited segments, literal first segment, non-empty user id.
func parseUploadKey(objectKey string) (userID, filename string, ok bool) {
	parts := strings.Split(objectKey, "/")
	if len(parts) != 3 {
		return "", "", false
	}
	if parts[0] != "uploads" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// s3Event mirrors the bucket-notification JSON shape posted by S3-compatible
// stores.
type s3Event struct {
	Records []struct {
		EventName string `json:"eventName"`
		EventTime string `json:"eventTime"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ParseEvent decodes an S3-style notification envelope into canonical
// notifications.
func ParseEvent(body []byte) ([]Notification, error) {
	var event s3Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	notifications := make([]Notification, 0, len(event.Records))
	for _, rec := range event.Records {
		notifications = append(notifications, Notification{
			EventName:  rec.EventName,
			Bucket:     rec.S3.Bucket.Name,
			ObjectKey:  rec.S3.Object.Key,
			ObjectSize: rec.S3.Object.Size,
			EventTime:  rec.EventTime,
		})
	}
	return notifications, nil
}
