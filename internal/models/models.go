package models

import (
	"strings"
	"time"
)

// ProcessingStatus values persisted on an ImageRecord. Each stage owns the
// transitions into its own success/failure pair.
const (
	StatusUploaded         = "uploaded"
	StatusProcessing       = "processing"
	StatusValidated        = "validated"
	StatusValidationFailed = "validation_failed"
	StatusValidationError  = "validation_error"
	StatusResized          = "resized"
	StatusResizeFailed     = "resize_failed"
	StatusWatermarked      = "watermarked"
	StatusWatermarkFailed  = "watermark_failed"
)

// ImageRecord is the per-image status row, keyed by the full storage key of
// the original upload. Stage result fields are written once by their owning
// stage; updates are last-writer-wins.
type ImageRecord struct {
	ImageID          string               `json:"image_id"`
	UserID           string               `json:"user_id"`
	BucketName       string               `json:"bucket_name"`
	OriginalFilename string               `json:"original_filename"`
	FileSize         int64                `json:"file_size"`
	UploadTimestamp  string               `json:"upload_timestamp"`
	ProcessingStatus string               `json:"processing_status"`
	ExecutionARN     string               `json:"execution_arn,omitempty"`
	ValidationResult *ValidationResult    `json:"validation_result,omitempty"`
	ResizeResults    []VariantDescriptor  `json:"resize_results,omitempty"`
	WatermarkResult  *WatermarkResult     `json:"watermark_result,omitempty"`
	ErrorMessage     *string              `json:"error_message,omitempty"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// JobMessage is the queue payload produced by the ingestion adapter for each
// valid upload notification. Field names are part of the wire contract.
type JobMessage struct {
	ImageID          string `json:"image_id"`
	BucketName       string `json:"bucket_name"`
	UserID           string `json:"user_id"`
	UserEmail        string `json:"user_email"`
	FileSize         int64  `json:"file_size"`
	EventTimestamp   string `json:"event_timestamp"`
	EventName        string `json:"event_name"`
	UploadTimestamp  string `json:"upload_timestamp"`
	OriginalFilename string `json:"original_filename"`
}

// VariantDescriptor describes one resize output. Size is "WxH".
type VariantDescriptor struct {
	Key    string `json:"key"`
	Size   string `json:"size"`
	Format string `json:"format"`
}

// ValidationResult is the validation stage payload stored on the record.
type ValidationResult struct {
	IsValid   bool       `json:"is_valid"`
	Error     string     `json:"error,omitempty"`
	ImageInfo *ImageInfo `json:"image_info,omitempty"`
}

// ImageInfo carries what validation learned about the original bytes.
// Dimension checks are deferred to the resize stage, hence the flag.
type ImageInfo struct {
	Format              string `json:"format"`
	SizeBytes           int64  `json:"size_bytes"`
	DimensionsValidated bool   `json:"dimensions_validated"`
}

// WatermarkResult is the watermark stage payload stored on the record.
type WatermarkResult struct {
	Key           string `json:"key"`
	WatermarkText string `json:"watermark_text"`
	Position      string `json:"position"`
	Format        string `json:"format"`
}

// RunContext is the evolving context object the workflow engine passes
// between stages. OriginalKey is the full storage key of the uploaded object
// (serialized as image_id for wire compatibility); the per-user namespace
// used in derived-artifact keys is computed from it, never stored here.
type RunContext struct {
	OriginalKey         string `json:"image_id"`
	BucketName          string `json:"bucket_name"`
	UserID              string `json:"user_id"`
	UserEmail           string `json:"user_email"`
	UploadTimestamp     string `json:"upload_timestamp"`
	OriginalFilename    string `json:"original_filename"`
	FileSize            int64  `json:"file_size"`
	ProcessingStartTime string `json:"processing_start_time"`
	Status              string `json:"status"`
}

// DeriveNamespaceID extracts the uploader segment from an original storage
// key of the form uploads/<user_id>/<filename>. Derived artifacts are
// namespaced by this value. Falls back to the given user id when the key does
// not have the expected shape.
func DeriveNamespaceID(originalKey, fallbackUserID string) string {
	parts := strings.Split(originalKey, "/")
	if len(parts) >= 3 && parts[1] != "" {
		return parts[1]
	}
	return fallbackUserID
}

// BaseFilename returns the original filename without its extension, used as
// the stem of derived-artifact keys. When the filename is unknown the derived
// namespace id stands in, matching the upload key convention.
func BaseFilename(originalFilename, namespaceID string) string {
	if originalFilename == "" || originalFilename == "unknown" || originalFilename == "image" {
		return namespaceID
	}
	if idx := strings.LastIndex(originalFilename, "."); idx > 0 {
		return originalFilename[:idx]
	}
	return originalFilename
}
