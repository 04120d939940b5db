package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"imageflow/internal/models"
	"imageflow/internal/sniffer"
)

// maxFileSize is the validation ceiling on original uploads.
const maxFileSize = 10 * 1024 * 1024

var allowedFormats = map[sniffer.Format]bool{
	sniffer.FormatJPEG: true,
	sniffer.FormatPNG:  true,
	sniffer.FormatGIF:  true,
}

// ValidateStage checks the original upload: size ceiling, content-sniffed
// format allow-list, and per-format header integrity. Pixel dimensions are
// deliberately left to the resize stage.
type ValidateStage struct {
	blobs    ObjectStore
	statuses StatusWriter
	logger   zerolog.Logger
}

func NewValidateStage(blobs ObjectStore, statuses StatusWriter, logger zerolog.Logger) *ValidateStage {
	return &ValidateStage{
		blobs:    blobs,
		statuses: statuses,
		logger:   logger.With().Str("stage", "validate").Logger(),
	}
}

func (s *ValidateStage) Name() string { return "validate" }

func (s *ValidateStage) Execute(ctx context.Context, run *models.RunContext) error {
	data, err := s.blobs.Get(ctx, run.BucketName, run.OriginalKey)
	if err != nil {
		recordStatus(ctx, s.statuses, s.logger, run.OriginalKey, map[string]any{
			"processing_status": models.StatusValidationError,
			"validation_result": models.ValidationResult{IsValid: false, Error: err.Error()},
			"error_message":     err.Error(),
		})
		return fmt.Errorf("download original %s: %w", run.OriginalKey, err)
	}

	result := ValidateBytes(data)
	if !result.IsValid {
		recordStatus(ctx, s.statuses, s.logger, run.OriginalKey, map[string]any{
			"processing_status": models.StatusValidationFailed,
			"validation_result": result,
			"error_message":     result.Error,
		})
		s.logger.Info().Str("image_id", run.OriginalKey).Str("reason", result.Error).Msg("image rejected")
		return Rejectf("image validation failed: %s", result.Error)
	}

	recordStatus(ctx, s.statuses, s.logger, run.OriginalKey, map[string]any{
		"processing_status": models.StatusValidated,
		"validation_result": result,
	})
	s.logger.Debug().Str("image_id", run.OriginalKey).Str("format", result.ImageInfo.Format).Msg("image validated")
	return nil
}

// ValidateBytes runs the size, format, and header checks over raw image
// bytes. It never inspects file extensions or declared content types.
func ValidateBytes(data []byte) models.ValidationResult {
	size := int64(len(data))
	if size > maxFileSize {
		return models.ValidationResult{
			IsValid: false,
			Error:   fmt.Sprintf("file size %d exceeds maximum allowed size %d", size, maxFileSize),
		}
	}

	format, err := sniffer.Detect(data)
	if err != nil || !allowedFormats[format] {
		detected := string(format)
		if errors.Is(err, sniffer.ErrUnknownFormat) {
			detected = "unknown"
		}
		return models.ValidationResult{
			IsValid: false,
			Error:   fmt.Sprintf("invalid file format: %s (allowed: jpeg, jpg, png, gif)", detected),
		}
	}

	if !validHeader(data, format) {
		return models.ValidationResult{
			IsValid: false,
			Error:   fmt.Sprintf("invalid image file header for format: %s", format),
		}
	}

	return models.ValidationResult{
		IsValid: true,
		ImageInfo: &models.ImageInfo{
			Format:              string(format),
			SizeBytes:           size,
			DimensionsValidated: false,
		},
	}
}

// validHeader checks format-specific structure. JPEG is the only format
// whose trailer is verified; PNG and GIF checks only inspect the head.
func validHeader(data []byte, format sniffer.Format) bool {
	if len(data) < 8 {
		return false
	}
	switch format {
	case sniffer.FormatJPEG:
		return bytes.Equal(data[:2], []byte{0xff, 0xd8}) &&
			bytes.Equal(data[len(data)-2:], []byte{0xff, 0xd9})
	case sniffer.FormatPNG:
		return bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	case sniffer.FormatGIF:
		return bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))
	}
	// Other sniffed formats pass through without header verification.
	return true
}
