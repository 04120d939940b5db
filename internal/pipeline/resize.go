package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"imageflow/internal/config"
	"imageflow/internal/models"
)

// resizeBoxes are the fixed fit-within targets, processed in this order.
var resizeBoxes = [3][2]int{
	{800, 600},
	{1200, 900},
	{400, 300},
}

// ResizeStage produces one fit-within variant per target box, encoded in the
// original format family, and uploads them under resized/<namespace>/.
type ResizeStage struct {
	blobs    ObjectStore
	statuses StatusWriter
	logger   zerolog.Logger
	storage  config.StorageConfig
}

func NewResizeStage(blobs ObjectStore, statuses StatusWriter, storage config.StorageConfig, logger zerolog.Logger) *ResizeStage {
	return &ResizeStage{
		blobs:    blobs,
		statuses: statuses,
		logger:   logger.With().Str("stage", "resize").Logger(),
		storage:  storage,
	}
}

func (s *ResizeStage) Name() string { return "resize" }

func (s *ResizeStage) Execute(ctx context.Context, run *models.RunContext) error {
	variants, err := s.process(ctx, run)
	if err != nil {
		recordStatus(ctx, s.statuses, s.logger, run.OriginalKey, map[string]any{
			"processing_status": models.StatusResizeFailed,
			"error_message":     err.Error(),
		})
		return err
	}

	if err := s.statuses.Update(ctx, run.OriginalKey, map[string]any{
		"processing_status": models.StatusResized,
		"resize_results":    variants,
	}); err != nil {
		return fmt.Errorf("record resize results: %w", err)
	}
	s.logger.Debug().Str("image_id", run.OriginalKey).Int("variants", len(variants)).Msg("image resized")
	return nil
}

func (s *ResizeStage) process(ctx context.Context, run *models.RunContext) ([]models.VariantDescriptor, error) {
	data, err := s.blobs.Get(ctx, s.storage.InputBucket, run.OriginalKey)
	if err != nil {
		return nil, fmt.Errorf("download original %s: %w", run.OriginalKey, err)
	}

	img, formatName, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	flatten := needsFlatten(img)

	nsID := models.DeriveNamespaceID(run.OriginalKey, run.UserID)
	base := models.BaseFilename(run.OriginalFilename, nsID)

	variants := make([]models.VariantDescriptor, 0, len(resizeBoxes))
	for _, box := range resizeBoxes {
		w, h := fitWithin(origW, origH, box[0], box[1])

		var out image.Image = imaging.Resize(img, w, h, imaging.Lanczos)
		if flatten {
			out = flattenOnWhite(out)
		}

		encoded, ext, contentType, err := encodeInFamily(out, formatName)
		if err != nil {
			return nil, fmt.Errorf("encode %dx%d variant: %w", w, h, err)
		}

		outputKey := fmt.Sprintf("resized/%s/%s_%dx%d.%s", nsID, base, w, h, ext)
		metadata := map[string]string{
			"original-key":    run.OriginalKey,
			"original-size":   fmt.Sprintf("%dx%d", origW, origH),
			"resized-size":    fmt.Sprintf("%dx%d", w, h),
			"user-id":         run.UserID,
			"processed-by":    "imageflow-resize",
			"processing-date": time.Now().UTC().Format(time.RFC3339),
		}
		if err := s.blobs.Put(ctx, s.storage.OutputBucket, outputKey, encoded, contentType, metadata); err != nil {
			return nil, fmt.Errorf("upload variant %s: %w", outputKey, err)
		}

		variants = append(variants, models.VariantDescriptor{
			Key:    outputKey,
			Size:   fmt.Sprintf("%dx%d", w, h),
			Format: ext,
		})
	}
	return variants, nil
}

// fitWithin scales (origW, origH) to fit entirely inside (boxW, boxH) while
// preserving aspect ratio: a relatively wider image pins the box width, a
// relatively taller one pins the box height.
func fitWithin(origW, origH, boxW, boxH int) (int, int) {
	imgRatio := float64(origW) / float64(origH)
	boxRatio := float64(boxW) / float64(boxH)

	if imgRatio > boxRatio {
		return boxW, int(float64(boxW) / imgRatio)
	}
	return int(float64(boxH) * imgRatio), boxH
}

type opaquer interface {
	Opaque() bool
}

// needsFlatten reports whether the source uses transparency or palette
// indexing and therefore must be composited onto an opaque background before
// a lossy encode.
func needsFlatten(img image.Image) bool {
	if _, ok := img.(*image.Paletted); ok {
		return true
	}
	if o, ok := img.(opaquer); ok {
		return !o.Opaque()
	}
	return false
}

// flattenOnWhite composites img over an opaque white canvas of the same size.
func flattenOnWhite(img image.Image) image.Image {
	bounds := img.Bounds()
	bg := imaging.New(bounds.Dx(), bounds.Dy(), color.NRGBA{255, 255, 255, 255})
	return imaging.Overlay(bg, img, image.Point{}, 1.0)
}

// encodeInFamily encodes in the original detected format family: PNG stays
// PNG, everything else (including unrecognized formats) becomes JPEG q85.
func encodeInFamily(img image.Image, formatName string) ([]byte, string, string, error) {
	buf := &bytes.Buffer{}
	switch strings.ToLower(formatName) {
	case "png":
		if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
			return nil, "", "", err
		}
		return buf.Bytes(), "png", "image/png", nil
	default:
		if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return nil, "", "", err
		}
		return buf.Bytes(), "jpg", "image/jpeg", nil
	}
}
