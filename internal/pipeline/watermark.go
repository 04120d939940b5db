package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype/truetype"
	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"imageflow/internal/config"
	"imageflow/internal/models"
)

// watermarkMargin is the fixed distance from the anchored edge(s).
const watermarkMargin = 10

// WatermarkStage stamps the configured text plus the UTC date onto the image
// at a configurable anchor and opacity, producing exactly one output object.
type WatermarkStage struct {
	blobs    ObjectStore
	statuses StatusWriter
	logger   zerolog.Logger
	storage  config.StorageConfig
	cfg      config.WatermarkConfig

	face font.Face
}

func NewWatermarkStage(blobs ObjectStore, statuses StatusWriter, storage config.StorageConfig, cfg config.WatermarkConfig, logger zerolog.Logger) *WatermarkStage {
	log := logger.With().Str("stage", "watermark").Logger()
	return &WatermarkStage{
		blobs:    blobs,
		statuses: statuses,
		logger:   log,
		storage:  storage,
		cfg:      cfg,
		face:     loadFace(cfg, log),
	}
}

func (s *WatermarkStage) Name() string { return "watermark" }

func (s *WatermarkStage) Execute(ctx context.Context, run *models.RunContext) error {
	result, err := s.process(ctx, run)
	if err != nil {
		recordStatus(ctx, s.statuses, s.logger, run.OriginalKey, map[string]any{
			"processing_status": models.StatusWatermarkFailed,
			"error_message":     err.Error(),
		})
		return err
	}

	if err := s.statuses.Update(ctx, run.OriginalKey, map[string]any{
		"processing_status": models.StatusWatermarked,
		"watermark_result":  result,
	}); err != nil {
		return fmt.Errorf("record watermark result: %w", err)
	}
	s.logger.Debug().Str("image_id", run.OriginalKey).Str("key", result.Key).Msg("image watermarked")
	return nil
}

func (s *WatermarkStage) process(ctx context.Context, run *models.RunContext) (*models.WatermarkResult, error) {
	data, err := s.blobs.Get(ctx, s.storage.InputBucket, run.OriginalKey)
	if err != nil {
		return nil, fmt.Errorf("download original %s: %w", run.OriginalKey, err)
	}

	img, formatName, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	// Alpha-capable working copy.
	base := imaging.Clone(img)
	bounds := base.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	text := fmt.Sprintf("%s - %s", s.cfg.Text, time.Now().UTC().Format("2006-01-02"))
	textW, textH := measureText(s.face, text)
	origin := anchorPoint(s.cfg.Position, width, height, textW, textH)

	layer := image.NewNRGBA(bounds)
	drawer := font.Drawer{
		Dst:  layer,
		Src:  image.NewUniform(color.NRGBA{255, 255, 255, uint8(clampOpacity(s.cfg.Opacity))}),
		Face: s.face,
		Dot:  fixed.P(origin.X, origin.Y+s.face.Metrics().Ascent.Ceil()),
	}
	drawer.DrawString(text)

	draw.Draw(base, bounds, layer, image.Point{}, draw.Over)

	var out image.Image = base
	if isJPEGFamily(formatName) {
		out = flattenOnWhite(base)
	}

	encoded, ext, contentType, err := encodeInFamily(out, formatName)
	if err != nil {
		return nil, fmt.Errorf("encode watermarked image: %w", err)
	}

	nsID := models.DeriveNamespaceID(run.OriginalKey, run.UserID)
	baseName := models.BaseFilename(run.OriginalFilename, nsID)
	outputKey := fmt.Sprintf("watermarked/%s/%s_watermarked.%s", nsID, baseName, ext)

	metadata := map[string]string{
		"original-key":       run.OriginalKey,
		"original-size":      fmt.Sprintf("%dx%d", width, height),
		"watermark-text":     text,
		"watermark-position": s.cfg.Position,
		"watermark-opacity":  strconv.Itoa(clampOpacity(s.cfg.Opacity)),
		"user-id":            run.UserID,
		"processed-by":       "imageflow-watermark",
		"processing-date":    time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.blobs.Put(ctx, s.storage.OutputBucket, outputKey, encoded, contentType, metadata); err != nil {
		return nil, fmt.Errorf("upload watermarked image %s: %w", outputKey, err)
	}

	return &models.WatermarkResult{
		Key:           outputKey,
		WatermarkText: text,
		Position:      s.cfg.Position,
		Format:        ext,
	}, nil
}

// anchorPoint computes the draw origin for the text box from the anchor name,
// keeping a fixed margin from the relevant edge(s). Unknown values fall back
// to bottom-right.
func anchorPoint(position string, width, height, textW, textH int) image.Point {
	switch position {
	case "top-left":
		return image.Pt(watermarkMargin, watermarkMargin)
	case "top-right":
		return image.Pt(width-textW-watermarkMargin, watermarkMargin)
	case "bottom-left":
		return image.Pt(watermarkMargin, height-textH-watermarkMargin)
	case "center":
		return image.Pt((width-textW)/2, (height-textH)/2)
	default: // bottom-right
		return image.Pt(width-textW-watermarkMargin, height-textH-watermarkMargin)
	}
}

func measureText(face font.Face, text string) (int, int) {
	d := font.Drawer{Face: face}
	w := d.MeasureString(text).Ceil()
	m := face.Metrics()
	h := (m.Ascent + m.Descent).Ceil()
	return w, h
}

func clampOpacity(opacity int) int {
	if opacity < 0 {
		return 0
	}
	if opacity > 255 {
		return 255
	}
	return opacity
}

func isJPEGFamily(formatName string) bool {
	switch strings.ToLower(formatName) {
	case "jpeg", "jpg":
		return true
	}
	return false
}

// loadFace resolves the configured TrueType font, falling back to the
// built-in basicfont face when no system font is resolvable.
func loadFace(cfg config.WatermarkConfig, logger zerolog.Logger) font.Face {
	raw, err := os.ReadFile(cfg.FontPath)
	if err == nil {
		if parsed, perr := truetype.Parse(raw); perr == nil {
			return truetype.NewFace(parsed, &truetype.Options{Size: cfg.FontSize})
		} else {
			err = perr
		}
	}
	logger.Debug().Err(err).Str("path", cfg.FontPath).Msg("falling back to built-in watermark font")
	return basicfont.Face7x13
}
