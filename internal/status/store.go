package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"imageflow/internal/models"
)

// Store persists ImageRecords in Postgres. Updates are last-writer-wins field
// upserts keyed by image_id; there is deliberately no compare-and-set.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Columns that Update accepts, mapped to whether the value is stored as
// jsonb. Anything else in the field map is rejected before touching SQL.
var updatableColumns = map[string]bool{
	"user_id":           false,
	"bucket_name":       false,
	"original_filename": false,
	"file_size":         false,
	"upload_timestamp":  false,
	"processing_status": false,
	"execution_arn":     false,
	"validation_result": true,
	"resize_results":    true,
	"watermark_result":  true,
	"error_message":     false,
}

// Update upserts the given fields onto the record for imageID and bumps
// updated_at. The row is created if absent, so the orchestrator's initial
// write and a stage's first write are the same operation.
func (s *Store) Update(ctx context.Context, imageID string, fields map[string]any) error {
	if imageID == "" {
		return errors.New("image id is required")
	}
	if len(fields) == 0 {
		return errors.New("no fields to update")
	}

	stmt, args, err := buildUpsert(imageID, fields, time.Now().UTC())
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("update image record %s: %w", imageID, err)
	}
	return nil
}

// buildUpsert renders the INSERT ... ON CONFLICT DO UPDATE statement for the
// requested fields. Columns are emitted in sorted order so the output is
// deterministic and testable.
func buildUpsert(imageID string, fields map[string]any, now time.Time) (string, []any, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, ok := updatableColumns[name]; !ok {
			return "", nil, fmt.Errorf("field %q is not an updatable column", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	cols := []string{"image_id"}
	placeholders := []string{"$1"}
	sets := []string{}
	args := []any{imageID}

	for _, name := range names {
		val := fields[name]
		if updatableColumns[name] {
			raw, err := json.Marshal(val)
			if err != nil {
				return "", nil, fmt.Errorf("marshal %s: %w", name, err)
			}
			val = raw
		}
		args = append(args, val)
		ph := fmt.Sprintf("$%d", len(args))
		cols = append(cols, name)
		placeholders = append(placeholders, ph)
		sets = append(sets, fmt.Sprintf("%s = %s", name, ph))
	}

	args = append(args, now)
	tsPH := fmt.Sprintf("$%d", len(args))
	cols = append(cols, "updated_at")
	placeholders = append(placeholders, tsPH)
	sets = append(sets, fmt.Sprintf("updated_at = %s", tsPH))

	stmt := fmt.Sprintf(
		"INSERT INTO images (%s) VALUES (%s) ON CONFLICT (image_id) DO UPDATE SET %s",
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(sets, ", "),
	)
	return stmt, args, nil
}

// Get fetches the record for imageID.
func (s *Store) Get(ctx context.Context, imageID string) (models.ImageRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT image_id, user_id, bucket_name, original_filename, file_size,
		       upload_timestamp, processing_status, execution_arn,
		       validation_result, resize_results, watermark_result,
		       error_message, updated_at
		FROM images WHERE image_id = $1
	`, imageID)

	var rec models.ImageRecord
	var userID, bucket, filename, uploadTS, status, arn pgtype.Text
	var fileSize pgtype.Int8
	var validationJSON, resizeJSON, watermarkJSON []byte
	var errMsg pgtype.Text

	err := row.Scan(&rec.ImageID, &userID, &bucket, &filename, &fileSize,
		&uploadTS, &status, &arn,
		&validationJSON, &resizeJSON, &watermarkJSON,
		&errMsg, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ImageRecord{}, fmt.Errorf("image record %s not found: %w", imageID, err)
		}
		return models.ImageRecord{}, fmt.Errorf("scan image record: %w", err)
	}

	rec.UserID = userID.String
	rec.BucketName = bucket.String
	rec.OriginalFilename = filename.String
	rec.FileSize = fileSize.Int64
	rec.UploadTimestamp = uploadTS.String
	rec.ProcessingStatus = status.String
	rec.ExecutionARN = arn.String
	if errMsg.Valid {
		rec.ErrorMessage = &errMsg.String
	}
	if len(validationJSON) > 0 {
		if err := json.Unmarshal(validationJSON, &rec.ValidationResult); err != nil {
			return models.ImageRecord{}, fmt.Errorf("unmarshal validation_result: %w", err)
		}
	}
	if len(resizeJSON) > 0 {
		if err := json.Unmarshal(resizeJSON, &rec.ResizeResults); err != nil {
			return models.ImageRecord{}, fmt.Errorf("unmarshal resize_results: %w", err)
		}
	}
	if len(watermarkJSON) > 0 {
		if err := json.Unmarshal(watermarkJSON, &rec.WatermarkResult); err != nil {
			return models.ImageRecord{}, fmt.Errorf("unmarshal watermark_result: %w", err)
		}
	}
	return rec, nil
}
