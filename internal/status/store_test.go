package status

import (
	"strings"
	"testing"
	"time"

	"imageflow/internal/models"
)

func TestBuildUpsert(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	stmt, args, err := buildUpsert("uploads/u1/cat.jpg", map[string]any{
		"processing_status": models.StatusProcessing,
		"user_id":           "u1",
	}, now)
	if err != nil {
		t.Fatalf("buildUpsert: %v", err)
	}

	// Columns render in sorted order, image_id first, updated_at last.
	want := "INSERT INTO images (image_id, processing_status, user_id, updated_at) " +
		"VALUES ($1, $2, $3, $4) " +
		"ON CONFLICT (image_id) DO UPDATE SET processing_status = $2, user_id = $3, updated_at = $4"
	if stmt != want {
		t.Fatalf("stmt =\n%s\nwant\n%s", stmt, want)
	}

	if len(args) != 4 {
		t.Fatalf("args = %v", args)
	}
	if args[0] != "uploads/u1/cat.jpg" || args[1] != models.StatusProcessing || args[2] != "u1" {
		t.Fatalf("args = %v", args)
	}
	if ts, ok := args[3].(time.Time); !ok || !ts.Equal(now) {
		t.Fatalf("timestamp arg = %v", args[3])
	}
}

func TestBuildUpsertMarshalsJSONBColumns(t *testing.T) {
	stmt, args, err := buildUpsert("k", map[string]any{
		"validation_result": models.ValidationResult{IsValid: true},
	}, time.Now())
	if err != nil {
		t.Fatalf("buildUpsert: %v", err)
	}
	if !strings.Contains(stmt, "validation_result = $2") {
		t.Fatalf("stmt = %s", stmt)
	}
	raw, ok := args[1].([]byte)
	if !ok {
		t.Fatalf("jsonb arg type = %T", args[1])
	}
	if !strings.Contains(string(raw), `"is_valid":true`) {
		t.Fatalf("jsonb payload = %s", raw)
	}
}

func TestBuildUpsertRejectsUnknownColumn(t *testing.T) {
	if _, _, err := buildUpsert("k", map[string]any{"drop_table": 1}, time.Now()); err == nil {
		t.Fatal("unknown columns must be rejected")
	}
}
