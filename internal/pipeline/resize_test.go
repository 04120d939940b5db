package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"imageflow/internal/models"
)

func TestFitWithin(t *testing.T) {
	tests := []struct {
		name         string
		origW, origH int
		boxW, boxH   int
		wantW, wantH int
	}{
		{"same aspect ratio", 1600, 1200, 800, 600, 800, 600},
		{"wider than box pins width", 3200, 1200, 800, 600, 800, 300},
		{"taller than box pins height", 600, 1200, 800, 600, 300, 600},
		{"square into 4:3 box", 1000, 1000, 800, 600, 600, 600},
		{"upscales small images", 100, 75, 400, 300, 400, 300},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, h := fitWithin(tc.origW, tc.origH, tc.boxW, tc.boxH)
			if w != tc.wantW || h != tc.wantH {
				t.Fatalf("fitWithin(%dx%d, %dx%d) = %dx%d, want %dx%d",
					tc.origW, tc.origH, tc.boxW, tc.boxH, w, h, tc.wantW, tc.wantH)
			}
		})
	}
}

func TestResizeStageProducesAllVariants(t *testing.T) {
	store := newFakeStore()
	store.objects["in-bucket/uploads/user-42/cat.jpg"] = encodeTestImage(t, 1600, 1200, imaging.JPEG)
	statuses := &fakeStatus{}
	stage := NewResizeStage(store, statuses, testStorageConfig(), zerolog.Nop())

	run := &models.RunContext{
		OriginalKey:      "uploads/user-42/cat.jpg",
		BucketName:       "in-bucket",
		UserID:           "user-42",
		OriginalFilename: "cat.jpg",
	}
	if err := stage.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantKeys := []string{
		"resized/user-42/cat_800x600.jpg",
		"resized/user-42/cat_1200x900.jpg",
		"resized/user-42/cat_400x300.jpg",
	}
	if len(store.puts) != len(wantKeys) {
		t.Fatalf("expected %d uploads, got %d", len(wantKeys), len(store.puts))
	}
	for i, want := range wantKeys {
		put := store.puts[i]
		if put.Key != want {
			t.Errorf("upload %d key = %q, want %q", i, put.Key, want)
		}
		if put.Bucket != "out-bucket" {
			t.Errorf("upload %d bucket = %q", i, put.Bucket)
		}
		if put.ContentType != "image/jpeg" {
			t.Errorf("upload %d content type = %q", i, put.ContentType)
		}
		if put.Metadata["original-key"] != "uploads/user-42/cat.jpg" {
			t.Errorf("upload %d original-key metadata = %q", i, put.Metadata["original-key"])
		}
		if put.Metadata["original-size"] != "1600x1200" {
			t.Errorf("upload %d original-size metadata = %q", i, put.Metadata["original-size"])
		}
	}

	if got := statuses.lastStatus(); got != models.StatusResized {
		t.Fatalf("status = %q, want %q", got, models.StatusResized)
	}
	variants, ok := statuses.updates[len(statuses.updates)-1].Fields["resize_results"].([]models.VariantDescriptor)
	if !ok || len(variants) != 3 {
		t.Fatalf("expected 3 recorded variants, got %#v", variants)
	}
	if variants[0].Size != "800x600" || variants[1].Size != "1200x900" || variants[2].Size != "400x300" {
		t.Fatalf("variant sizes out of order: %+v", variants)
	}
}

func TestResizeStagePNGStaysPNG(t *testing.T) {
	store := newFakeStore()
	store.objects["in-bucket/uploads/u1/logo.png"] = encodeTestImage(t, 400, 300, imaging.PNG)
	statuses := &fakeStatus{}
	stage := NewResizeStage(store, statuses, testStorageConfig(), zerolog.Nop())

	run := &models.RunContext{
		OriginalKey:      "uploads/u1/logo.png",
		BucketName:       "in-bucket",
		UserID:           "u1",
		OriginalFilename: "logo.png",
	}
	if err := stage.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, put := range store.puts {
		if !strings.HasSuffix(put.Key, ".png") {
			t.Errorf("key %q should keep the png family", put.Key)
		}
		if put.ContentType != "image/png" {
			t.Errorf("content type = %q", put.ContentType)
		}
	}
}

func TestResizeStageFailureRecordsStatus(t *testing.T) {
	store := newFakeStore()
	store.objects["in-bucket/uploads/u1/cat.jpg"] = []byte("not decodable")
	statuses := &fakeStatus{}
	stage := NewResizeStage(store, statuses, testStorageConfig(), zerolog.Nop())

	run := &models.RunContext{OriginalKey: "uploads/u1/cat.jpg", BucketName: "in-bucket", UserID: "u1"}
	if err := stage.Execute(context.Background(), run); err == nil {
		t.Fatal("expected decode failure")
	}
	if got := statuses.lastStatus(); got != models.StatusResizeFailed {
		t.Fatalf("status = %q, want %q", got, models.StatusResizeFailed)
	}
}

func TestResizeStageSuccessWriteFailureSurfaces(t *testing.T) {
	store := newFakeStore()
	store.objects["in-bucket/uploads/u1/cat.jpg"] = encodeTestImage(t, 800, 600, imaging.JPEG)
	statuses := &fakeStatus{err: errors.New("postgres down")}
	stage := NewResizeStage(store, statuses, testStorageConfig(), zerolog.Nop())

	run := &models.RunContext{OriginalKey: "uploads/u1/cat.jpg", BucketName: "in-bucket", UserID: "u1", OriginalFilename: "cat.jpg"}
	if err := stage.Execute(context.Background(), run); err == nil {
		t.Fatal("losing the resize results record must surface as an error")
	}
}
