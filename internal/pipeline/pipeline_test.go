package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"

	"imageflow/internal/config"
)

type putCall struct {
	Bucket      string
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

type fakeStore struct {
	objects map[string][]byte
	puts    []putCall
	getErr  error
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return data, nil
}

func (f *fakeStore) Put(_ context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.puts = append(f.puts, putCall{Bucket: bucket, Key: key, Body: body, ContentType: contentType, Metadata: metadata})
	f.objects[bucket+"/"+key] = body
	return nil
}

type statusUpdate struct {
	ImageID string
	Fields  map[string]any
}

type fakeStatus struct {
	updates []statusUpdate
	err     error
}

func (f *fakeStatus) Update(_ context.Context, imageID string, fields map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, statusUpdate{ImageID: imageID, Fields: fields})
	return nil
}

func (f *fakeStatus) lastStatus() string {
	if len(f.updates) == 0 {
		return ""
	}
	s, _ := f.updates[len(f.updates)-1].Fields["processing_status"].(string)
	return s
}

// encodeTestImage renders a solid-color image in the given format.
func encodeTestImage(t *testing.T, w, h int, format imaging.Format) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 40, G: 120, B: 200, A: 255})
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

func testStorageConfig() config.StorageConfig {
	return config.StorageConfig{
		InputBucket:  "in-bucket",
		OutputBucket: "out-bucket",
	}
}

func TestRejectionError(t *testing.T) {
	err := Rejectf("bad image: %s", "too big")
	if !IsRejection(err) {
		t.Fatal("Rejectf must produce a rejection")
	}
	if IsRejection(errors.New("plain")) {
		t.Fatal("plain error must not be a rejection")
	}
	wrapped := fmt.Errorf("stage validate: %w", err)
	if !IsRejection(wrapped) {
		t.Fatal("wrapped rejection must still be detected")
	}
	if err.Error() != "bad image: too big" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestNeedsFlatten(t *testing.T) {
	opaque := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := range opaque.Pix {
		opaque.Pix[i] = 0xff
	}
	if needsFlatten(opaque) {
		t.Fatal("fully opaque NRGBA should not need flattening")
	}

	transparent := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	if !needsFlatten(transparent) {
		t.Fatal("transparent NRGBA needs flattening")
	}

	paletted := image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{color.White})
	if !needsFlatten(paletted) {
		t.Fatal("paletted image needs flattening")
	}
}
