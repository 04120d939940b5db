package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imageflow/internal/auth"
)

// ObjectStore is the subset of blob operations retrieval needs.
type ObjectStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// NotFoundError reports that no watermarked object exists for the caller's
// image. It carries the exact key that was probed so callers can surface it.
type NotFoundError struct {
	ImageID     string
	UserID      string
	SearchedKey string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("image %s not found for user %s (searched %s)", e.ImageID, e.UserID, e.SearchedKey)
}

// AvailabilityError wraps a storage transport failure, as opposed to a
// definitive miss.
type AvailabilityError struct {
	Err error
}

func (e *AvailabilityError) Error() string {
	return fmt.Sprintf("image store unavailable: %v", e.Err)
}

func (e *AvailabilityError) Unwrap() error { return e.Err }

// Result is a time-limited handle to a processed image.
type Result struct {
	DownloadURL string `json:"download_url"`
	ImageID     string `json:"image_id"`
	ExpiresIn   int    `json:"expires_in"`
}

// Service resolves processed-image lookups to presigned download URLs.
// Lookups are scoped to the authenticated caller: the object key embeds the
// caller's subject, so one user can never address another's images.
type Service struct {
	store  ObjectStore
	bucket string
	ttl    time.Duration
	logger zerolog.Logger
}

func New(store ObjectStore, bucket string, ttl time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		bucket: bucket,
		ttl:    ttl,
		logger: logger.With().Str("component", "retrieval").Logger(),
	}
}

// Resolve checks that the caller's watermarked image exists and returns a
// presigned GET URL for it. ext defaults to "jpg" when empty.
func (s *Service) Resolve(ctx context.Context, identity auth.Identity, imageID, ext string) (*Result, error) {
	if ext == "" {
		ext = "jpg"
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")

	key := fmt.Sprintf("watermarked/%s/%s_watermarked.%s", identity.Subject, imageID, ext)

	ok, err := s.store.Exists(ctx, s.bucket, key)
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("existence check failed")
		return nil, &AvailabilityError{Err: err}
	}
	if !ok {
		return nil, &NotFoundError{ImageID: imageID, UserID: identity.Subject, SearchedKey: key}
	}

	url, err := s.store.PresignGet(ctx, s.bucket, key, s.ttl)
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("presign failed")
		return nil, &AvailabilityError{Err: err}
	}

	return &Result{
		DownloadURL: url,
		ImageID:     imageID,
		ExpiresIn:   int(s.ttl.Seconds()),
	}, nil
}
