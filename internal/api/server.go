package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"imageflow/internal/auth"
	"imageflow/internal/config"
	"imageflow/internal/ingest"
	"imageflow/internal/models"
	"imageflow/internal/retrieval"
	"imageflow/internal/telemetry"
	"imageflow/internal/workflow"
)

// Presigner issues time-limited upload URLs for the input bucket.
type Presigner interface {
	PresignPut(ctx context.Context, bucket, key, contentType string, ttl time.Duration) (string, error)
}

// Resolver turns an authenticated image lookup into a download URL.
type Resolver interface {
	Resolve(ctx context.Context, identity auth.Identity, imageID, ext string) (*retrieval.Result, error)
}

// Notifier accepts upload notifications from the events webhook.
type Notifier interface {
	HandleNotification(ctx context.Context, n ingest.Notification) error
}

// RecordGetter reads the processing record for one image.
type RecordGetter interface {
	Get(ctx context.Context, imageID string) (models.ImageRecord, error)
}

// UploadLimiter throttles presign requests per user.
type UploadLimiter interface {
	AllowUpload(ctx context.Context, userID string) (bool, float64, error)
}

// allowedUploadTypes is the content-type allow-list for presigned uploads.
// Anything else is rejected before a URL is ever issued.
var allowedUploadTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
}

// Server wires the HTTP handlers for the public API: presigned uploads,
// processed-image retrieval, the upload-events webhook, and status lookups.
type Server struct {
	cfg      config.Config
	verifier *auth.Verifier
	presign  Presigner
	images   Resolver
	ingest   Notifier
	records  RecordGetter
	limiter  UploadLimiter
	logger   zerolog.Logger
}

func New(cfg config.Config, verifier *auth.Verifier, presign Presigner, images Resolver, notifier Notifier, records RecordGetter, limiter UploadLimiter, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		presign:  presign,
		images:   images,
		ingest:   notifier,
		records:  records,
		limiter:  limiter,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/uploads", s.handleCreateUpload)
			r.Get("/images", s.handleGetImage)
			r.Get("/images/{imageID}/status", s.handleGetStatus)
		})
	})
	return r
}

type contextKey string

const identityKey contextKey = "identity"

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err := s.verifier.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

func identityFrom(r *http.Request) auth.Identity {
	identity, _ := r.Context().Value(identityKey).(auth.Identity)
	return identity
}

type createUploadRequest struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
}

type createUploadResponse struct {
	UploadURL string `json:"uploadUrl"`
	FileKey   string `json:"fileKey"`
	ExpiresIn int    `json:"expiresIn"`
}

// handleCreateUpload issues a presigned PUT for the input bucket. The object
// key embeds the caller's subject, which is what later scopes retrieval.
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowUpload(r.Context(), identity.Subject)
		if err != nil {
			s.logger.Error().Err(err).Msg("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "upload rate exceeded")
			return
		}
	}

	var req createUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	// The extension comes from the declared content type, never from the
	// client-supplied filename.
	ext, ok := allowedUploadTypes[req.FileType]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type %q", req.FileType))
		return
	}

	key := fmt.Sprintf("uploads/%s/%s%s", identity.Subject, uuid.NewString(), ext)
	url, err := s.presign.PresignPut(r.Context(), s.cfg.Storage.InputBucket, key, req.FileType, s.cfg.Storage.UploadTTL)
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("presign upload failed")
		writeError(w, http.StatusInternalServerError, "failed to create upload url")
		return
	}

	writeJSON(w, http.StatusOK, createUploadResponse{
		UploadURL: url,
		FileKey:   key,
		ExpiresIn: int(s.cfg.Storage.UploadTTL.Seconds()),
	})
}

// handleGetImage resolves a processed image to a presigned download URL.
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	imageID := r.URL.Query().Get("image_id")
	if imageID == "" {
		writeError(w, http.StatusBadRequest, "image_id query parameter is required")
		return
	}
	ext := r.URL.Query().Get("extension")

	result, err := s.images.Resolve(r.Context(), identity, imageID, ext)
	if err != nil {
		var notFound *retrieval.NotFoundError
		if errors.As(err, &notFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":         "image not found",
				"image_id":      notFound.ImageID,
				"user_id":       notFound.UserID,
				"searched_path": notFound.SearchedKey,
			})
			return
		}
		var unavailable *retrieval.AvailabilityError
		if errors.As(err, &unavailable) {
			writeError(w, http.StatusServiceUnavailable, "image store unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve image")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleGetStatus returns the processing record for the caller's image.
// Image IDs are full original keys, but a key with slashes cannot travel in
// a path segment, so the caller passes just the filename and we rebuild the
// key under their own namespace.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)

	imageID := chi.URLParam(r, "imageID")
	if !strings.Contains(imageID, "/") {
		imageID = fmt.Sprintf("uploads/%s/%s", identity.Subject, imageID)
	}
	if models.DeriveNamespaceID(imageID, identity.Subject) != identity.Subject {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}

	record, err := s.records.Get(r.Context(), imageID)
	if err != nil {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleEvents is the upload-notification webhook. The body carries a
// bucket-notification envelope; each record becomes at most one queued job.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	notifications, err := ingest.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	for _, n := range notifications {
		if err := s.ingest.HandleNotification(r.Context(), n); err != nil {
			s.logger.Error().Err(err).Str("key", n.ObjectKey).Msg("notification handling failed")
			writeError(w, http.StatusInternalServerError, "failed to process event")
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"records": len(notifications)})
}

// RunGetter exposes run state lookups for the ops router.
type RunGetter interface {
	GetRun(name string) (workflow.Run, bool)
}

// OpsRouter serves the worker's operational surface: health, metrics, and
// run-state lookups for the in-process workflow engine.
func OpsRouter(runs RunGetter) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/v1/runs/{name}", func(w http.ResponseWriter, r *http.Request) {
		run, ok := runs.GetRun(chi.URLParam(r, "name"))
		if !ok {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeJSON(w, http.StatusOK, run)
	})
	return r
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
