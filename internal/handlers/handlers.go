package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Brownie44l1/civic-classifier/internal/apperr"
	"github.com/Brownie44l1/civic-classifier/internal/ml"
	"github.com/Brownie44l1/civic-classifier/internal/model"
	"github.com/Brownie44l1/civic-classifier/internal/pipeline"
)

// Options tunes request limits.
type Options struct {
	MaxUploadBytes int64
	MaxConcurrent  int64
	CORSOrigins    []string
}

type Handler struct {
	classifier *pipeline.Classifier
	models     []model.Info
	sem        *semaphore.Weighted
	maxUpload  int64
	origins    []string
	logger     *zap.SugaredLogger
}

func NewHandler(classifier *pipeline.Classifier, models []model.Info, opts Options, logger *zap.SugaredLogger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		classifier: classifier,
		models:     models,
		sem:        semaphore.NewWeighted(opts.MaxConcurrent),
		maxUpload:  opts.MaxUploadBytes,
		origins:    opts.CORSOrigins,
		logger:     logger,
	}
}

// Routes registers every endpoint and wraps the mux with CORS handling.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /models", h.Models)
	mux.HandleFunc("POST /classify", h.Classify)
	mux.HandleFunc("POST /classify/tensor", h.ClassifyTensor)

	c := cors.New(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelsResponse{Models: h.models})
}

// Classify accepts a multipart upload with the image in the "image" field.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(w)
	logger := h.logger.With("request_id", reqID)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("Image exceeds %d bytes", h.maxUpload), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	logger.Infow("received image", "file", header.Filename, "size", header.Size)

	if err := h.sem.Acquire(r.Context(), 1); err != nil {
		http.Error(w, "Request cancelled while waiting for a worker", http.StatusServiceUnavailable)
		return
	}
	defer h.sem.Release(1)

	start := time.Now()
	result, err := h.classifier.Classify(r.Context(), file)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}
	logger.Infow("classified", "category", result.Category, "severity", result.Severity, "took", time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

// ClassifyTensor accepts an already preprocessed NHWC tensor as JSON.
func (h *Handler) ClassifyTensor(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(w)
	logger := h.logger.With("request_id", reqID)

	// A JSON float array is far larger than the encoded image.
	r.Body = http.MaxBytesReader(w, r.Body, 16*h.maxUpload)
	var req TensorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Image) != ml.ImageLen {
		http.Error(w, fmt.Sprintf("Expected %d values, got %d", ml.ImageLen, len(req.Image)),
			http.StatusBadRequest)
		return
	}
	input, err := ml.NewImageTensor(req.Image)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.sem.Acquire(r.Context(), 1); err != nil {
		http.Error(w, "Request cancelled while waiting for a worker", http.StatusServiceUnavailable)
		return
	}
	defer h.sem.Release(1)

	result, err := h.classifier.ClassifyTensor(r.Context(), input)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeError(w http.ResponseWriter, logger *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, apperr.ErrDecode):
		logger.Infow("rejected image", "error", err)
		http.Error(w, "Invalid image format. Supported: JPEG, PNG, GIF, BMP, TIFF, WebP", http.StatusBadRequest)
	case apperr.IsClientError(err):
		logger.Infow("unreadable upload", "error", err)
		http.Error(w, "Failed to read image", http.StatusBadRequest)
	default:
		logger.Errorw("classification failed", "error", err)
		http.Error(w, "Classification failed", http.StatusInternalServerError)
	}
}

func requestID(w http.ResponseWriter) string {
	id := uuid.NewString()
	w.Header().Set("X-Request-ID", id)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
