// Package handlers exposes the classifier over a JSON REST API.
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/uptrace/bunrouter"

	"github.com/Brownie44l1/food-classifier/internal/logger"
	"github.com/Brownie44l1/food-classifier/internal/middleware"
	"github.com/Brownie44l1/food-classifier/internal/model"
	"github.com/Brownie44l1/food-classifier/internal/nutrition"
	"github.com/Brownie44l1/food-classifier/internal/predict"
	"github.com/Brownie44l1/food-classifier/internal/preprocess"
	"github.com/Brownie44l1/food-classifier/internal/service"
)

// Version is reported by the root endpoint.
var Version = "1.0.0"

// Service is what the handlers need from service.Service.
type Service interface {
	Predict(ctx context.Context, img image.Image, opts predict.Options) (*model.PredictionResult, error)
	PredictBatch(ctx context.Context, imgs []image.Image, opts predict.Options) (*model.EnsembleResult, error)
	LookupNutrition(label string) nutrition.Record
	ListClasses() []string
	Health() service.Health
	DefaultOptions() predict.Options
}

type Handler struct {
	svc            Service
	maxUploadBytes int64
	maxPixels      int
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMaxPixels caps the width × height an uploaded image may declare.
func WithMaxPixels(n int) HandlerOption {
	return func(h *Handler) { h.maxPixels = n }
}

func NewHandler(svc Service, maxUploadMB int, opts ...HandlerOption) *Handler {
	if maxUploadMB <= 0 {
		maxUploadMB = 10
	}
	h := &Handler{svc: svc, maxUploadBytes: int64(maxUploadMB) << 20, maxPixels: preprocess.DefaultMaxPixels}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every endpoint on router.
func (h *Handler) Routes(router *bunrouter.CompatRouter) {
	router.GET("/", h.Root)
	router.GET("/health", h.Health)
	router.GET("/classes", h.Classes)
	router.GET("/nutrition/:food", h.Nutrition)
	router.POST("/predict", h.Predict)
	router.POST("/predict/base64", h.PredictBase64)
	router.POST("/predict/batch", h.PredictBatch)
}

type scoreJSON struct {
	Class       string  `json:"class"`
	DisplayName string  `json:"display_name"`
	Confidence  float64 `json:"confidence"`
}

type predictionJSON struct {
	Class             string  `json:"class"`
	DisplayName       string  `json:"display_name"`
	Confidence        float64 `json:"confidence"`
	ConfidencePercent string  `json:"confidence_percent"`
	Valid             bool    `json:"valid"`
	RawClass          string  `json:"raw_class"`
}

type PredictResponse struct {
	Success    bool             `json:"success"`
	Prediction predictionJSON   `json:"prediction"`
	Top3       []scoreJSON      `json:"top3"`
	Top5       []scoreJSON      `json:"top5"`
	Nutrition  nutrition.Record `json:"nutrition"`
	Options    predict.Options  `json:"options"`
	// Distributions is how many augmented views were averaged.
	Distributions int `json:"distributions"`
}

type imageJSON struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Valid      bool    `json:"valid"`
}

type BatchResponse struct {
	PredictResponse
	ImageCount int         `json:"image_count"`
	ValidCount int         `json:"valid_count"`
	Quorum     bool        `json:"quorum"`
	Images     []imageJSON `json:"images"`
}

// API confidences are fractions, as in the class probabilities.
func fraction(percent float64) float64 { return percent / 100 }

func (h *Handler) predictResponse(res *model.PredictionResult, opts predict.Options) PredictResponse {
	resp := PredictResponse{
		Success: true,
		Prediction: predictionJSON{
			Class:             res.Label,
			DisplayName:       nutrition.DisplayName(res.Label),
			Confidence:        fraction(res.Confidence),
			ConfidencePercent: fmt.Sprintf("%.1f%%", res.Confidence),
			Valid:             res.Valid,
			RawClass:          res.RawLabel,
		},
		Top3:          scores(res.Top3),
		Top5:          scores(res.Top5),
		Nutrition:     h.svc.LookupNutrition(res.Label),
		Options:       opts,
		Distributions: res.Distributions,
	}
	return resp
}

func scores(ranked []model.LabelScore) []scoreJSON {
	out := make([]scoreJSON, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, scoreJSON{
			Class:       s.Label,
			DisplayName: nutrition.DisplayName(s.Label),
			Confidence:  fraction(s.Confidence),
		})
	}
	return out
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "online",
		"message": "Bangladeshi Food Classifier API",
		"version": Version,
		"endpoints": map[string]string{
			"predict":        "POST /predict",
			"predict_base64": "POST /predict/base64",
			"predict_batch":  "POST /predict/batch",
			"classes":        "GET /classes",
			"nutrition":      "GET /nutrition/:food",
			"health":         "GET /health",
		},
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health()
	status := http.StatusOK
	if !health.ModelLoaded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *Handler) Classes(w http.ResponseWriter, r *http.Request) {
	classes := h.svc.ListClasses()
	if classes == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "MODEL_NOT_LOADED", "Model not loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"classes": classes, "count": len(classes)})
}

func (h *Handler) Nutrition(w http.ResponseWriter, r *http.Request) {
	food := bunrouter.ParamsFromContext(r.Context()).ByName("food")
	record := h.svc.LookupNutrition(food)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"food":         food,
		"display_name": nutrition.DisplayName(record.Key),
		"matched":      record.Key != nutrition.DefaultKey,
		"nutrition":    record,
	})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	opts, err := h.options(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.fail(w, r, badRequest("failed to parse form: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		file, header, err = r.FormFile("image")
	}
	if err != nil {
		h.fail(w, r, badRequest("no image file provided, use 'file' as the form field name"))
		return
	}
	defer file.Close()

	img, err := h.decodeUpload(file, header)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logger.WithContext(r.Context()).Debug("received image", "filename", header.Filename, "size", header.Size,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	res, err := h.svc.Predict(r.Context(), img, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.predictResponse(res, opts))
}

type base64Request struct {
	Image string `json:"image"`
}

func (h *Handler) PredictBase64(w http.ResponseWriter, r *http.Request) {
	opts, err := h.options(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// base64 inflates the payload by a third
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadBytes*4/3+1024))
	if err != nil {
		h.fail(w, r, badRequest("failed to read request body: %v", err))
		return
	}
	var req base64Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, r, badRequest("invalid JSON"))
		return
	}
	if req.Image == "" {
		h.fail(w, r, badRequest("missing 'image' field"))
		return
	}

	data := req.Image
	if i := strings.Index(data, ";base64,"); strings.HasPrefix(data, "data:") && i >= 0 {
		data = data[i+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		h.fail(w, r, badRequest("invalid base64 image: %v", err))
		return
	}
	img, _, err := preprocess.DecodeBytesLimit(raw, h.maxPixels)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.svc.Predict(r.Context(), img, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.predictResponse(res, opts))
}

func (h *Handler) PredictBatch(w http.ResponseWriter, r *http.Request) {
	opts, err := h.options(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit := h.maxUploadBytes * predict.MaxBatchImages
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		h.fail(w, r, badRequest("failed to parse form: %v", err))
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) < predict.MinBatchImages || len(headers) > predict.MaxBatchImages {
		h.fail(w, r, badRequest("upload %d to %d images in the 'files' field, got %d",
			predict.MinBatchImages, predict.MaxBatchImages, len(headers)))
		return
	}

	imgs := make([]image.Image, 0, len(headers))
	for i, fh := range headers {
		img, err := h.openUpload(fh)
		if err != nil {
			h.fail(w, r, fmt.Errorf("image %d: %w", i+1, err))
			return
		}
		imgs = append(imgs, img)
	}

	res, err := h.svc.PredictBatch(r.Context(), imgs, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := BatchResponse{
		PredictResponse: h.predictResponse(&res.PredictionResult, opts),
		ImageCount:      res.ImageCount,
		ValidCount:      res.ValidCount,
		Quorum:          res.Quorum,
	}
	for _, p := range res.PerImage {
		resp.Images = append(resp.Images, imageJSON{Class: p.Label, Confidence: fraction(p.Confidence), Valid: p.Valid})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) openUpload(fh *multipart.FileHeader) (image.Image, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, badRequest("failed to open %s: %v", fh.Filename, err)
	}
	defer f.Close()
	return h.decodeUpload(f, fh)
}

func (h *Handler) decodeUpload(r io.Reader, header *multipart.FileHeader) (image.Image, error) {
	if ct := header.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" && !strings.HasPrefix(ct, "image/") {
		return nil, badRequest("file must be an image, got %s", ct)
	}
	img, _, err := preprocess.DecodeLimit(r, h.maxPixels)
	return img, err
}

// options starts from the service defaults and applies the tta,
// augmentations and threshold query parameters.
func (h *Handler) options(r *http.Request) (predict.Options, error) {
	opts := h.svc.DefaultOptions()
	q := r.URL.Query()
	if v := q.Get("tta"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, badRequest("invalid tta %q", v)
		}
		opts.UseTTA = b
	}
	if v := q.Get("augmentations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, badRequest("invalid augmentations %q", v)
		}
		opts.AugmentationCount = n
	}
	if v := q.Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, badRequest("invalid threshold %q", v)
		}
		opts.ConfidenceThreshold = f
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", predict.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// fail maps err to a status: input errors are 400, a missing model 503,
// anything else 500.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.WithContext(r.Context())
	switch {
	case errors.Is(err, predict.ErrInvalidInput), errors.Is(err, preprocess.ErrInvalidImage):
		log.Debug("rejected request", "error", err)
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, service.ErrNotLoaded):
		log.Warn("prediction without model", "error", err)
		middleware.WriteError(w, http.StatusServiceUnavailable, "MODEL_NOT_LOADED", "Model not loaded")
	default:
		log.Error("prediction failed", "error", err)
		middleware.WriteError(w, http.StatusInternalServerError, "PREDICTION_FAILED", "Prediction failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
