package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dermascan/internal/controller"
	apperrors "github.com/Brownie44l1/dermascan/internal/errors"
	"github.com/Brownie44l1/dermascan/internal/logging"
	"github.com/Brownie44l1/dermascan/internal/model"
	"github.com/Brownie44l1/dermascan/internal/preprocess"
)

const DefaultMaxUploadSize = 10 << 20

type Handler struct {
	ctrl          *controller.Controller
	logger        *zap.Logger
	maxUploadSize int64
	// loadCtx bounds reloads started over HTTP, which outlive the request.
	loadCtx context.Context
}

func NewHandler(ctx context.Context, ctrl *controller.Controller, maxUploadSize int64, logger *zap.Logger) *Handler {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	return &Handler{
		ctrl:          ctrl,
		logger:        logger.Named("handlers"),
		maxUploadSize: maxUploadSize,
		loadCtx:       ctx,
	}
}

type ClassifyResponse struct {
	RequestID   string             `json:"request_id"`
	Class       string             `json:"class"`
	Confidence  float32            `json:"confidence"`
	Known       bool               `json:"known"`
	Message     string             `json:"message"`
	Predictions map[string]float32 `json:"predictions"`
}

type ProgressResponse struct {
	State         string   `json:"state"`
	BytesReceived int64    `json:"bytes_received"`
	TotalBytes    int64    `json:"total_bytes"`
	Percent       *float64 `json:"percent,omitempty"`
	Error         string   `json:"error,omitempty"`
}

type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}

// Register wires the routes onto r.
func (h *Handler) Register(r *mux.Router) {
	r.Use(enableCORS)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/progress", h.Progress).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/image", h.SelectImage).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/classify", h.Classify).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/predict/image", h.PredictFromImage).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/reload", h.Reload).Methods(http.MethodPost, http.MethodOptions)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.ctrl.Status()
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"model":  status.State.String(),
	})
}

func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	status := h.ctrl.Status()
	resp := ProgressResponse{
		State:         status.State.String(),
		BytesReceived: status.Progress.BytesReceived,
		TotalBytes:    status.Progress.TotalBytes,
	}
	if pct, ok := status.Progress.Percent(); ok {
		resp.Percent = &pct
	}
	if status.Err != nil {
		resp.Error = controller.RenderError(status.Err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// SelectImage stores the uploaded image for a later /classify call.
func (h *Handler) SelectImage(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := logging.WithOperation(h.logger, "handlers.select_image", requestID)

	img, ok := h.readImage(w, r, requestID, log)
	if !ok {
		return
	}
	if err := h.ctrl.OnImageSelected(img); err != nil {
		h.writeError(w, requestID, err, log)
		return
	}

	b := img.Bounds()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"width":      b.Dx(),
		"height":     b.Dy(),
	})
}

// Classify classifies the image stored by SelectImage.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := logging.WithOperation(h.logger, "handlers.classify", requestID)

	out, err := h.ctrl.OnClassifyRequested(r.Context())
	if err != nil {
		h.writeError(w, requestID, err, log)
		return
	}
	writeJSON(w, http.StatusOK, newClassifyResponse(requestID, out))
}

// PredictFromImage classifies an uploaded image in one call.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := logging.WithOperation(h.logger, "handlers.predict_image", requestID)

	img, ok := h.readImage(w, r, requestID, log)
	if !ok {
		return
	}

	out, err := h.ctrl.Classify(r.Context(), img)
	if err != nil {
		h.writeError(w, requestID, err, log)
		return
	}
	writeJSON(w, http.StatusOK, newClassifyResponse(requestID, out))
}

// Reload restarts the model startup sequence after a failed load.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := logging.WithOperation(h.logger, "handlers.reload", requestID)

	state := h.ctrl.Status().State
	if state != model.StateFailed && state != model.StateUnloaded {
		h.writeError(w, requestID, apperrors.New(apperrors.KindInvalidState, "handlers.reload",
			"model is "+state.String()), log)
		return
	}

	go func() {
		start := time.Now()
		if err := h.ctrl.LoadModel(h.loadCtx); err != nil {
			log.Error("reload failed", zap.Error(err))
			return
		}
		log.Info("reload finished", zap.Duration("elapsed", time.Since(start)))
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": requestID,
		"status":     "loading",
	})
}

// readImage decodes the multipart "image" field. It writes the error response
// itself and returns ok=false on failure.
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request, requestID string, log *zap.Logger) (image.Image, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil || r.ContentLength > h.maxUploadSize {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || r.ContentLength > h.maxUploadSize {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				RequestID: requestID,
				Code:      "too_large",
				Message:   "Image exceeds the upload limit",
			})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			RequestID: requestID,
			Code:      "invalid_request",
			Message:   "Failed to parse form",
		})
		return nil, false
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			RequestID: requestID,
			Code:      "invalid_request",
			Message:   "No image file provided. Use 'image' as the form field name",
		})
		return nil, false
	}
	defer file.Close()

	img, err := preprocess.Decode(file)
	if err != nil {
		log.Warn("failed to decode upload", zap.String("filename", header.Filename), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			RequestID: requestID,
			Code:      "invalid_image",
			Message:   "Invalid image format. Supported: JPEG, PNG, GIF, BMP, TIFF, WebP",
		})
		return nil, false
	}

	b := img.Bounds()
	log.Debug("received image",
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size),
		zap.Int("width", b.Dx()),
		zap.Int("height", b.Dy()))
	return img, true
}

func newClassifyResponse(requestID string, out *controller.Outcome) ClassifyResponse {
	return ClassifyResponse{
		RequestID:   requestID,
		Class:       out.Result.Label,
		Confidence:  out.Result.Confidence,
		Known:       out.Result.Known(),
		Message:     out.Message,
		Predictions: out.Result.Predictions,
	}
}

func statusFor(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindNotReady:
		return http.StatusServiceUnavailable
	case apperrors.KindBusy:
		return http.StatusTooManyRequests
	case apperrors.KindInvalidState:
		return http.StatusConflict
	case apperrors.KindShapeMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, requestID string, err error, log *zap.Logger) {
	kind := apperrors.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Info("request rejected", zap.Stringer("kind", kind), zap.Error(err))
	}

	writeJSON(w, status, ErrorResponse{
		RequestID: requestID,
		Code:      kind.String(),
		Message:   controller.RenderError(err),
		Details:   err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
