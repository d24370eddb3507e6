package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/cancer-check/internal/imageprocessor"
	"github.com/example/cancer-check/internal/inference"
	"github.com/example/cancer-check/internal/logging"
	"github.com/example/cancer-check/internal/modelloader"
	"github.com/example/cancer-check/internal/repository"
	"github.com/example/cancer-check/internal/usecase"
)

// MultipartOverhead is the allowance for multipart framing on top of the
// image ceiling when capping the request body.
const MultipartOverhead = 64 << 10

// CreatedAtLayout is the wire format of createdAt.
const CreatedAtLayout = "2006-01-02T15:04:05.000Z07:00"

const predictSuccessMessage = "Model is predicted successfully"

var errMultipleFiles = errors.New("more than one image file")

// ModelStatus reports model readiness; the channel closes once loaded.
type ModelStatus interface {
	Ready() <-chan struct{}
}

type historyView struct {
	ID         string `json:"id"`
	Result     string `json:"result"`
	Suggestion string `json:"suggestion"`
	CreatedAt  string `json:"createdAt"`
}

type historyEntry struct {
	ID      string      `json:"id"`
	History historyView `json:"history"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. metrics may be nil.
func RegisterRoutes(router *gin.Engine, uc *usecase.PredictionUseCase, models ModelStatus, metrics http.Handler, logger *zap.Logger) {
	logger = logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		state := "loading"
		if isReady(models) {
			state = "ready"
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model": state})
	})

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	router.POST("/predict", func(c *gin.Context) {
		maxBytes := uc.MaxUploadBytes()
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+MultipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(c, logger, usecase.ErrPayloadTooLarge, maxBytes)
				return
			}
			respondError(c, logger, fmt.Errorf("%w: %v", usecase.ErrNoFile, err), maxBytes)
			return
		}
		if files := c.Request.MultipartForm.File["image"]; len(files) != 1 {
			respondError(c, logger, fmt.Errorf("%w: got %d", errMultipleFiles, len(files)), maxBytes)
			return
		}
		if file.Size > maxBytes {
			respondError(c, logger, usecase.ErrPayloadTooLarge, maxBytes)
			return
		}

		src, err := file.Open()
		if err != nil {
			respondError(c, logger, fmt.Errorf("%w: open upload: %v", usecase.ErrNoFile, err), maxBytes)
			return
		}
		defer src.Close()

		data, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
		if err != nil {
			respondError(c, logger, fmt.Errorf("read upload: %w", err), maxBytes)
			return
		}

		record, err := uc.Predict(c.Request.Context(), &usecase.Upload{
			Filename:    file.Filename,
			ContentType: file.Header.Get("Content-Type"),
			Data:        data,
		})
		if err != nil {
			respondError(c, logger, err, maxBytes)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": predictSuccessMessage,
			"data":    toHistoryView(record),
		})
	})

	router.GET("/predict/histories", func(c *gin.Context) {
		records, err := uc.ListHistories(c.Request.Context())
		if err != nil {
			respondError(c, logger, err, 0)
			return
		}

		entries := make([]historyEntry, 0, len(records))
		for _, record := range records {
			entries = append(entries, historyEntry{ID: record.ID, History: toHistoryView(record)})
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "data": entries})
	})

	router.GET("/predict/histories/:id", func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"status": "fail", "message": "id is required"})
			return
		}

		record, err := uc.GetHistory(c.Request.Context(), id)
		if err != nil {
			respondError(c, logger, err, 0)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "success",
			"data":   historyEntry{ID: record.ID, History: toHistoryView(record)},
		})
	})
}

func toHistoryView(record *repository.PredictionRecord) historyView {
	return historyView{
		ID:         record.ID,
		Result:     record.Result,
		Suggestion: record.Suggestion,
		CreatedAt:  record.CreatedAt.UTC().Format(CreatedAtLayout),
	}
}

// errorResponse maps a pipeline error to a status and a message that is safe
// to show the caller.
func errorResponse(err error, maxBytes int64) (int, string) {
	switch {
	case errors.Is(err, usecase.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, fmt.Sprintf("Payload content length greater than maximum allowed: %d", maxBytes)
	case errors.Is(err, usecase.ErrNoFile):
		return http.StatusBadRequest, "No file uploaded"
	case errors.Is(err, errMultipleFiles):
		return http.StatusBadRequest, "Exactly one image file is allowed"
	case errors.Is(err, imageprocessor.ErrDecode):
		return http.StatusBadRequest, "Uploaded file is not a readable image"
	case errors.Is(err, modelloader.ErrNotReady):
		return http.StatusServiceUnavailable, "Model is not ready, try again later"
	case errors.Is(err, inference.ErrInference):
		return http.StatusBadRequest, "An error occurred while making the prediction"
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "Prediction history not found"
	case errors.Is(err, usecase.ErrPersistence):
		return http.StatusInternalServerError, "Failed to access prediction history"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// respondError writes the failure body. Errors already carrying an operation
// were logged where they happened; the access log records the status of the
// rest, so only handler-side server faults are logged here.
func respondError(c *gin.Context, logger *zap.Logger, err error, maxBytes int64) {
	status, message := errorResponse(err, maxBytes)
	var opErr *logging.OperationError
	if status >= http.StatusInternalServerError && !errors.As(err, &opErr) {
		requestID, _ := GetRequestID(c.Request.Context())
		logger.Error("request failed", zap.String("request_id", requestID), zap.Int("status", status), zap.Error(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"status": "fail", "message": message})
}

func isReady(models ModelStatus) bool {
	if models == nil {
		return false
	}
	select {
	case <-models.Ready():
		return true
	default:
		return false
	}
}
