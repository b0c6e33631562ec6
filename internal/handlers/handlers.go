package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/kunleshipo/face-recognition-liveness/internal/auth"
	"github.com/kunleshipo/face-recognition-liveness/internal/document"
	"github.com/kunleshipo/face-recognition-liveness/internal/pipeline"
	"github.com/kunleshipo/face-recognition-liveness/internal/usecase"
)

// MaxUploadSize is the default upload limit.
const MaxUploadSize = 10 << 20

// RequestIDHeader carries the id under which a verification is recorded.
const RequestIDHeader = "X-Request-ID"

// uploadField is the multipart field every verification route reads.
const uploadField = "file"

type routerOptions struct {
	maxUploadSize int64
	metrics       http.Handler
}

// Option customizes RegisterRoutes.
type Option func(*routerOptions)

// WithMaxUploadSize overrides MaxUploadSize.
func WithMaxUploadSize(n int64) Option {
	return func(o *routerOptions) {
		if n > 0 {
			o.maxUploadSize = n
		}
	}
}

// WithMetricsHandler exposes h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *routerOptions) {
		o.metrics = h
	}
}

var verificationRoutes = []pipeline.Route{
	pipeline.RouteMain,
	pipeline.RouteIdentity,
	pipeline.RouteLiveness,
	pipeline.RouteLivenessMod,
	pipeline.RouteVerifyDocument,
}

// RegisterRoutes wires the HTTP handlers to the Gin router. authMiddleware may be
// nil, in which case verification runs anonymously.
func RegisterRoutes(router *gin.Engine, uc *usecase.VerificationUseCase, authMiddleware gin.HandlerFunc, opts ...Option) {
	options := routerOptions{maxUploadSize: MaxUploadSize}
	for _, opt := range opts {
		opt(&options)
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Liveness service is up and running"})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if options.metrics != nil {
		router.GET("/metrics", gin.WrapH(options.metrics))
	}

	protected := router.Group("/")
	if authMiddleware != nil {
		protected.Use(authMiddleware)
	}

	for _, route := range verificationRoutes {
		protected.POST("/"+string(route), verifyHandler(uc, route, options.maxUploadSize))
	}

	protected.GET("/result/:id", func(c *gin.Context) {
		log, err := uc.GetResult(c.Request.Context(), userID(c), c.Param("id"))
		if err != nil {
			lookupFailed(c, err)
			return
		}
		c.JSON(http.StatusOK, log)
	})

	protected.GET("/result/:id/duplicates", func(c *gin.Context) {
		report, err := uc.GetDuplicateReport(c.Request.Context(), userID(c), c.Param("id"))
		if err != nil {
			lookupFailed(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request":    report.Request,
			"duplicates": report.Duplicates,
		})
	})

	protected.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			lookupFailed(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func verifyHandler(uc *usecase.VerificationUseCase, route pipeline.Route, limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		upload, status, err := readUpload(c, limit)
		if err != nil {
			c.JSON(status, gin.H{"message": err.Error()})
			return
		}

		requestID, report, err := uc.Verify(c.Request.Context(), userID(c), route, upload)
		if requestID != "" {
			c.Header(RequestIDHeader, requestID)
		}
		code, body := Assemble(route, report, err)
		c.JSON(code, body)
	}
}

// readUpload enforces the size limit before anything is buffered.
func readUpload(c *gin.Context, limit int64) (document.Upload, int, error) {
	if c.Request.ContentLength > limit {
		return document.Upload{}, http.StatusRequestEntityTooLarge, errors.New("upload exceeds the size limit")
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	file, err := c.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return document.Upload{}, http.StatusRequestEntityTooLarge, errors.New("upload exceeds the size limit")
		}
		return document.Upload{}, http.StatusBadRequest, errors.New("file is required")
	}
	if file.Size > limit {
		return document.Upload{}, http.StatusRequestEntityTooLarge, errors.New("upload exceeds the size limit")
	}

	src, err := file.Open()
	if err != nil {
		return document.Upload{}, http.StatusBadRequest, errors.New("unable to open file")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return document.Upload{}, http.StatusInternalServerError, errors.New("failed to read file")
	}
	return document.NewUpload(file.Filename, data), http.StatusOK, nil
}

func userID(c *gin.Context) string {
	id, _ := auth.GetUserID(c.Request.Context())
	return id
}

func lookupFailed(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrPersistenceDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": err.Error()})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "result not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"message": MessageInternal})
	}
}
