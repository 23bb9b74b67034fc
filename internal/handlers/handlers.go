package handlers

import (
	"bytes"
	"embed"
	"encoding/base64"
	"errors"
	"html/template"
	"image"
	"image/png"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/snapclassify/internal/acquire"
	"github.com/example/snapclassify/internal/auth"
	"github.com/example/snapclassify/internal/classifier"
	"github.com/example/snapclassify/internal/logging"
	"github.com/example/snapclassify/internal/render"
	"github.com/example/snapclassify/internal/usecase"
)

// MaxUploadSize bounds any uploaded image or request body.
const MaxUploadSize = 10 << 20

var errTooLarge = errors.New("upload exceeds size limit")

//go:embed templates/*.html
var templateFS embed.FS

type tensorRequest struct {
	Tensor []float32 `json:"tensor" binding:"required"`
}

type pageData struct {
	Thumbnail template.URL
	Error     string
	State     *render.State
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.ClassificationUseCase, authMiddleware gin.HandlerFunc) {
	router.SetHTMLTemplate(template.Must(template.ParseFS(templateFS, "templates/*.html")))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/labels", func(c *gin.Context) {
		names := uc.Labels()
		out := make([]gin.H, len(names))
		for i, name := range names {
			out[i] = gin.H{"index": i, "label": name, "color": render.Color(i)}
		}
		c.JSON(http.StatusOK, gin.H{"labels": out})
	})

	protected := router.Group("/", authMiddleware)

	protected.POST("/classify/camera", func(c *gin.Context) {
		data, status, err := readBody(c)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		classifyImage(c, uc, acquire.SourceCamera, data)
	})

	protected.POST("/classify/gallery", func(c *gin.Context) {
		data, status, err := readFormImage(c)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		classifyImage(c, uc, acquire.SourceGallery, data)
	})

	protected.POST("/classify/tensor", func(c *gin.Context) {
		if c.Request.ContentLength > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": errTooLarge.Error()})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)

		var req tensorRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}
		outcome, err := uc.ClassifyTensor(c.Request.Context(), userID(c), req.Tensor)
		respond(c, outcome, err)
	})

	protected.GET("/result/:id", func(c *gin.Context) {
		result, err := uc.GetResult(c.Request.Context(), userID(c), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	protected.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if errors.Is(err, usecase.ErrHistoryDisabled) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	protected.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.html", pageData{})
	})

	protected.POST("/ui/classify", func(c *gin.Context) {
		data, status, err := readFormImage(c)
		if err != nil {
			c.HTML(status, "index.html", pageData{Error: err.Error()})
			return
		}
		source := acquire.Source(c.PostForm("source"))
		if source != acquire.SourceCamera {
			source = acquire.SourceGallery
		}

		outcome, err := uc.ClassifyImage(c.Request.Context(), userID(c), source, data)
		page := pageData{}
		if outcome != nil {
			page.State = &outcome.State
			page.Thumbnail = dataURI(outcome.Thumbnail)
		}
		if err != nil && outcome == nil {
			page.Error = userMessage(err)
		}
		c.HTML(statusFor(err), "index.html", page)
	})
}

func classifyImage(c *gin.Context, uc *usecase.ClassificationUseCase, source acquire.Source, data []byte) {
	outcome, err := uc.ClassifyImage(c.Request.Context(), userID(c), source, data)
	respond(c, outcome, err)
}

func respond(c *gin.Context, outcome *usecase.Outcome, err error) {
	if err != nil && outcome == nil {
		body := gin.H{"error": userMessage(err)}
		if id := logging.RequestIDOf(err); id != "" {
			body["request_id"] = id
		}
		c.JSON(statusFor(err), body)
		return
	}
	c.JSON(statusFor(err), gin.H{
		"request_id": outcome.RequestID,
		"source":     outcome.Source,
		"state":      outcome.State,
	})
}

func statusFor(err error) int {
	var (
		acqErr *acquire.AcquisitionError
		clsErr *classifier.Error
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, usecase.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, acquire.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, acquire.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &acqErr), errors.Is(err, usecase.ErrInvalidTensor):
		return http.StatusBadRequest
	case errors.As(err, &clsErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func userMessage(err error) string {
	var acqErr *acquire.AcquisitionError
	switch {
	case errors.Is(err, usecase.ErrBusy):
		return usecase.ErrBusy.Error()
	case errors.As(err, &acqErr):
		return acqErr.Err.Error()
	case errors.Is(err, usecase.ErrInvalidTensor):
		return err.Error()
	default:
		return render.FailedMessage
	}
}

func userID(c *gin.Context) string {
	if id, ok := auth.GetUserID(c.Request.Context()); ok {
		return id
	}
	return auth.AnonymousUser
}

// readBody reads a raw image body, as posted by a camera capture.
func readBody(c *gin.Context) ([]byte, int, error) {
	if c.Request.ContentLength > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errTooLarge
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, errTooLarge
		}
		return nil, http.StatusBadRequest, errors.New("failed to read image")
	}
	return checkType(data)
}

// readFormImage reads the multipart "image" field, as posted by a gallery pick.
func readFormImage(c *gin.Context) ([]byte, int, error) {
	if c.Request.ContentLength > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errTooLarge
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, errTooLarge
		}
		return nil, http.StatusBadRequest, errors.New("image file is required")
	}
	if file.Size > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errTooLarge
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to open image")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("failed to read image")
	}
	return checkType(data)
}

func checkType(data []byte) ([]byte, int, error) {
	if len(data) == 0 {
		return nil, http.StatusBadRequest, acquire.ErrNoImage
	}
	if !acquire.SupportedType(acquire.Detect(data)) {
		return nil, http.StatusUnsupportedMediaType, acquire.ErrUnsupportedFormat
	}
	return data, http.StatusOK, nil
}

func dataURI(img image.Image) template.URL {
	if img == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return ""
	}
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()))
}
