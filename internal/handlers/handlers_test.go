package handlers

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/snapclassify/internal/auth"
	"github.com/example/snapclassify/internal/classifier"
	"github.com/example/snapclassify/internal/labels"
	"github.com/example/snapclassify/internal/render"
	"github.com/example/snapclassify/internal/usecase"
)

const testJWTSecret = "test-secret"

type classifyResponse struct {
	RequestID string       `json:"request_id"`
	Source    string       `json:"source"`
	State     render.State `json:"state"`
}

func fifthClassVector() []float32 {
	conf := make([]float32, labels.Count())
	for i := range conf {
		conf[i] = 0.05
	}
	conf[4] = 0.95
	return conf
}

func newRouter(t *testing.T, cls classifier.Classifier) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize

	uc := usecase.NewClassificationUseCase(nil, nil, cls, zap.NewNop(), usecase.Options{ImageSize: 8, ThumbnailEdge: 16})
	RegisterRoutes(router, uc, auth.JWTMiddleware(testJWTSecret, ""))
	return router
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Black)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func TestGalleryRejectsLargeUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize

	uc := &usecase.ClassificationUseCase{}
	RegisterRoutes(router, uc, auth.JWTMiddleware(testJWTSecret, ""))

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	resp := doRequest(t, router, http.MethodPost, "/classify/gallery", body, contentType)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestGalleryRejectsUnsupportedContentType(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	uc := &usecase.ClassificationUseCase{}
	RegisterRoutes(router, uc, auth.JWTMiddleware(testJWTSecret, ""))

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))
	resp := doRequest(t, router, http.MethodPost, "/classify/gallery", body, contentType)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestGalleryClassifiesImage(t *testing.T) {
	router := newRouter(t, &classifier.Static{Confidences: fifthClassVector()})

	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t, 30, 20))
	resp := doRequest(t, router, http.MethodPost, "/classify/gallery", body, contentType)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var got classifyResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.RequestID == "" || got.Source != "gallery" {
		t.Fatalf("unexpected response: %+v", got)
	}
	if got.State.TopLabel != labels.Name(4) || len(got.State.Bars) != labels.Count() || got.State.Bars[4].Percent != 95 {
		t.Fatalf("unexpected state: %+v", got.State)
	}
}

func TestCameraClassifiesRawBody(t *testing.T) {
	router := newRouter(t, &classifier.Static{Confidences: fifthClassVector()})

	resp := doRequest(t, router, http.MethodPost, "/classify/camera", bytes.NewBuffer(pngBytes(t, 12, 12)), "image/png")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestCameraRejectsOversizedDimensions(t *testing.T) {
	router := newRouter(t, &classifier.Static{Confidences: fifthClassVector()})

	data := pngBytes(t, 2, 2)
	binary.BigEndian.PutUint32(data[16:20], 40000)
	binary.BigEndian.PutUint32(data[20:24], 40000)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))

	resp := doRequest(t, router, http.MethodPost, "/classify/camera", bytes.NewBuffer(data), "image/png")
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", resp.Code, resp.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request id in error body, got %v", body)
	}
}

func TestCameraNonFiniteOutputReturnsFailedState(t *testing.T) {
	conf := fifthClassVector()
	conf[4] = float32(math.Inf(1))
	router := newRouter(t, &classifier.Static{Confidences: conf})

	resp := doRequest(t, router, http.MethodPost, "/classify/camera", bytes.NewBuffer(pngBytes(t, 12, 12)), "image/png")
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", resp.Code, resp.Body.String())
	}
	var body classifyResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.State.Failed || body.State.Message != render.FailedMessage {
		t.Fatalf("expected failed state, got %+v", body.State)
	}
}

func TestCameraRejectsEmptyCapture(t *testing.T) {
	router := newRouter(t, &classifier.Static{Confidences: fifthClassVector()})

	resp := doRequest(t, router, http.MethodPost, "/classify/camera", &bytes.Buffer{}, "image/jpeg")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestClassificationFailureReturnsFailedState(t *testing.T) {
	router := newRouter(t, classifier.Func(func(ctx context.Context, tensor []float32) ([]float32, error) {
		return nil, classifier.ErrModelUnavailable
	}))

	resp := doRequest(t, router, http.MethodPost, "/classify/camera", bytes.NewBuffer(pngBytes(t, 12, 12)), "image/png")
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	var got classifyResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !got.State.Failed || got.State.TopLabel != render.FailedMessage {
		t.Fatalf("unexpected state: %+v", got.State)
	}
}

func TestTensorEndpointValidatesLength(t *testing.T) {
	router := newRouter(t, &classifier.Static{Confidences: fifthClassVector()})

	body, _ := json.Marshal(map[string][]float32{"tensor": make([]float32, 10)})
	resp := doRequest(t, router, http.MethodPost, "/classify/tensor", bytes.NewBuffer(body), "application/json")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}

	body, _ = json.Marshal(map[string][]float32{"tensor": make([]float32, 3*8*8)})
	resp = doRequest(t, router, http.MethodPost, "/classify/tensor", bytes.NewBuffer(body), "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestClassifyRequiresToken(t *testing.T) {
	router := newRouter(t, &classifier.Static{Confidences: fifthClassVector()})

	req := httptest.NewRequest(http.MethodPost, "/classify/camera", bytes.NewBuffer(pngBytes(t, 4, 4)))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestLabelsArePublic(t *testing.T) {
	router := newRouter(t, &classifier.Static{})

	req := httptest.NewRequest(http.MethodGet, "/labels", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var got struct {
		Labels []struct {
			Index int    `json:"index"`
			Label string `json:"label"`
			Color string `json:"color"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got.Labels) != labels.Count() || got.Labels[3].Color != "#0000FF" {
		t.Fatalf("unexpected labels: %+v", got.Labels)
	}
}

func TestResultWithoutHistoryIsNotFound(t *testing.T) {
	router := newRouter(t, &classifier.Static{})

	resp := doRequest(t, router, http.MethodGet, "/result/abc", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	resp = doRequest(t, router, http.MethodGet, "/metrics", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestPageRendersBars(t *testing.T) {
	router := newRouter(t, &classifier.Static{Confidences: fifthClassVector()})

	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t, 16, 16))
	resp := doRequest(t, router, http.MethodPost, "/ui/classify", body, contentType)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	html := resp.Body.String()
	if !strings.Contains(html, "Butterfly") || !strings.Contains(html, "95%") {
		t.Fatal("expected page to show the top label and its percent")
	}
	if !strings.Contains(html, "data:image/png;base64,") {
		t.Fatal("expected page to embed the thumbnail")
	}
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, body)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
