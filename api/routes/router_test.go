package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Genocs/genocs-library-template/api/controllers"
	"github.com/Genocs/genocs-library-template/internal/orders"
	"github.com/Genocs/genocs-library-template/pkg/config"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
)

type capturePublisher struct {
	messages []messaging.Message
}

func (c *capturePublisher) Publish(_ context.Context, msg messaging.Message) error {
	c.messages = append(c.messages, msg)
	return nil
}

type stubReader struct{}

func (stubReader) Get(_ context.Context, orderID string) (*orders.OrderView, error) {
	if orderID == "O1" {
		return &orders.OrderView{OrderID: "O1", UserID: "U1", Currency: "EUR"}, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
}

func testConfig() *config.Config {
	return &config.Config{App: config.AppConfig{
		Env:         "test",
		CORSOrigins: []string{"http://localhost:3000"},
	}}
}

func newTestRouter(publisher messaging.Publisher, checks ...controllers.ReadinessCheck) http.Handler {
	logg := logger.New(logger.Options{ServiceName: "api-test", Output: io.Discard})
	return NewRouter(testConfig(), logg, publisher, stubReader{}, prometheus.NewRegistry(), checks...)
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(&capturePublisher{},
		controllers.ReadinessCheck{Name: "database", Ping: func(context.Context) error { return nil }},
	)

	for _, path := range []string{"/health/live", "/health/ready"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		if rec.Header().Get("X-Genocs-Env") != "test" {
			t.Fatalf("%s: missing env header", path)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Fatalf("%s: missing request id header", path)
		}
	}
}

func TestHealthReadyReportsFailedDependency(t *testing.T) {
	router := newTestRouter(&capturePublisher{},
		controllers.ReadinessCheck{Name: "database", Ping: func(context.Context) error { return nil }},
		controllers.ReadinessCheck{Name: "broker", Ping: func(context.Context) error { return errors.New("connection refused") }},
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"broker":"unavailable"`) || strings.Contains(body, "database") {
		t.Fatalf("unexpected readiness body %s", body)
	}
	if strings.Contains(body, "connection refused") {
		t.Fatalf("dependency error leaked: %s", body)
	}
}

func TestOrderRoutes(t *testing.T) {
	publisher := &capturePublisher{}
	router := newTestRouter(publisher)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{"orderId":"O1","userId":"U1"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(publisher.messages) != 1 {
		t.Fatalf("expected one published command, got %d", len(publisher.messages))
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/O1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data orders.OrderView `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.OrderID != "O1" || body.Data.UserID != "U1" {
		t.Fatalf("unexpected order %+v", body.Data)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(&capturePublisher{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRecoversFromPanickingReader(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "api-test", Output: io.Discard})
	router := NewRouter(testConfig(), logg, &capturePublisher{}, panicReader{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/O1", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

type panicReader struct{}

func (panicReader) Get(context.Context, string) (*orders.OrderView, error) {
	panic("reader exploded")
}
