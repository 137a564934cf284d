package handler_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/unclebandit/newsletter-backend/internal/controller"
	"github.com/unclebandit/newsletter-backend/internal/handler"
	"github.com/unclebandit/newsletter-backend/internal/metrics"
	"github.com/unclebandit/newsletter-backend/internal/model"
	"github.com/unclebandit/newsletter-backend/internal/service"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(ctx context.Context) error { return p.err }

func newRouter(cfg handler.RouterConfig) http.Handler {
	settings := service.NewSettingsService(nil, nil, model.DefaultNewsletterSettings())
	ctrl := &controller.NewsletterController{
		Newsletters: &service.NewsletterService{Settings: settings},
		Settings:    settings,
	}
	return handler.NewRouter(ctrl, cfg)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAdminRoutesRequireBasicAuth(t *testing.T) {
	r := newRouter(handler.RouterConfig{AdminUser: "admin", AdminPassword: "geheim"})

	rr := serve(r, httptest.NewRequest(http.MethodGet, "/api/admin/newsletter/settings", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/newsletter/settings", nil)
	req.SetBasicAuth("admin", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/newsletter/settings", nil)
	req.SetBasicAuth("admin", "geheim")
	rr = serve(r, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"chunkSize":50`)
}

func TestAdminRoutesOpenWithoutPassword(t *testing.T) {
	r := newRouter(handler.RouterConfig{})

	rr := serve(r, httptest.NewRequest(http.MethodGet, "/api/admin/newsletter/settings", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthz(t *testing.T) {
	rr := serve(newRouter(handler.RouterConfig{DB: fakePinger{}}), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())

	rr = serve(newRouter(handler.RouterConfig{DB: fakePinger{err: errors.New("down")}}), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.StageAdvanced()

	rr := serve(newRouter(handler.RouterConfig{Gatherer: reg}), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "newsletter_retry_stage_advances_total 1"))
}
