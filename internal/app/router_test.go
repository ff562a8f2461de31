package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/trade-capture-engine/internal/adapter/httpserver"
	"github.com/fairyhunter13/trade-capture-engine/internal/config"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.example", []string{"https://a.example"}},
		{"https://a.example, https://b.example", []string{"https://a.example", "https://b.example"}},
		{" , , ", []string{"*"}},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ParseOrigins(c.in), c.in)
	}
}

func testRouter(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	if cfg.APIRateLimitPerMinute == 0 {
		cfg.APIRateLimitPerMinute = 600
	}
	srv := &httpserver.Server{
		Cfg:       cfg,
		Admission: httpserver.NewAdmission(16, 80),
	}
	return BuildRouter(cfg, srv)
}

func TestBuildRouterHealthz(t *testing.T) {
	h := testRouter(t, config.Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestBuildRouterAdminRoutesHiddenWithoutCredentials(t *testing.T) {
	h := testRouter(t, config.Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/rules/economic", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildRouterAdminRoutesGuarded(t *testing.T) {
	h := testRouter(t, config.Config{
		AdminUsername:     "admin",
		AdminPasswordHash: "$2a$04$notachance",
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/rules/economic", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
