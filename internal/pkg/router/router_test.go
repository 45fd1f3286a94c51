package router

import (
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TokenFox/internal/pkg/billing"
	"github.com/ManuelReschke/TokenFox/internal/pkg/database"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
	"github.com/ManuelReschke/TokenFox/internal/pkg/metrics"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	t.Setenv("METRICS_USER", "prom")
	t.Setenv("METRICS_PASSWORD", "scrape")

	db := database.NewTestDB(t)
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	engine := ledger.NewEngine(ledger.NewRepository(db), m)
	svc := billing.NewServiceFromDB(db, engine, nil, billing.WithWebhookSecret("whsec_router"), billing.WithMetrics(m))

	app := fiber.New()
	InstallRouter(app, Dependencies{Engine: engine, Billing: svc, Gatherer: registry})
	return app
}

func TestInstallRouter(t *testing.T) {
	app := newTestApp(t)
	basic := "Basic " + base64.StdEncoding.EncodeToString([]byte("prom:scrape"))

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{"api root", fiber.MethodGet, "/api/", "", fiber.StatusOK},
		{"plans need api key", fiber.MethodGet, "/api/v1/plans", "", fiber.StatusUnauthorized},
		{"admin needs api key", fiber.MethodPost, "/api/v1/admin/accounts/1/tokens", "", fiber.StatusUnauthorized},
		{"unsigned webhook", fiber.MethodPost, "/webhooks/stripe", "", fiber.StatusBadRequest},
		{"login without body", fiber.MethodPost, "/auth/login", "", fiber.StatusBadRequest},
		{"verify email without token", fiber.MethodGet, "/auth/verify-email", "", fiber.StatusBadRequest},
		{"metrics without credentials", fiber.MethodGet, "/metrics", "", fiber.StatusUnauthorized},
		{"metrics", fiber.MethodGet, "/metrics", basic, fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}"))
			req.Header.Set("Content-Type", "application/json")
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
