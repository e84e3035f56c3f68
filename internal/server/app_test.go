package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/config"
	"github.com/JakeFAU/review-reply-crawler/internal/logging"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

const fixture = `{"PlatformReviewID":"pr-1","ReviewerName":"kim","Ratings":{"overall":5},"Text":"great","ReviewDate":"2025-03-01T12:00:00Z"}
{"PlatformReviewID":"pr-2","ReviewerName":"lee","Ratings":{"overall":3},"Text":"ok","ReviewDate":"2025-03-02T12:00:00Z"}
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "platform_a.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeout: 5 * time.Second},
		Logging: logging.Config{Level: "error"},
		Platforms: map[string]config.PlatformConfig{
			"platform_a": {Kind: config.KindStatic, FixturePath: path},
		},
		Storage: config.StorageConfig{Backend: config.BackendMemory},
		Seed: []config.SeedStore{{
			ID: "s1", OwnerID: "o1", Platform: "platform_a",
			ExternalStoreID: "ext-1", AutomationMode: "manual",
		}},
	}
}

func TestBuildAndCycleWithMemoryBackends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	app, err := Build(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	report, err := app.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Eligible)
	require.Equal(t, 1, report.Completed)
	require.Len(t, report.Sessions, 1)

	session, err := app.sessions.Get(ctx, report.Sessions[0])
	require.NoError(t, err)
	require.Equal(t, review.SessionCompleted, session.Status)
	require.Equal(t, 2, session.Counts.New)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stores/s1/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), report.Sessions[0])

	again, err := app.Cycle(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Eligible)
}

func TestMigrateRequiresDatabase(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })
	require.Error(t, app.Migrate(context.Background()))
}

func TestBuildRejectsMissingFixture(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Platforms["platform_a"] = config.PlatformConfig{
		Kind:        config.KindStatic,
		FixturePath: filepath.Join(t.TempDir(), "missing.jsonl"),
	}
	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
}
