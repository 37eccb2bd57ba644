package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/jobcrawl/internal/app"
	"github.com/JakeFAU/jobcrawl/internal/config"
	"github.com/JakeFAU/jobcrawl/internal/orchestrator"
	"github.com/JakeFAU/jobcrawl/internal/platform"
	"github.com/JakeFAU/jobcrawl/internal/platform/listing"
	"github.com/JakeFAU/jobcrawl/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/jobcrawl/internal/publisher/memory"
	"github.com/JakeFAU/jobcrawl/internal/stealth"
	"github.com/JakeFAU/jobcrawl/internal/storage/memory"
	"github.com/JakeFAU/jobcrawl/internal/store"
)

const boardPage = `<html><body>
  <div class="job" data-id="7"><a href="/jobs/7">Platform Engineer</a><b>Acme</b></div>
  <div class="job" data-id="8"><a href="/jobs/8">SRE</a><b>Initech</b></div>
</body></html>`

const challengePage = `<html><body><div class="g-recaptcha" data-sitekey="k-1"></div></body></html>`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Stealth.Timer = stealth.TimerConfig{
		MinDelay:      time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BurstMinDelay: time.Millisecond,
		BurstMaxDelay: time.Millisecond,
		LongPauseMin:  time.Millisecond,
		LongPauseMax:  2 * time.Millisecond,
	}
	cfg.Orchestrator.ShutdownTimeout = time.Second
	return cfg
}

func boardConfig(p platform.Platform, searchURL string) listing.Config {
	return listing.Config{
		Platform:     p,
		SearchURL:    searchURL,
		ItemSelector: "div.job",
		Fields: listing.Fields{
			ID:       "@data-id",
			Position: "a",
			Company:  "b",
			Link:     "a@href",
		},
		Render: listing.RenderNever,
	}
}

func TestAppCrawlsConfiguredBoards(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wanted":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/", MaxAge: 3600})
			_, _ = w.Write([]byte(boardPage))
		case "/jumpit":
			_, _ = w.Write([]byte(challengePage))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.PubSub.TopicName = "crawl-events"
	cfg.Platforms = map[string]listing.Config{
		"wanted": boardConfig(platform.Wanted, srv.URL+"/wanted?q={keywords}"),
		"jumpit": boardConfig(platform.Jumpit, srv.URL+"/jumpit?q={keywords}"),
	}

	blobs := memory.NewBlobStore()
	tasks := memory.NewTaskStore()
	pub := pubmemory.New()
	ctx := context.Background()

	a, err := app.New(ctx, cfg, nil,
		app.WithBlobStore(blobs),
		app.WithTaskRepository(tasks),
		app.WithPublisher(pub),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	res, err := a.Orchestrator().Crawl(ctx, []string{"wanted", "jumpit"}, orchestrator.SearchParams{Keywords: "go"})
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalJobs)
	require.Equal(t, orchestrator.StatusSuccess, res.Platforms[platform.Wanted].Status)
	require.Equal(t, orchestrator.StatusError, res.Platforms[platform.Jumpit].Status)
	require.Equal(t, srv.URL+"/jobs/7", res.Jobs[0].URL)
	require.Equal(t, 1, a.Jar().Len(), "fetcher cookies land in the shared jar")

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Overall struct {
			TotalTasks int `json:"total_tasks"`
		} `json:"overall"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Overall.TotalTasks)

	_, err = a.SaveSession(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))

	rows, err := tasks.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	failed, err := tasks.ListTasks(ctx, store.TaskFilter{Status: store.TaskFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "jumpit", failed[0].Platform)

	types := map[string]int{}
	for _, m := range pub.Messages() {
		n, ok := m.Payload.(sinks.Notification)
		require.True(t, ok)
		require.Equal(t, "crawl-events", m.Topic)
		types[n.Type]++
	}
	require.Equal(t, 1, types[app.NotificationCaptcha])
	require.Equal(t, 1, types["task_failed"])
	require.Equal(t, 1, types["batch_complete"])

	// A fresh process restores the cookies saved above.
	b, err := app.New(ctx, cfg, nil,
		app.WithBlobStore(blobs),
		app.WithTaskRepository(memory.NewTaskStore()),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	n, err := b.RestoreSession(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, b.Close(ctx))
}

func TestAppWithRegistryOverride(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistry()
	require.NoError(t, reg.Register(platform.Rallit, platform.AdapterFunc(
		func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
			return nil, &platform.Error{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Minute, Err: errors.New("slow down")}
		})))

	cfg := testConfig(t)
	cfg.Server.Enabled = false
	ctx := context.Background()
	a, err := app.New(ctx, cfg, nil,
		app.WithRegistry(reg),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	require.Nil(t, a.Handler())

	res, err := a.Orchestrator().Crawl(ctx, []string{"rallit"}, orchestrator.SearchParams{Keywords: "go"})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.Equal(t, orchestrator.CodeRateLimited, res.Errors[0].Kind)
	require.True(t, a.Orchestrator().Limiter().IsPaused("rallit"))

	n, err := a.RestoreSession(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "missing snapshot is not an error")

	require.NoError(t, a.Close(ctx))
	_, err = a.Orchestrator().Crawl(ctx, []string{"rallit"}, orchestrator.SearchParams{Keywords: "go"})
	require.ErrorIs(t, err, orchestrator.ErrShutdown)
}

// Not parallel: enabling telemetry installs a global tracer provider.
func TestAppTracing(t *testing.T) {
	reg := platform.NewRegistry()
	require.NoError(t, reg.Register(platform.Wanted, platform.AdapterFunc(
		func(context.Context, string, platform.SearchOptions) ([]platform.Job, error) {
			return []platform.Job{{ID: "1", Platform: platform.Wanted, Company: "Acme", Position: "SRE"}}, nil
		})))

	cfg := testConfig(t)
	cfg.Telemetry.Enabled = true
	recorder := tracetest.NewSpanRecorder()
	ctx := context.Background()
	a, err := app.New(ctx, cfg, nil,
		app.WithRegistry(reg),
		app.WithRegisterer(prometheus.NewRegistry()),
		app.WithSpanProcessors(recorder),
	)
	require.NoError(t, err)

	_, err = a.Orchestrator().Crawl(ctx, []string{"wanted"}, orchestrator.SearchParams{Keywords: "go"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, a.Close(ctx))

	names := map[string]int{}
	for _, s := range recorder.Ended() {
		names[s.Name()]++
	}
	require.Equal(t, 1, names["crawl.batch"])
	require.Equal(t, 1, names["crawl.platform"])
	require.Equal(t, 1, names["ops"])
}

func TestAppReadinessReportsOpenBreaker(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(challengePage))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.Stealth.Captcha.Threshold = 1
	cfg.Platforms = map[string]listing.Config{
		"linkedin": boardConfig(platform.LinkedIn, srv.URL+"/?q={keywords}"),
	}
	ctx := context.Background()
	a, err := app.New(ctx, cfg, nil, app.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = a.Orchestrator().Crawl(ctx, []string{"linkedin"}, orchestrator.SearchParams{Keywords: "go"})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "captcha breaker open")
}

func TestAppRejectsBadBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.DB.DSN = "://not-a-dsn"
	_, err := app.New(context.Background(), cfg, nil, app.WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "init task store")
}
