package forgeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/forgeline/internal/config"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/pipeline"
	"github.com/jxucoder/forgeline/pkg/sandbox/sandboxtest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ServerAddr:         "127.0.0.1:0",
		DataDir:            dir,
		DatabaseURL:        filepath.Join(dir, "forgeline.db"),
		SandboxProvider:    "docker",
		ClassifierCacheTTL: time.Hour,
		GenerateAttempts:   2,
		GenerateTimeout:    5 * time.Second,
		MaxRebase:          2,
	}
}

func staticGenerator() pipeline.Generator {
	return pipeline.GeneratorFunc(func(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
		return &pipeline.Result{
			Name:  "Landing page",
			Files: map[string]string{"index.html": "<h1>" + req.Prompt + "</h1>"},
		}, nil
	})
}

func TestBuildRequiresGenerator(t *testing.T) {
	_, err := NewBuilder().
		WithConfig(testConfig(t)).
		WithSandboxProvider(sandboxtest.New()).
		WithoutConfiguredChannels().
		Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestBuildAndRunRequest(t *testing.T) {
	ctx := context.Background()
	app, err := NewBuilder().
		WithConfig(testConfig(t)).
		WithSandboxProvider(sandboxtest.New()).
		WithGenerator(staticGenerator()).
		WithoutConfiguredChannels().
		Build(ctx)
	require.NoError(t, err)
	t.Cleanup(app.close)

	eng := app.Engine()
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(eng.Stop)

	srv := httptest.NewServer(app.API())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/projects/site/requests", "application/json",
		strings.NewReader(`{"prompt":"create a landing page"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var head *model.Version
	require.Eventually(t, func() bool {
		head, err = eng.GetHead(ctx, "site")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, head.Number)
	assert.Equal(t, "<h1>create a landing page</h1>", head.Files["index.html"])

	sb, err := eng.SandboxStatus(ctx, "site")
	require.NoError(t, err)
	assert.Equal(t, model.SandboxActive, sb.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(app.metrics.SandboxesActive))
}

func TestTrackSandbox(t *testing.T) {
	app, err := NewBuilder().
		WithConfig(testConfig(t)).
		WithSandboxProvider(sandboxtest.New()).
		WithGenerator(staticGenerator()).
		WithoutConfiguredChannels().
		Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(app.close)

	app.trackSandbox(&model.SandboxSession{ProjectID: "a", Status: model.SandboxActive})
	app.trackSandbox(&model.SandboxSession{ProjectID: "b", Status: model.SandboxActive})
	app.trackSandbox(&model.SandboxSession{ProjectID: "a", Status: model.SandboxActive})
	assert.Equal(t, 2.0, testutil.ToFloat64(app.metrics.SandboxesActive))

	app.trackSandbox(&model.SandboxSession{ProjectID: "a", Status: model.SandboxExpired})
	assert.Equal(t, 1.0, testutil.ToFloat64(app.metrics.SandboxesActive))
}

func TestSandboxConfigFromEnvironmentConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.DockerImage = "custom:1"
	cfg.SandboxExpiry = 2 * time.Minute
	cfg.ProvisionAttempts = 5
	cfg.SandboxEnv = []string{"NODE_ENV=development"}

	sc := sandboxConfig(cfg)
	assert.Equal(t, "custom:1", sc.Image)
	assert.Equal(t, 2*time.Minute, sc.Expiry)
	assert.Equal(t, 5, sc.Provision.MaxAttempts)
	assert.Equal(t, []string{"NODE_ENV=development"}, sc.Env)
}

func TestLLMClientPreference(t *testing.T) {
	assert.Nil(t, llmClient(&config.Config{}, ""))
	assert.NotNil(t, llmClient(&config.Config{OpenAIAPIKey: "sk"}, ""))
	assert.NotNil(t, llmClient(&config.Config{AnthropicAPIKey: "sk", OpenAIAPIKey: "sk"}, ""))
}
