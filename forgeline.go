// Package forgeline is the top-level entry point for the Forgeline server.
//
// Use the Builder to compose an application from configuration:
//
//	app, err := forgeline.NewBuilder().WithConfig(cfg).Build(ctx)
//	app.Start(ctx)
//
// Or replace individual components:
//
//	app, err := forgeline.NewBuilder().
//	    WithConfig(cfg).
//	    WithStore(myStore).
//	    WithSandboxProvider(myProvider).
//	    WithGenerator(myGenerator).
//	    Build(ctx)
package forgeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jxucoder/forgeline/internal/config"
	"github.com/jxucoder/forgeline/internal/engine"
	"github.com/jxucoder/forgeline/internal/httpapi"
	"github.com/jxucoder/forgeline/internal/metrics"
	"github.com/jxucoder/forgeline/pkg/archive"
	"github.com/jxucoder/forgeline/pkg/channel"
	slackChannel "github.com/jxucoder/forgeline/pkg/channel/slack"
	telegramChannel "github.com/jxucoder/forgeline/pkg/channel/telegram"
	"github.com/jxucoder/forgeline/pkg/classifier"
	"github.com/jxucoder/forgeline/pkg/contextbuilder"
	"github.com/jxucoder/forgeline/pkg/eventbus"
	"github.com/jxucoder/forgeline/pkg/gitprovider"
	ghImporter "github.com/jxucoder/forgeline/pkg/gitprovider/github"
	"github.com/jxucoder/forgeline/pkg/llm"
	llmAnthropic "github.com/jxucoder/forgeline/pkg/llm/anthropic"
	llmOpenAI "github.com/jxucoder/forgeline/pkg/llm/openai"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/pipeline"
	"github.com/jxucoder/forgeline/pkg/sandbox"
	dockerSandbox "github.com/jxucoder/forgeline/pkg/sandbox/docker"
	mobySandbox "github.com/jxucoder/forgeline/pkg/sandbox/moby"
	"github.com/jxucoder/forgeline/pkg/store"
	"github.com/jxucoder/forgeline/pkg/store/sqldb"
)

// Builder constructs a Forgeline App.
type Builder struct {
	config    *config.Config
	logger    zerolog.Logger
	store     store.Store
	bus       eventbus.Bus
	provider  sandbox.Provider
	llm       llm.Client
	generator pipeline.Generator
	importer  gitprovider.Importer
	archiver  archive.Archiver
	metrics   *metrics.Metrics
	channels  []channel.Channel
	noChannel bool
}

// NewBuilder creates a new Builder with sensible defaults.
func NewBuilder() *Builder {
	return &Builder{logger: zerolog.Nop()}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithLogger sets the root logger.
func (b *Builder) WithLogger(l zerolog.Logger) *Builder {
	b.logger = l
	return b
}

// WithStore sets the persistence implementation.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithBus sets the event bus implementation.
func (b *Builder) WithBus(bus eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithSandboxProvider sets the compute backend for preview sandboxes.
func (b *Builder) WithSandboxProvider(p sandbox.Provider) *Builder {
	b.provider = p
	return b
}

// WithLLM sets the LLM client used by the classifier fallback and the
// default generator.
func (b *Builder) WithLLM(client llm.Client) *Builder {
	b.llm = client
	return b
}

// WithGenerator replaces the LLM-backed code generator.
func (b *Builder) WithGenerator(g pipeline.Generator) *Builder {
	b.generator = g
	return b
}

// WithImporter sets the repository importer for IMPORT_REPOSITORY requests.
func (b *Builder) WithImporter(i gitprovider.Importer) *Builder {
	b.importer = i
	return b
}

// WithArchiver sets where persisted versions are archived.
func (b *Builder) WithArchiver(a archive.Archiver) *Builder {
	b.archiver = a
	return b
}

// WithMetrics sets the metrics registry exposed on /metrics.
func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.metrics = m
	return b
}

// WithChannel adds a channel (Slack, Telegram, etc.) to the application.
func (b *Builder) WithChannel(ch channel.Channel) *Builder {
	b.channels = append(b.channels, ch)
	return b
}

// WithoutConfiguredChannels skips the Slack and Telegram bots the
// configuration would otherwise enable.
func (b *Builder) WithoutConfiguredChannels() *Builder {
	b.noChannel = true
	return b
}

// Build wires the App. Missing components are created from the configuration.
func (b *Builder) Build(ctx context.Context) (*App, error) {
	if b.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		b.config = cfg
	}
	cfg := b.config
	app := &App{config: cfg, logger: b.logger, active: make(map[string]bool)}

	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	app.metrics = b.metrics

	if b.store == nil {
		st, err := sqldb.Open(ctx, cfg.DatabaseDSN())
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}
	app.store = b.store
	app.closers = append(app.closers, b.store.Close)

	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}

	if b.provider == nil {
		p, err := newProvider(ctx, cfg)
		if err != nil {
			app.close()
			return nil, err
		}
		b.provider = p
		if c, ok := p.(interface{ Close() error }); ok {
			app.closers = append(app.closers, c.Close)
		}
	}
	if ne, ok := b.provider.(sandbox.NetworkEnsurer); ok && cfg.DockerNetwork != "" {
		if err := ne.EnsureNetwork(ctx, cfg.DockerNetwork); err != nil {
			b.logger.Warn().Err(err).Str("network", cfg.DockerNetwork).Msg("ensuring sandbox network")
		}
	}

	bus := b.bus
	app.sandboxes = sandbox.NewManager(b.provider, b.store, b.store, sandboxConfig(cfg),
		sandbox.WithLogger(b.logger.With().Str("component", "sandbox").Logger()),
		sandbox.WithOnChange(func(s *model.SandboxSession) {
			app.trackSandbox(s)
			bus.Publish(s.ProjectID, &model.Event{
				ProjectID: s.ProjectID,
				Type:      model.EventSandbox,
				Data:      string(s.Status),
				Detail:    map[string]any{"sandbox_id": s.SandboxID, "framework": s.Framework, "port": s.Port},
			})
		}),
		sandbox.WithProvisionHook(func(projectID string, attempts int, err error) {
			app.metrics.RecordProvision(err)
			if err != nil {
				b.logger.Warn().Err(err).Str("project_id", projectID).Int("attempts", attempts).Msg("provisioning failed")
			}
		}),
	)

	if b.llm == nil {
		b.llm = llmClient(cfg, cfg.LLMModel)
	}
	if b.generator == nil {
		if b.llm == nil {
			app.close()
			return nil, errors.New("no LLM configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
		}
		b.generator = pipeline.NewLLMGenerator(b.llm, "")
	}

	cls, err := b.buildClassifier(ctx, app)
	if err != nil {
		app.close()
		return nil, err
	}

	if b.importer == nil {
		b.importer = ghImporter.New(cfg.GitHubToken)
	}

	if b.archiver == nil {
		b.archiver = archive.Nop{}
		if cfg.MinIOEnabled() {
			a, err := archive.NewMinIO(archive.Config{
				Endpoint:  cfg.MinIOEndpoint,
				AccessKey: cfg.MinIOAccessKey,
				SecretKey: cfg.MinIOSecretKey,
				Bucket:    cfg.MinIOBucket,
				UseSSL:    cfg.MinIOUseSSL,
			})
			if err != nil {
				app.close()
				return nil, fmt.Errorf("initializing archive: %w", err)
			}
			if err := a.EnsureBucket(ctx); err != nil {
				b.logger.Warn().Err(err).Msg("archive bucket unavailable, versions will not be archived until it is")
			}
			b.archiver = a
		}
	}

	ctxOpts := contextbuilder.DefaultOptions()
	if cfg.ContextMaxFiles > 0 {
		ctxOpts.MaxFiles = cfg.ContextMaxFiles
	}
	if cfg.ContextMaxTotalChars > 0 {
		ctxOpts.MaxTotalChars = cfg.ContextMaxTotalChars
	}

	app.engine = engine.New(engine.Config{
		GenerateTimeout:  cfg.GenerateTimeout,
		GenerateAttempts: cfg.GenerateAttempts,
		MaxRebase:        cfg.MaxRebase,
		StepTimeout:      cfg.StepTimeout,
	}, engine.Deps{
		Store:      b.store,
		Bus:        b.bus,
		Sandboxes:  app.sandboxes,
		Classifier: cls,
		Context:    contextbuilder.New(ctxOpts),
		Generator:  b.generator,
		Importer:   b.importer,
		Archiver:   b.archiver,
		Metrics:    app.metrics,
		Logger:     b.logger,
	})
	app.api = httpapi.New(app.engine, app.metrics, b.logger)

	app.channels = append(app.channels, b.channels...)
	if !b.noChannel {
		if cfg.SlackEnabled() {
			app.channels = append(app.channels,
				slackChannel.NewBot(cfg.SlackBotToken, cfg.SlackAppToken, cfg.SlackDefaultProject, app.engine, b.logger))
		}
		if cfg.TelegramEnabled() {
			bot, err := telegramChannel.NewBot(cfg.TelegramBotToken, cfg.TelegramDefaultProject, app.engine, b.logger)
			if err != nil {
				app.close()
				return nil, err
			}
			app.channels = append(app.channels, bot)
		}
	}

	return app, nil
}

func (b *Builder) buildClassifier(ctx context.Context, app *App) (*classifier.Classifier, error) {
	cfg := b.config
	rules := classifier.DefaultRules()
	if cfg.ClassifierRules != "" {
		r, err := classifier.LoadRules(cfg.ClassifierRules)
		if err != nil {
			return nil, fmt.Errorf("loading classifier rules: %w", err)
		}
		rules = r
	}

	var cache classifier.Cache = classifier.NewMemoryCache(1024, cfg.ClassifierCacheTTL)
	if cfg.RedisURL != "" {
		rc, err := classifier.NewRedisCache(ctx, cfg.RedisURL, cfg.ClassifierCacheTTL, b.logger)
		if err != nil {
			b.logger.Warn().Err(err).Msg("redis classifier cache unavailable, using in-process cache")
		} else {
			cache = rc
			app.closers = append(app.closers, rc.Close)
		}
	}

	opts := []classifier.Option{
		classifier.WithRules(rules),
		classifier.WithCache(cache),
		classifier.WithMemo(b.store),
		classifier.WithLogger(b.logger.With().Str("component", "classifier").Logger()),
		classifier.WithObserver(func(s classifier.Source) { app.metrics.RecordClassification(string(s)) }),
	}
	if c := llmClient(cfg, cfg.ClassifierModel); c != nil {
		opts = append(opts, classifier.WithLLM(c))
	} else if b.llm != nil {
		opts = append(opts, classifier.WithLLM(b.llm))
	}
	return classifier.New(opts...), nil
}

func newProvider(ctx context.Context, cfg *config.Config) (sandbox.Provider, error) {
	switch cfg.SandboxProvider {
	case "moby":
		p, err := mobySandbox.New()
		if err != nil {
			return nil, fmt.Errorf("connecting to Docker Engine: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("pinging Docker Engine: %w", err)
		}
		return p, nil
	case "", "docker":
		return dockerSandbox.New(), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", cfg.SandboxProvider)
	}
}

func sandboxConfig(cfg *config.Config) sandbox.Config {
	sc := sandbox.DefaultConfig()
	if cfg.DockerImage != "" {
		sc.Image = cfg.DockerImage
	}
	sc.Network = cfg.DockerNetwork
	sc.Env = cfg.SandboxEnv
	if cfg.SandboxExpiry > 0 {
		sc.Expiry = cfg.SandboxExpiry
	}
	if cfg.SandboxSweep > 0 {
		sc.SweepInterval = cfg.SandboxSweep
	}
	if cfg.InstallTimeout > 0 {
		sc.InstallTimeout = cfg.InstallTimeout
	}
	if cfg.StartTimeout > 0 {
		sc.StartTimeout = cfg.StartTimeout
	}
	if cfg.ProvisionAttempts > 0 {
		sc.Provision.MaxAttempts = cfg.ProvisionAttempts
	}
	if cfg.SandboxMemoryMB > 0 {
		sc.MemoryMB = cfg.SandboxMemoryMB
	}
	if cfg.SandboxCPUs > 0 {
		sc.CPUs = cfg.SandboxCPUs
	}
	if cfg.SandboxPidsLimit > 0 {
		sc.PidsLimit = cfg.SandboxPidsLimit
	}
	return sc
}

// llmClient creates an LLM client from the configured API keys. Anthropic
// wins when both are set. Returns nil if no key is configured.
func llmClient(cfg *config.Config, modelName string) llm.Client {
	if cfg.AnthropicAPIKey != "" {
		return llmAnthropic.New(cfg.AnthropicAPIKey, modelName)
	}
	if cfg.OpenAIAPIKey != "" {
		return llmOpenAI.New(cfg.OpenAIAPIKey, modelName)
	}
	return nil
}

// App is a wired Forgeline application.
type App struct {
	config    *config.Config
	logger    zerolog.Logger
	store     store.Store
	metrics   *metrics.Metrics
	sandboxes *sandbox.Manager
	engine    *engine.Engine
	api       *httpapi.Server
	channels  []channel.Channel
	closers   []func() error

	mu     sync.Mutex
	active map[string]bool // projects with an active sandbox
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// API returns the HTTP front end.
func (a *App) API() *httpapi.Server { return a.api }

// Sandboxes returns the sandbox session manager.
func (a *App) Sandboxes() *sandbox.Manager { return a.sandboxes }

// Start runs the engine, the sandbox sweeper, the channels and the HTTP
// server. Blocks until ctx is done, then shuts everything down.
func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		a.close()
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sandboxes.Run(ctx)
	}()

	for _, ch := range a.channels {
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error().Err(err).Str("channel", ch.Name()).Msg("channel stopped")
			}
		}()
	}

	err := a.api.ListenAndServe(ctx, a.config.ServerAddr)

	a.engine.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a.sandboxes.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
	a.close()
	return err
}

func (a *App) trackSandbox(s *model.SandboxSession) {
	a.mu.Lock()
	if s.Status == model.SandboxActive {
		a.active[s.ProjectID] = true
	} else {
		delete(a.active, s.ProjectID)
	}
	n := len(a.active)
	a.mu.Unlock()
	a.metrics.SetActiveSandboxes(n)
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("closing resource")
		}
	}
	a.closers = nil
}
