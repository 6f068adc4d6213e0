// Package app wires all Ensemble subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject fakes via functional options (WithStore,
// WithToolExecutor). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/ensemble/internal/admission"
	"github.com/MrWong99/ensemble/internal/bot"
	"github.com/MrWong99/ensemble/internal/config"
	"github.com/MrWong99/ensemble/internal/discord"
	"github.com/MrWong99/ensemble/internal/gateway"
	"github.com/MrWong99/ensemble/internal/health"
	"github.com/MrWong99/ensemble/internal/observe"
	"github.com/MrWong99/ensemble/internal/orchestrator"
	"github.com/MrWong99/ensemble/internal/pipeline"
	"github.com/MrWong99/ensemble/internal/tools"
	"github.com/MrWong99/ensemble/internal/tools/mcphost"
	"github.com/MrWong99/ensemble/pkg/chat"
	"github.com/MrWong99/ensemble/pkg/memory"
	"github.com/MrWong99/ensemble/pkg/memory/memstore"
	"github.com/MrWong99/ensemble/pkg/memory/postgres"
	"github.com/MrWong99/ensemble/pkg/provider/embeddings"
	"github.com/MrWong99/ensemble/pkg/provider/llm"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	registry  *bot.Registry
	admission *admission.Table
	store     memory.ConversationStore
	executor  tools.Executor
	pipe      *pipeline.Pipeline
	orch      *orchestrator.Orchestrator
	gw        *gateway.Server
	frontend  *discord.Frontend
	server    *http.Server

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of creating one from config.
func WithStore(s memory.ConversationStore) Option {
	return func(a *App) { a.store = s }
}

// WithToolExecutor injects a tool executor instead of building an MCP host.
func WithToolExecutor(e tools.Executor) Option {
	return func(a *App) { a.executor = e }
}

// WithLogger sets the application logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) {
		if log != nil {
			a.log = log
		}
	}
}

// New wires all subsystems together. The providers struct comes from
// main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initParticipants(); err != nil {
		return nil, fmt.Errorf("app: init participants: %w", err)
	}
	a.initPipeline()
	a.initOrchestration()
	a.initHTTP()

	return a, nil
}

// initStore connects the conversation store: PostgreSQL when a DSN is
// configured, otherwise the in-memory store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		a.log.Warn("using in-memory conversation store, history is volatile")
		a.store = memstore.New()
		return nil
	}

	dims := a.cfg.Memory.EmbeddingDimensions
	if a.providers.Embeddings != nil {
		// The vector column must match what the model actually produces;
		// when the provider knows its size, it wins over the config value.
		if d := a.providers.Embeddings.Dimensions(); d > 0 && d != dims {
			a.log.Warn("embedding dimensions adjusted to provider model",
				"configured", dims, "provider", d)
			dims = d
		}
	}
	store, err := postgres.New(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initTools builds the MCP host and registers all configured tool servers.
func (a *App) initTools(ctx context.Context) error {
	if a.executor != nil {
		return nil
	}
	if len(a.cfg.Tools.Servers) == 0 {
		return nil
	}

	host := mcphost.New()
	for _, srv := range a.cfg.Tools.Servers {
		err := host.RegisterServer(ctx, mcphost.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			host.Close()
			return fmt.Errorf("register tool server %q: %w", srv.Name, err)
		}
		a.log.Info("registered tool server", "name", srv.Name, "transport", string(srv.Transport))
	}
	a.executor = host
	a.closers = append(a.closers, host.Close)
	return nil
}

// initParticipants loads the configured bots into the registry.
func (a *App) initParticipants() error {
	a.registry = bot.NewRegistry(bot.WithRegistryLogger(a.log))
	for _, b := range a.cfg.Bots {
		if err := a.registry.Add(b); err != nil {
			return err
		}
	}
	if len(a.cfg.Bots) == 0 {
		a.log.Warn("no bots configured")
	}
	return nil
}

func (a *App) initPipeline() {
	a.admission = admission.NewTable(admission.WithLogger(a.log))
	a.closers = append(a.closers, func() error {
		a.admission.Close()
		return nil
	})

	popts := []pipeline.Option{
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(a.log),
	}
	if a.executor != nil {
		popts = append(popts, pipeline.WithToolExecutor(a.executor))
	}
	if recall, ok := a.store.(memory.Recall); ok && a.providers.Embeddings != nil {
		popts = append(popts, pipeline.WithRecall(recall, a.providers.Embeddings))
	}
	a.pipe = pipeline.New(a.providers.LLM, a.store, a.cfg.PipelineSettings(), popts...)
}

// initOrchestration builds the orchestrator and both frontends. Responses
// fan out to the WebSocket feed and, when configured, the Discord channel.
func (a *App) initOrchestration() {
	deliver := func(conversationID string, msg chat.Message) {
		a.gw.Broadcast(conversationID, msg)
		if a.frontend != nil {
			a.frontend.Deliver(conversationID, msg)
		}
	}

	a.orch = orchestrator.New(a.registry, a.admission, a.pipe, a.store, deliver,
		orchestrator.WithVoiceCooldown(a.cfg.Pipeline.VoiceCooldown.Std()),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(a.log),
	)
}

func (a *App) initHTTP() {
	checkers := []health.Checker{
		{
			Name: "store",
			Check: func(ctx context.Context) error {
				_, err := a.store.Recent(ctx, "healthcheck", 1)
				return err
			},
		},
	}

	a.gw = gateway.New(a.orch, a.store, checkers,
		gateway.WithMetrics(a.metrics),
		gateway.WithLogger(a.log),
	)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.gw,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ConnectDiscord starts the optional Discord frontend. Call before Run.
func (a *App) ConnectDiscord() error {
	if a.cfg.Discord.Token == "" {
		return nil
	}
	f, err := discord.New(a.cfg.Discord.Token, a.cfg.Discord.ChannelID, a.orch,
		discord.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.frontend = f
	a.closers = append(a.closers, f.Close)
	return nil
}

// Orchestrator exposes the orchestrator, primarily for tests.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Handler exposes the HTTP handler, primarily for tests.
func (a *App) Handler() http.Handler { return a.gw }

// Run serves HTTP until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.log.Info("ensemble running",
		"addr", a.cfg.Server.ListenAddr, "bots", len(a.cfg.Bots))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	}
}

// ApplyConfig applies a hot-reloaded config. Bot changes take effect live;
// anything else is reported and needs a restart.
func (a *App) ApplyConfig(old, updated *config.Config) {
	diff := config.ComputeDiff(old, updated)
	if diff.Empty() {
		return
	}

	for _, b := range diff.AddedBots {
		if err := a.registry.Add(b); err != nil {
			a.log.Error("reload: add bot failed", "bot", b.ID, "error", err)
			continue
		}
		a.log.Info("reload: bot added", "bot", b.ID)
	}
	for _, b := range diff.UpdatedBots {
		if err := a.registry.Update(b); err != nil {
			a.log.Error("reload: update bot failed", "bot", b.ID, "error", err)
			continue
		}
		a.log.Info("reload: bot updated", "bot", b.ID)
	}
	for _, id := range diff.RemovedBots {
		a.registry.Remove(id)
		a.log.Info("reload: bot removed", "bot", id)
	}

	if diff.PipelineChanged {
		a.log.Warn("reload: pipeline settings changed, restart required to apply")
	}
	for _, section := range diff.RestartRequired {
		a.log.Warn("reload: section changed, restart required to apply", "section", section)
	}
}

// Shutdown stops accepting requests, drains in-flight runs, and closes all
// subsystems in reverse dependency order.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		a.orch.Close()
		a.gw.Close()

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
