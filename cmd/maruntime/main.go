// maruntime is the persistent multi-agent runtime server: an
// OpenAI-compatible gateway in front of a pool of long-running tool-using
// agents whose sessions survive process restarts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/maruntime/maruntime/pkg/agent"
	"github.com/maruntime/maruntime/pkg/config"
	"github.com/maruntime/maruntime/pkg/embedders"
	"github.com/maruntime/maruntime/pkg/events"
	"github.com/maruntime/maruntime/pkg/gateway"
	"github.com/maruntime/maruntime/pkg/instance"
	"github.com/maruntime/maruntime/pkg/llms"
	"github.com/maruntime/maruntime/pkg/logger"
	"github.com/maruntime/maruntime/pkg/observability"
	"github.com/maruntime/maruntime/pkg/selector"
	"github.com/maruntime/maruntime/pkg/session"
	"github.com/maruntime/maruntime/pkg/store"
	"github.com/maruntime/maruntime/pkg/templates"
	"github.com/maruntime/maruntime/pkg/tools"
)

var version = "0.1.0"

type CLI struct {
	Config  string `short:"c" help:"Path to the YAML config file." type:"path"`
	EnvFile string `help:"Path to a .env file." default:".env"`
	Debug   bool   `help:"Force debug logging."`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the runtime server."`
	Migrate MigrateCmd `cmd:"" help:"Apply database migrations and exit."`
	Seed    SeedCmd    `cmd:"" help:"Seed builtin tools, prompts, a starter template, and an instance."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("maruntime"),
		kong.Description("Persistent multi-agent runtime."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(cli))
}

func (cli *CLI) bootstrap() (*config.Config, error) {
	if err := config.LoadDotEnv(cli.EnvFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	level, _ := logger.ParseLevel(cfg.Log.Level)
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger.Init(level, os.Stderr, cfg.Log.Format)
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

type ServeCmd struct{}

func (cmd *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.bootstrap()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics, err := observability.InitMetrics(observability.MetricsConfig{Enabled: true})
	if err != nil {
		return err
	}
	observability.SetGlobalMetrics(metrics)

	catalog, err := tools.NewCatalog(ctx, st, cfg.Pool.CatalogRefresh)
	if err != nil {
		return err
	}
	catalog.StartPolling(ctx)
	defer catalog.Close()

	var embedder embedders.Embedder
	if cfg.LLM.APIKey != "" {
		e, err := embedders.NewOpenAIEmbedder(embedders.Config{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.EmbeddingModel,
			Timeout: cfg.LLM.Timeout,
		})
		if err != nil {
			slog.Warn("Embedder unavailable, tool selection falls back to static order", "error", err)
		} else {
			embedder = e
		}
	}

	sel := selector.New(catalog, st, embedder)
	tmplSvc := templates.NewService(st)
	sessions := session.NewService(st, tmplSvc)
	driver := agent.NewDriver(st, catalog, sel, tmplSvc, providerFactory(cfg))

	hub := events.NewHub()
	pool := instance.NewPool(st, driver, hub, tmplSvc, sel, catalog, instance.Config{
		PollInterval:      cfg.Pool.PollInterval,
		HeartbeatInterval: cfg.Pool.HeartbeatInterval,
	})
	if err := pool.Start(ctx); err != nil {
		return err
	}

	gw := gateway.NewServer(st, tmplSvc, sessions, sel, hub, pool)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: gw.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stop()
		pool.Wait()
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	pool.Wait()
	slog.Info("Stopped")
	return nil
}

// providerFactory builds per-template LLM clients over the process-wide
// defaults. Templates may override endpoint, model, and key reference.
func providerFactory(cfg *config.Config) agent.ProviderFactory {
	return func(policy templates.LLMPolicy) (llms.Provider, error) {
		llmCfg := llms.Config{
			BaseURL:    cfg.LLM.BaseURL,
			APIKey:     cfg.LLM.APIKey,
			Model:      cfg.LLM.Model,
			Timeout:    cfg.LLM.Timeout,
			MaxRetries: cfg.LLM.MaxRetries,
		}
		if policy.BaseURL != "" {
			llmCfg.BaseURL = policy.BaseURL
		}
		if policy.Model != "" {
			llmCfg.Model = policy.Model
		}
		if key := config.ResolveAPIKey(policy.APIKeyRef); key != "" {
			llmCfg.APIKey = key
		}
		if llmCfg.APIKey == "" {
			return nil, fmt.Errorf("no API key configured for model %s", llmCfg.Model)
		}
		return llms.NewOpenAIProvider(llmCfg), nil
	}
}

type MigrateCmd struct{}

func (cmd *MigrateCmd) Run(cli *CLI) error {
	cfg, err := cli.bootstrap()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("Migrations applied", "database", cfg.DatabaseURL)
	return nil
}

type SeedCmd struct{}

func (cmd *SeedCmd) Run(cli *CLI) error {
	cfg, err := cli.bootstrap()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := seedTools(ctx, st); err != nil {
		return err
	}
	if err := seedPrompts(ctx, st); err != nil {
		return err
	}
	if err := seedTemplate(ctx, st); err != nil {
		return err
	}
	slog.Info("Seed complete")
	return nil
}

func seedTools(ctx context.Context, st *store.Store) error {
	seeds := []struct {
		entrypoint string
		category   string
	}{
		{"pkg/tools:ReasoningTool", "utility"},
		{"pkg/tools:FinalAnswerTool", "utility"},
		{"pkg/tools:ClarificationTool", "utility"},
		{"pkg/tools:WebSearchTool", "research"},
		{"pkg/tools:ChatHistorySearchTool", "memory"},
		{"pkg/tools:EchoTool", "utility"},
	}
	for _, seed := range seeds {
		builder, ok := tools.LookupBuilder(seed.entrypoint)
		if !ok {
			return fmt.Errorf("no builder registered for %s", seed.entrypoint)
		}
		tool, err := builder(nil, tools.Deps{Store: st})
		if err != nil {
			return fmt.Errorf("failed to build %s: %w", seed.entrypoint, err)
		}
		if err := st.UpsertTool(ctx, &store.Tool{
			Name:        tool.Name(),
			Description: tool.Description(),
			Entrypoint:  seed.entrypoint,
			Category:    seed.category,
			IsActive:    true,
		}); err != nil {
			return err
		}
		slog.Info("Seeded tool", "name", tool.Name())
	}
	return nil
}

func seedPrompts(ctx context.Context, st *store.Store) error {
	seeds := []store.SystemPrompt{
		{
			Name:         templates.PromptNameSystem,
			Content:      templates.DefaultSystemPrompt,
			Placeholders: []string{"available_tools", "current_date"},
		},
		{
			Name:         templates.PromptNameInitialUser,
			Content:      templates.DefaultInitialUserPrompt,
			Placeholders: []string{"task"},
		},
		{
			Name:         templates.PromptNameClarification,
			Content:      templates.DefaultClarificationPrompt,
			Placeholders: []string{"clarifications"},
		},
	}
	for i := range seeds {
		if err := st.UpsertSystemPrompt(ctx, &seeds[i]); err != nil {
			return err
		}
	}
	return nil
}

func seedTemplate(ctx context.Context, st *store.Store) error {
	const name = "sgr-research-agent"
	if _, err := st.GetTemplateByName(ctx, name); err == nil {
		slog.Info("Template already seeded", "name", name)
		return nil
	}

	template, err := st.CreateTemplate(ctx, name, "Schema-guided research agent with retrieval tool selection")
	if err != nil {
		return err
	}
	settings := map[string]any{
		"base_class": templates.BaseSGRToolCalling,
		"execution": map[string]any{
			"max_iterations":      15,
			"time_budget_seconds": 600,
		},
		"tool_policy": map[string]any{
			"required_tools":      []any{tools.NameReasoning, tools.NameFinalAnswer},
			"max_tools_in_prompt": 6,
			"selection_strategy":  templates.SelectionRetrieval,
			"quotas": map[string]any{
				tools.NameWebSearch: map[string]any{"max_calls": 6, "timeout": 30},
			},
		},
	}
	seedVersion, err := st.CreateTemplateVersion(ctx, template.ID, settings, []string{
		tools.NameReasoning,
		tools.NameWebSearch,
		tools.NameChatSearch,
		tools.NameClarification,
		tools.NameFinalAnswer,
	})
	if err != nil {
		return err
	}

	inst := &store.Instance{
		Name:              name + "-1",
		DisplayName:       "Research Agent 1",
		TemplateID:        template.ID,
		TemplateVersionID: seedVersion.ID,
		Enabled:           true,
		AutoStart:         true,
	}
	if err := st.CreateInstance(ctx, inst); err != nil {
		return err
	}
	slog.Info("Seeded template", "name", name, "version", seedVersion.Version, "instance", inst.Name)
	return nil
}

type VersionCmd struct{}

func (cmd *VersionCmd) Run(cli *CLI) error {
	fmt.Println("maruntime " + version)
	return nil
}
