package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/langbot-app/LangBot/internal/api"
	"github.com/langbot-app/LangBot/internal/command"
	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/observability"
	"github.com/langbot-app/LangBot/internal/persistence"
	"github.com/langbot-app/LangBot/internal/pipeline"
	"github.com/langbot-app/LangBot/internal/platform"
	"github.com/langbot-app/LangBot/internal/platform/discord"
	"github.com/langbot-app/LangBot/internal/platform/slack"
	"github.com/langbot-app/LangBot/internal/platform/telegram"
	"github.com/langbot-app/LangBot/internal/platform/webchat"
	"github.com/langbot-app/LangBot/internal/plugin"
	"github.com/langbot-app/LangBot/internal/provider"
	"github.com/langbot-app/LangBot/internal/rag/knowledge"
	"github.com/langbot-app/LangBot/internal/rag/retriever"
	"github.com/langbot-app/LangBot/internal/session"
	"github.com/langbot-app/LangBot/internal/vdb"
	"github.com/langbot-app/LangBot/pkg/message"

	// Stage registrations.
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/bansess"
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/longtext"
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/preproc"
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/process"
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/ratelimit"
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/respback"
	_ "github.com/langbot-app/LangBot/internal/pipeline/stages/resprule"
)

const shutdownGrace = 15 * time.Second

// app holds the assembled runtime.
type app struct {
	cfg    *config.Config
	raw    map[string]any
	logger *observability.Logger

	metrics   *observability.Metrics
	stores    persistence.StoreSet
	vdbs      *vdb.Manager
	models    *provider.ModelManager
	retriever *retriever.Retriever
	connector *plugin.Connector
	kbs       *knowledge.Manager
	sessions  *session.Manager
	pool      *pipeline.Pool
	pipelines *pipeline.Manager
	bots      *platform.BotManager
	webchat   *webchat.Adapter
	server    *api.Server

	maint *cron.Cron
}

func runServe(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.server.Start(ctx); err != nil {
		return err
	}
	go a.bots.RunAll(ctx)

	// Maintenance: file rows stranded mid-ingest by a crash are failed
	// once they predate this process.
	start := time.Now()
	a.maint = cron.New()
	_, _ = a.maint.AddFunc("@every 10m", func() {
		if n := a.kbs.ReapOrphans(context.Background(), start); n > 0 {
			a.logger.Info(context.Background(), "reaped orphan ingest files", "count", n)
		}
	})
	a.maint.Start()

	a.logger.Info(ctx, "gateway started", "version", version)
	<-ctx.Done()
	a.logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn(shutdownCtx, "http shutdown", "error", err)
	}
	a.bots.Shutdown(shutdownCtx)
	a.kbs.WaitIngests()
	return nil
}

func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	raw, err := config.LoadRaw(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{
		cfg: cfg,
		raw: raw,
		logger: observability.NewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		}),
	}
	a.metrics = observability.NewMetrics(prometheus.DefaultRegisterer)

	if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a.stores, err = persistence.NewSQLiteStoreSet(filepath.Join(cfg.Storage.Path, "langbot.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.vdbs, err = vdb.NewManager(&cfg.VDB, a.logger)
	if err != nil {
		return nil, fmt.Errorf("vdb: %w", err)
	}

	a.models = provider.NewModelManager()
	if err := a.loadModels(); err != nil {
		return nil, err
	}

	a.sessions = session.NewManager()
	a.pool = pipeline.NewPool()
	a.retriever = retriever.AutoConfigure(a.vdbs, a.models, a.buildReranker(), a.logger)

	blobs, err := knowledge.NewBlobStore(filepath.Join(cfg.Storage.Path, "blobs"))
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}

	var engine knowledge.Engine
	var emitter pipeline.EventEmitter
	var tools pipeline.ToolDispatcher
	var runtimeHandler *plugin.Handler
	if cfg.Plugin.Enable {
		runtimeHandler = &plugin.Handler{
			Stores:  a.stores,
			Pool:    a.pool,
			Models:  a.models,
			VDBs:    a.vdbs,
			Blobs:   blobs,
			Version: version,
			Config:  raw,
		}
		a.connector = plugin.NewConnector(cfg.Plugin.RuntimeWSURL, runtimeHandler, a.logger)
		engine = a.connector
		emitter = a.connector
		tools = a.connector
	}

	a.kbs = knowledge.NewManager(a.stores, engine, a.retriever, blobs, a.logger)
	if err := a.kbs.Load(ctx); err != nil {
		return nil, fmt.Errorf("load knowledge bases: %w", err)
	}

	commands := command.NewRegistry(cfg.Command.Prefix)
	if a.connector != nil {
		commands.Plugins = a.connector
	}
	if err := command.RegisterBuiltins(commands); err != nil {
		return nil, fmt.Errorf("register commands: %w", err)
	}

	a.pipelines = pipeline.NewManager(&pipeline.StageDeps{
		Logger:   a.logger,
		Metrics:  a.metrics,
		Pool:     a.pool,
		Sessions: a.sessions,
		Models:   a.models,
		KBs:      a.kbs,
		Emitter:  emitter,
		Tools:    tools,
		Commands: commands,
	}, cfg.Concurrency.Pipeline, cfg.Concurrency.QueueDepth)

	defaultPipeline, err := a.loadPipelines(ctx)
	if err != nil {
		return nil, err
	}

	a.bots = platform.NewBotManager(a.logger)
	if err := a.loadBots(defaultPipeline); err != nil {
		return nil, err
	}
	if err := a.loadWebchat(defaultPipeline); err != nil {
		return nil, err
	}
	if runtimeHandler != nil {
		runtimeHandler.Bots = a.bots
	}

	a.server = api.NewServer(api.Deps{
		Config: cfg.API,
		Logger: a.logger,
		Dispatcher: &platform.Dispatcher{
			Bots:      a.bots,
			Logger:    a.logger,
			Saturated: a.pipelines.Saturated,
		},
		WebChat:   a.webchat,
		Pipelines: a.pipelines,
		Pool:      a.pool,
	})
	return a, nil
}

func (a *app) close() {
	if a.maint != nil {
		a.maint.Stop()
	}
	if a.connector != nil {
		_ = a.connector.Close()
	}
	if a.vdbs != nil {
		_ = a.vdbs.Close()
	}
	_ = a.stores.Close()
}

// buildReranker reads the rag.rerank section; a nil return disables
// reranking so fused order stands.
func (a *app) buildReranker() retriever.Reranker {
	rag, _ := a.raw["rag"].(map[string]any)
	rr, _ := rag["rerank"].(map[string]any)
	if !config.GetBool(rr, "enable", false) {
		return nil
	}
	return retriever.NewSimpleReranker(a.models, config.GetString(rr, "embedding_model", ""))
}

// loadModels registers the LLM and embedding models declared under the
// raw models section.
func (a *app) loadModels() error {
	models, _ := a.raw["models"].(map[string]any)
	for _, kind := range []string{"llm", "embedding"} {
		entries, _ := models[kind].([]any)
		for _, entry := range entries {
			spec, ok := entry.(map[string]any)
			if !ok {
				return fmt.Errorf("models.%s entries must be objects, got %T", kind, entry)
			}
			model := &provider.RuntimeModel{
				UUID:         config.GetString(spec, "uuid", ""),
				Name:         config.GetString(spec, "name", ""),
				ProviderType: config.GetString(spec, "provider", "openai"),
				Model:        config.GetString(spec, "model", ""),
				APIKey:       config.GetString(spec, "api_key", ""),
				BaseURL:      config.GetString(spec, "base_url", ""),
			}
			if abilities, ok := spec["abilities"].([]any); ok {
				for _, ab := range abilities {
					if s, ok := ab.(string); ok {
						model.Abilities = append(model.Abilities, s)
					}
				}
			}
			if model.UUID == "" {
				return fmt.Errorf("models.%s entry missing uuid", kind)
			}
			var err error
			if kind == "llm" {
				err = a.models.LoadLLM(model)
			} else {
				err = a.models.LoadEmbedding(model)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// loadPipelines materializes the configured pipelines and returns the
// uuid bots bind to when they name none. With no pipelines configured a
// permissive default is created.
func (a *app) loadPipelines(ctx context.Context) (string, error) {
	entries, _ := a.raw["pipelines"].([]any)
	if len(entries) == 0 {
		entity := pipeline.PipelineEntity{
			UUID: "default",
			Name: "default",
			Config: map[string]any{
				"trigger": map[string]any{
					"access-control": map[string]any{"mode": "blacklist", "blacklist": []any{}},
				},
			},
		}
		if err := a.pipelines.LoadPipeline(ctx, entity); err != nil {
			return "", err
		}
		return entity.UUID, nil
	}

	first := ""
	for _, entry := range entries {
		spec, ok := entry.(map[string]any)
		if !ok {
			return "", fmt.Errorf("pipelines entries must be objects, got %T", entry)
		}
		entity := pipeline.PipelineEntity{
			UUID: config.GetString(spec, "uuid", ""),
			Name: config.GetString(spec, "name", ""),
		}
		if entity.UUID == "" {
			return "", fmt.Errorf("pipeline entry missing uuid")
		}
		if stages, ok := spec["stages"].([]any); ok {
			for _, st := range stages {
				if s, ok := st.(string); ok {
					entity.Stages = append(entity.Stages, s)
				}
			}
		}
		if cfgMap, ok := spec["config"].(map[string]any); ok {
			entity.Config = cfgMap
		} else {
			entity.Config = map[string]any{}
		}
		if err := a.pipelines.LoadPipeline(ctx, entity); err != nil {
			return "", err
		}
		if first == "" {
			first = entity.UUID
		}
	}
	return first, nil
}

// loadBots builds one adapter per configured bot and installs the
// pipeline ingress listener.
func (a *app) loadBots(defaultPipeline string) error {
	entries, _ := a.raw["bots"].([]any)
	for _, entry := range entries {
		spec, ok := entry.(map[string]any)
		if !ok {
			return fmt.Errorf("bots entries must be objects, got %T", entry)
		}

		uuid := config.GetString(spec, "uuid", "")
		platformName := config.GetString(spec, "adapter", "")
		if uuid == "" || platformName == "" {
			return fmt.Errorf("bot entry requires uuid and adapter")
		}

		adapter, err := a.buildAdapter(platformName, spec)
		if err != nil {
			return fmt.Errorf("bot %s: %w", uuid, err)
		}

		bot := &platform.RuntimeBot{
			UUID:    uuid,
			Name:    config.GetString(spec, "name", uuid),
			Enable:  config.GetBool(spec, "enable", true),
			Adapter: adapter,
		}
		bot.SetPipeline(config.GetString(spec, "pipeline", defaultPipeline))

		if err := a.bots.LoadBot(bot, a.ingressListener(bot, platformName)); err != nil {
			return fmt.Errorf("bot %s: %w", uuid, err)
		}
	}
	return nil
}

func (a *app) buildAdapter(platformName string, spec map[string]any) (platform.Adapter, error) {
	switch platformName {
	case "telegram":
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:  config.GetString(spec, "token", ""),
			Logger: a.logger,
		})
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case "discord":
		adapter, err := discord.NewAdapter(discord.Config{
			Token:  config.GetString(spec, "token", ""),
			Logger: a.logger,
		})
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case "slack":
		adapter, err := slack.NewAdapter(slack.Config{
			BotToken: config.GetString(spec, "bot_token", ""),
			Logger:   a.logger,
		})
		if err != nil {
			return nil, err
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("unknown adapter type: %s", platformName)
	}
}

// loadWebchat installs the always-on debug console bot.
func (a *app) loadWebchat(defaultPipeline string) error {
	a.webchat = webchat.NewAdapter(a.logger)

	bot := &platform.RuntimeBot{
		UUID:    "webchat",
		Name:    "webchat",
		Enable:  true,
		Adapter: a.webchat,
	}
	bot.SetPipeline(defaultPipeline)
	a.webchat.SelectPipeline = bot.SetPipeline

	return a.bots.LoadBot(bot, a.ingressListener(bot, "webchat"))
}

// ingressListener turns an inbound platform event into a pooled query
// and runs it through the bot's pipeline.
func (a *app) ingressListener(bot *platform.RuntimeBot, platformName string) platform.EventListener {
	return func(ctx context.Context, event message.Event, adapter platform.Adapter) error {
		pipelineUUID := bot.PipelineUUID()
		rt, ok := a.pipelines.Get(pipelineUUID)
		if !ok {
			return fmt.Errorf("bot %s: pipeline not loaded: %s", bot.UUID, pipelineUUID)
		}

		launcherType := session.LauncherPerson
		if event.EventType() == "GroupMessage" {
			launcherType = session.LauncherGroup
		}

		q := &pipeline.Query{
			QueryID:        a.pool.NextID(),
			LauncherType:   launcherType,
			LauncherID:     event.LauncherID(),
			SenderID:       event.SenderID(),
			Adapter:        adapter,
			BotUUID:        bot.UUID,
			MessageEvent:   event,
			MessageChain:   event.Chain(),
			PipelineUUID:   pipelineUUID,
			PipelineConfig: rt.Entity.Config,
		}
		a.pool.Add(q)
		a.metrics.MessageCounter.WithLabelValues(platformName, "inbound").Inc()

		return a.pipelines.Execute(ctx, q)
	}
}
