// Command council runs the LLM deliberation engine, either as a one-shot
// CLI deliberation or as an HTTP server.
//
// One-shot mode prints the synthesis to stdout and exits with the verdict
// contract: 0 pass, 1 fail, 2 unclear or low confidence, 3 insufficient
// panel, 4 system error. That makes it usable as a CI quality gate.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dev.helix.council/internal/bias"
	"dev.helix.council/internal/config"
	"dev.helix.council/internal/council"
	"dev.helix.council/internal/events"
	"dev.helix.council/internal/gateway"
	"dev.helix.council/internal/handlers"
	"dev.helix.council/internal/metrics"
	"dev.helix.council/internal/models"
	"dev.helix.council/internal/registry"
	"dev.helix.council/internal/selector"
	"dev.helix.council/internal/transcript"
	"dev.helix.council/internal/version"
)

func main() {
	var (
		serve       = flag.Bool("serve", false, "run the HTTP server instead of a one-shot deliberation")
		prompt      = flag.String("prompt", "", "query prompt (one-shot mode; falls back to positional args)")
		mode        = flag.String("mode", "", "deliberation mode: consensus, debate or binary-verdict")
		tier        = flag.String("tier", "", "minimum model tier: quick, standard, high or frontier")
		verdict     = flag.String("verdict", "", "verdict type: free-form, binary or rubric")
		rubricFocus = flag.String("rubric-focus", "", "dimension to emphasize in review rubrics")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn or error")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().String())
		return
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Error("Configuration invalid")
		os.Exit(models.ExitSystemError)
	}

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Engine startup failed")
		os.Exit(models.ExitSystemError)
	}
	defer eng.close()

	if *serve {
		runServer(eng, cfg, logger)
		return
	}

	text := *prompt
	if text == "" {
		text = strings.Join(flag.Args(), " ")
	}
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(os.Stderr, "usage: council [flags] <prompt>  (or council -serve)")
		os.Exit(models.ExitSystemError)
	}

	os.Exit(runOnce(eng, cfg, logger, &models.Query{
		Prompt:      text,
		Mode:        models.Mode(*mode),
		VerdictType: models.VerdictType(*verdict),
		Tier:        models.Tier(*tier),
		RubricFocus: *rubricFocus,
	}))
}

// engine bundles the wired components and what needs shutting down.
type engine struct {
	council *council.Council
	bus     *events.Bus
	store   *transcript.Store
	redis   *redis.Client
}

func (e *engine) close() {
	e.bus.Close()
	if e.redis != nil {
		e.redis.Close()
	}
}

func buildEngine(cfg *config.Config, logger *logrus.Logger) (*engine, error) {
	provider, err := registry.NewProvider(cfg.Registry, cfg.Gateway.Offline, logger)
	if err != nil {
		return nil, fmt.Errorf("model registry: %w", err)
	}
	sel := selector.New(provider, cfg.Selector)

	var backend gateway.Backend
	if cfg.Gateway.Offline {
		backend = gateway.NewOllamaBackend(cfg.Gateway.OllamaURL)
	} else {
		backend = gateway.NewOpenRouterBackend(cfg.Gateway.OpenRouterAPIKey, cfg.Gateway.OpenRouterURL)
	}
	gw := gateway.New(backend, cfg.Gateway, logger)

	bus := events.NewBus(events.BusConfig{BufferSize: cfg.Events.BufferSize})
	bus.OnDrop = func(*events.LayerEvent) { metrics.EventsDroppedTotal.Inc() }

	store, err := transcript.NewStore(cfg.Transcript.Root, logger)
	if err != nil {
		return nil, fmt.Errorf("transcript store: %w", err)
	}

	eng := &engine{bus: bus, store: store}

	var biasStore bias.Store = bias.NewMemoryStore()
	if cfg.Bias.RedisAddr != "" {
		eng.redis = redis.NewClient(&redis.Options{Addr: cfg.Bias.RedisAddr})
		biasStore = bias.NewRedisStore(eng.redis, 0)
	}
	auditCfg := bias.DefaultConfig()
	auditCfg.DeviationThreshold = cfg.Bias.DeviationThreshold
	auditCfg.CoBiasRho = cfg.Bias.CoBiasThreshold
	auditCfg.CoBiasSessions = cfg.Bias.CoBiasMinSessions
	auditCfg.EWMAAlpha = cfg.Bias.EWMAAlpha
	auditCfg.DownWeight = cfg.Bias.DownWeight
	auditor := bias.NewAuditor(biasStore, auditCfg, logger)

	if cfg.Events.WebhookURL != "" {
		dispatcher := events.NewWebhookDispatcher(events.WebhookConfig{
			URL:    cfg.Events.WebhookURL,
			Secret: cfg.Events.WebhookSecret,
		}, events.DefaultWebhookDispatcherConfig(), logger)
		go dispatcher.Run(context.Background(), bus.Subscribe(""))
	}

	eng.council = council.New(cfg.Council, gw, sel, bus, store, auditor, logger)
	return eng, nil
}

func runOnce(eng *engine, cfg *config.Config, logger *logrus.Logger, query *models.Query) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := eng.council.Deliberate(ctx, query)
	if err != nil {
		logger.WithError(err).Error("Deliberation could not run")
		return models.ExitSystemError
	}

	if result.FailureReason != "" {
		fmt.Fprintf(os.Stderr, "deliberation failed: %s\n", result.FailureReason)
	} else {
		fmt.Println(result.Synthesis)
	}
	logger.WithFields(logrus.Fields{
		"query_id":   result.QueryID,
		"transcript": result.TranscriptLocation,
		"exit_code":  result.ExitCode(),
	}).Info("Deliberation finished")
	return result.ExitCode()
}

func runServer(eng *engine, cfg *config.Config, logger *logrus.Logger) {
	server := handlers.NewServer(eng.council, eng.bus, eng.store, cfg, logger)
	addr := cfg.Server.Host + ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithField("addr", addr).Info("Council server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Graceful shutdown incomplete")
	}
}
