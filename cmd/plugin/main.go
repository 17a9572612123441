package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/pflag"

	"wechat-relay/handler"
	"wechat-relay/internal/config"
	"wechat-relay/internal/dispatch"
	"wechat-relay/internal/integrations/agent"
	"wechat-relay/internal/integrations/openai"
	"wechat-relay/internal/integrations/paramstore"
	"wechat-relay/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("agent-plugin stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("agent-plugin", pflag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("RELAY_CONFIG"), "path to a YAML configuration file")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadPlugin(*configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.Logger(os.Stderr).With("service", "agent-plugin")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ps *paramstore.Client
	if cfg.ParamPrefix != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		if ps, err = paramstore.New(awsssm.NewFromConfig(awsCfg)); err != nil {
			return err
		}
		if err := cfg.ResolveSecrets(ctx, ps); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var invoker usecase.Invoker = agent.EchoInvoker{}
	if cfg.Invoker == config.InvokerOpenAI {
		invoker, err = openai.NewClient(ps, cfg.ParamPrefix,
			openai.WithBaseURL(cfg.OpenAI.BaseURL),
			openai.WithModel(cfg.OpenAI.Model),
			openai.WithSystemPrompt(cfg.OpenAI.SystemPrompt),
			openai.WithModeration(cfg.OpenAI.Moderation))
		if err != nil {
			return err
		}
	}

	runner := dispatch.NewRunner(logger)
	tasks, err := usecase.NewPluginService(invoker, agent.NewClient(agent.WithUserAgent("agent-plugin")), runner, cfg.WebhookToken,
		usecase.WithTaskTimeouts(cfg.TaskTimeout, cfg.CallbackTimeout),
		usecase.WithPluginLogger(logger))
	if err != nil {
		return err
	}
	plugin, err := handler.NewPlugin(tasks, logger)
	if err != nil {
		return err
	}

	logger.Info("starting", "addr", cfg.Server.Addr(), "invoker", cfg.Invoker, "webhook_auth", cfg.WebhookToken != "")
	serveErr := handler.Serve(ctx, cfg.Server.Addr(), plugin.Routes(), logger)

	// In-flight tasks get one full task and callback window to finish.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.TaskTimeout+cfg.CallbackTimeout)
	defer cancel()
	if err := runner.Shutdown(drainCtx); err != nil {
		logger.Warn("background work abandoned", "err", err)
	}
	return serveErr
}
