package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/pflag"

	"wechat-relay/handler"
	"wechat-relay/internal/config"
	"wechat-relay/internal/dispatch"
	"wechat-relay/internal/integrations/agent"
	"wechat-relay/internal/integrations/paramstore"
	wechatapi "wechat-relay/internal/integrations/wechat"
	"wechat-relay/internal/repository"
	"wechat-relay/internal/usecase"
	"wechat-relay/internal/wechat"
)

const drainTimeout = 30 * time.Second

// store is what the bridge needs from a storage backend.
type store interface {
	usecase.BindingStore
	usecase.TokenStore
}

func main() {
	if err := run(); err != nil {
		slog.Error("wechat-bridge stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("wechat-bridge", pflag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("RELAY_CONFIG"), "path to a YAML configuration file")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// ---- Configuration (read only here) ----
	cfg, err := config.LoadBridge(*configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.Logger(os.Stderr).With("service", "wechat-bridge")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- AWS SDK config, only when something needs it ----
	var awsCfg aws.Config
	if cfg.ParamPrefix != "" || cfg.Store.Backend == config.BackendDynamoDB {
		if awsCfg, err = awsconfig.LoadDefaultConfig(ctx); err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
	}
	if cfg.ParamPrefix != "" {
		ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return err
		}
		if err := cfg.ResolveSecrets(ctx, ps); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ---- Clients ----
	st, closeStore, err := openStore(ctx, cfg, awsCfg)
	if err != nil {
		return err
	}
	defer closeStore()

	platform, err := wechatapi.NewClient(cfg.WeChat.AppID, cfg.WeChat.AppSecret,
		wechatapi.WithBaseURL(cfg.WeChat.APIBaseURL),
		wechatapi.WithLogger(logger))
	if err != nil {
		return err
	}
	tokens, err := usecase.NewTokenManager(st, platform, usecase.WithTokenLogger(logger))
	if err != nil {
		return err
	}
	dispatcher := agent.NewClient(agent.WithUserAgent("wechat-bridge"))
	runner := dispatch.NewRunner(logger)

	// ---- Services ----
	relay, err := usecase.NewRelayService(st, dispatcher, runner, cfg.Server.BaseURL,
		usecase.WithDispatchTimeout(cfg.DispatchTimeout),
		usecase.WithRelayLogger(logger))
	if err != nil {
		return err
	}
	delivery, err := usecase.NewDeliveryService(platform, tokens, st,
		usecase.WithChunking(cfg.Delivery.ChunkLimit, cfg.Delivery.ChunkInterval),
		usecase.WithCallbackAuth(cfg.Delivery.CallbackAuth),
		usecase.WithDeliveryLogger(logger))
	if err != nil {
		return err
	}

	// ---- Handler ----
	opts := []handler.BridgeOption{handler.WithBridgeLogger(logger)}
	if cfg.WeChat.EncodingAESKey != "" {
		crypter, err := wechat.NewCrypter(cfg.WeChat.Token, cfg.WeChat.EncodingAESKey, cfg.WeChat.AppID)
		if err != nil {
			return err
		}
		opts = append(opts, handler.WithCrypter(crypter))
	}
	bridge, err := handler.NewBridge(relay, delivery, cfg.WeChat.Token, opts...)
	if err != nil {
		return err
	}

	logger.Info("starting", "addr", cfg.Server.Addr(), "store", cfg.Store.Backend, "base_url", cfg.Server.BaseURL, "safe_mode", cfg.WeChat.EncodingAESKey != "")
	serveErr := handler.Serve(ctx, cfg.Server.Addr(), bridge.Routes(), logger)

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := runner.Shutdown(drainCtx); err != nil {
		logger.Warn("background work abandoned", "err", err)
	}
	return serveErr
}

func openStore(ctx context.Context, cfg *config.Bridge, awsCfg aws.Config) (store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendDynamoDB:
		s, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Store.DynamoDBTable, cfg.WeChat.AppID)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case config.BackendRedis:
		s, err := repository.NewRedisClient(cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return repository.NewMemoryStore(), func() {}, nil
	}
}
