package main

import (
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/sip-push-dispatch/internal/config"
	"github.com/tinywideclouds/sip-push-dispatch/internal/platform/generic"
	"github.com/tinywideclouds/sip-push-dispatch/pkg/push"
)

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "push-dispatch")
	slog.SetDefault(logger)

	configPath := os.Getenv("PUSH_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		logger.Error("failed to read config file", "path", configPath, "err", err)
		os.Exit(1)
	}

	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		logger.Error("failed to unmarshal config", "err", err)
		os.Exit(1)
	}

	cfg, err := config.FromYAML(&yamlCfg)
	if err != nil {
		logger.Error("config validation failed", "err", err)
		os.Exit(1)
	}
	cfg = config.ApplyEnvOverrides(cfg)

	service := push.NewService(logger)

	if cfg.PushIOSCertDir != "" {
		if err := service.SetupIOSClients(cfg.PushIOSCertDir, cfg.PushIOSCAFile, true); err != nil {
			logger.Error("failed to set up iOS clients", "err", err)
			os.Exit(1)
		}
	}

	if len(cfg.FirebaseProjectsAPIKeys) > 0 || len(cfg.FirebaseServiceAccounts) > 0 {
		helperPath := os.Getenv("FCM_TOKEN_HELPER")
		anticipation := time.Duration(cfg.FirebaseTokenExpirationAnticipation) * time.Second
		minInterval := time.Duration(cfg.FirebaseDefaultRefreshIntervalSec) * time.Second
		if err := service.SetupFirebaseClients(cfg, push.FirebaseSetupConfig{
			RefreshHelperPath:  helperPath,
			AnticipationWindow: anticipation,
			MinRefreshInterval: minInterval,
		}); err != nil {
			logger.Error("failed to set up Firebase clients", "err", err)
			os.Exit(1)
		}
	}

	if cfg.GenericClientURL != "" {
		method := generic.Method(cfg.GenericClientMethod)
		protocol := generic.Protocol(cfg.GenericClientProtocol)
		if err := service.SetupGenericClient(cfg.GenericClientURL, "", method, protocol); err != nil {
			logger.Error("failed to set up generic client", "err", err)
			os.Exit(1)
		}
	}

	logger.Info("push dispatch subsystem ready", "transport", cfg.Transport)

	// The SIP message router that produces PushInfo values and calls
	// service.MakeRequest/SendPush lives outside this core (spec.md §1);
	// this binary only demonstrates wiring the subsystem up.
	select {}
}
