package main

import (
	"fmt"
	"log/slog"

	"github.com/estatereel/renderd/internal/api"
	"github.com/estatereel/renderd/internal/config"
	"github.com/estatereel/renderd/internal/provider"
	"github.com/estatereel/renderd/internal/renderqueue"
	"github.com/estatereel/renderd/internal/telemetry"
	"github.com/estatereel/renderd/internal/transfer"
)

// providerSet is the dispatch chain built from the providers file.
type providerSet struct {
	strategies []provider.Strategy
	local      *provider.LocalStrategy
	queue      *renderqueue.Queue
	outputDir  string
	webhooks   map[string]api.WebhookSource
}

func buildProviders(cfg config.Config, providers []config.ProviderConfig, logger *slog.Logger, metrics *telemetry.Metrics) (*providerSet, error) {
	set := &providerSet{webhooks: make(map[string]api.WebhookSource)}
	retry := transfer.Policy{
		MaxAttempts: cfg.TransferMaxAttempts(),
		BaseDelay:   cfg.TransferBaseDelay(),
		Timeout:     cfg.TransferTimeout(),
	}

	for _, p := range providers {
		switch p.Kind {
		case config.ProviderKindHTTP:
			s, err := provider.NewHTTPStrategy(provider.HTTPConfig{
				Name:          p.Name,
				BaseURL:       p.BaseURL,
				SubmitPath:    p.SubmitPath,
				Token:         p.Token(),
				Format:        p.WebhookFormat,
				PublicURL:     cfg.PublicURL(),
				Timeout:       p.Timeout.Duration,
				RatePerSecond: p.RatePerSecond,
				Burst:         p.Burst,
				Retry:         retry,
				Logger:        logger,
			})
			if err != nil {
				return nil, err
			}
			set.strategies = append(set.strategies, s)
			set.webhooks[p.Name] = api.WebhookSource{Format: p.WebhookFormat, Secret: p.WebhookSecret()}
			if cfg.PublicURL() == "" {
				logger.Warn("no public url configured, provider cannot deliver webhooks", "provider", p.Name)
			}

		case config.ProviderKindLocal:
			outputDir := p.OutputDir
			if outputDir == "" {
				outputDir = cfg.RendersDir()
			}
			renderer, err := provider.NewCommandRenderer(provider.CommandConfig{
				Command:   p.Command,
				Args:      p.Args,
				OutputDir: outputDir,
				Timeout:   p.Timeout.Duration,
				Logger:    logger,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.Name, err)
			}
			local := provider.NewLocalStrategy(p.Name, logger)
			set.queue = renderqueue.New(renderqueue.Config{
				MaxConcurrent: cfg.MaxConcurrentRenders(),
				Render:        renderer.Render,
				Hooks:         local.Hooks(),
				Logger:        logger,
				Metrics:       metrics,
			})
			local.Use(set.queue)
			set.local = local
			set.outputDir = outputDir
			set.strategies = append(set.strategies, local)

		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
		}
	}
	return set, nil
}
