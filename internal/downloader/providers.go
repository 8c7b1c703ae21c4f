package downloader

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/downloader/alldebrid"
	"github.com/rivenmedia/riven/internal/downloader/debridlink"
	"github.com/rivenmedia/riven/internal/downloader/realdebrid"
	"github.com/rivenmedia/riven/internal/downloader/types"
	"github.com/rivenmedia/riven/internal/startup"
)

// BuildProviders constructs the enabled debrid providers from configuration.
// Order is priority order: the orchestrator tries providers in the order
// returned here.
func BuildProviders(cfg config.DownloadersConfig, logger *zerolog.Logger) ([]types.Provider, error) {
	var providers []types.Provider

	if cfg.RealDebrid.Enabled {
		client, err := realdebrid.NewClient(realdebrid.ClientConfig{
			APIKey:   cfg.RealDebrid.APIKey,
			ProxyURL: cfg.ProxyURL,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("realdebrid: %w", err)
		}
		providers = append(providers, client)
	}

	if cfg.DebridLink.Enabled {
		client, err := debridlink.NewClient(debridlink.ClientConfig{
			APIKey:   cfg.DebridLink.APIKey,
			ProxyURL: cfg.ProxyURL,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("debridlink: %w", err)
		}
		providers = append(providers, client)
	}

	if cfg.AllDebrid.Enabled {
		client, err := alldebrid.NewClient(alldebrid.ClientConfig{
			APIKey:   cfg.AllDebrid.APIKey,
			ProxyURL: cfg.ProxyURL,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("alldebrid: %w", err)
		}
		providers = append(providers, client)
	}

	return providers, nil
}

// ValidateProviders verifies each provider's credentials by fetching account
// info, retrying transient network failures. Bad credentials fail immediately.
func ValidateProviders(ctx context.Context, providers []types.Provider, logger *zerolog.Logger) error {
	retryCfg := startup.DefaultRetryConfig()

	for _, p := range providers {
		provider := p
		err := startup.WithRetry(ctx, "validate "+provider.Name(), retryCfg, func() error {
			user, err := provider.GetUserInfo(ctx)
			if err != nil {
				return err
			}
			event := logger.Info().
				Str("provider", provider.Name()).
				Str("username", user.Username).
				Bool("premium", user.Premium)
			if !user.PremiumUntil.IsZero() {
				event = event.Time("premiumUntil", user.PremiumUntil)
			}
			event.Msg("debrid provider validated")

			if !user.Premium {
				logger.Warn().
					Str("provider", provider.Name()).
					Msg("account is not premium, downloads may fail")
			}
			return nil
		}, logger)
		if err != nil {
			return fmt.Errorf("provider %s validation failed: %w", provider.Name(), err)
		}
	}

	return nil
}
