package main

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duaia/backend/internal/auth"
	"github.com/duaia/backend/internal/config"
	"github.com/duaia/backend/internal/gate"
	"github.com/duaia/backend/internal/handlers"
	"github.com/duaia/backend/internal/ledger"
	"github.com/duaia/backend/internal/middleware"
	"github.com/duaia/backend/internal/pricing"
	"github.com/duaia/backend/internal/provider"
	"github.com/duaia/backend/internal/provider/runway"
	"github.com/duaia/backend/internal/provider/suno"
	"github.com/duaia/backend/internal/repository"
	"github.com/duaia/backend/internal/router"
)

// newAdapters registers every provider adapter with the operations it serves.
func newAdapters(cfg *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	sunoAdapter := suno.New(suno.Config{
		BaseURL:     cfg.Suno.BaseURL,
		APIKey:      cfg.Suno.APIKey,
		CallbackURL: callbackURL(cfg, suno.Name),
		RPS:         cfg.Suno.RPS,
		Burst:       cfg.Suno.Burst,
	})
	if err := reg.Register(sunoAdapter, suno.Kinds...); err != nil {
		return nil, err
	}
	runwayAdapter := runway.New(runway.Config{
		BaseURL: cfg.Runway.BaseURL,
		APIKey:  cfg.Runway.APIKey,
		RPS:     cfg.Runway.RPS,
		Burst:   cfg.Runway.Burst,
	})
	if err := reg.Register(runwayAdapter, runway.Kinds...); err != nil {
		return nil, err
	}
	return reg, nil
}

// callbackURL is the push endpoint registered with a provider. The token
// authenticates providers that do not sign their callbacks.
func callbackURL(cfg *config.Config, providerName string) string {
	q := url.Values{middleware.TokenParam: {middleware.CallbackToken(cfg.WebhookSecret, providerName)}}
	return cfg.PublicBaseURL + "/v1/callbacks/" + url.PathEscape(providerName) + "?" + q.Encode()
}

// newHandler builds the HTTP surface on top of the gate and ledger.
func newHandler(
	cfg *config.Config,
	pool *pgxpool.Pool,
	g *gate.Gate,
	ledgerSvc ledger.Service,
	prices *pricing.Table,
	adapters *provider.Registry,
	logger *slog.Logger,
) http.Handler {
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, cfg.AdminEmails)

	return router.New(router.Handlers{
		Auth: auth.NewHandler(authSvc, logger),
		Tasks: &handlers.TaskHandler{
			Gate:   g,
			Prices: prices,
			Logger: logger,
		},
		Accounts: &handlers.AccountHandler{
			Ledger:  ledgerSvc,
			Invites: repository.NewInviteRepo(pool, ledgerSvc),
			Logger:  logger,
		},
		Callbacks: &handlers.CallbackHandler{
			Reporter:  g,
			Providers: adapters,
			Logger:    logger,
		},
	}, router.Options{
		Authenticator: authSvc,
		WebhookSecret: cfg.WebhookSecret,
	})
}
