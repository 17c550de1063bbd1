// Package app assembles the federation components from config.
package app

import (
	"database/sql"
	"log/slog"

	"pavillion/internal/config"
	"pavillion/internal/delivery"
	"pavillion/internal/editors"
	"pavillion/internal/events"
	"pavillion/internal/httpsig"
	"pavillion/internal/inbox"
	"pavillion/internal/keys"
	"pavillion/internal/netguard"
	"pavillion/internal/outbox"
	"pavillion/internal/repo"
)

type App struct {
	Config   *config.Config
	Repo     repo.Repo
	Logger   *slog.Logger
	Guard    *netguard.Guard
	Keys     *keys.Store
	Signer   *httpsig.Signer
	Verifier *httpsig.Verifier
	Bus      *events.Bus
	Relay    outbox.Relay
	Inbox    inbox.Processor
	Editors  editors.Service
	Delivery *delivery.Worker
}

// New wires every component against db. The delivery worker is built but
// not started.
func New(cfg *config.Config, db *sql.DB, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: db}
	domainName := cfg.Federation.Domain

	guard := netguard.New(logger, cfg.Netguard.DNSTimeout, cfg.Netguard.FailureAlertThreshold)
	guard.AllowPrivate = cfg.Netguard.AllowPrivate

	store := keys.New(r, keys.Config{
		Domain:        domainName,
		KeygenWorkers: cfg.Federation.KeygenWorkers,
		KeyBits:       cfg.Federation.KeyBits,
		Logger:        logger,
		Guard:         guard,
		FetchTimeout:  cfg.Fetch.Timeout,
		UserAgent:     cfg.Fetch.UserAgent,
	})
	signer := httpsig.NewSigner(store)
	verifier := httpsig.NewVerifier(store, logger)
	verifier.MaxClockSkew = cfg.Server.MaxClockSkew
	bus := events.NewBus(logger)
	relay := outbox.Relay{Store: r, Bus: bus, Domain: domainName, Logger: logger}

	return &App{
		Config:   cfg,
		Repo:     r,
		Logger:   logger,
		Guard:    guard,
		Keys:     store,
		Signer:   signer,
		Verifier: verifier,
		Bus:      bus,
		Relay:    relay,
		Inbox:    inbox.Processor{Actors: store, Repo: r, Logger: logger},
		Editors:  editors.Service{Keys: store, Repo: r, Relay: relay, Domain: domainName, Logger: logger},
		Delivery: delivery.New(delivery.Config{
			Repo:        r,
			Keys:        store,
			Signer:      signer,
			Guard:       guard,
			Bus:         bus,
			Interval:    cfg.Delivery.Interval,
			Timeout:     cfg.Delivery.Timeout,
			MaxAttempts: cfg.Delivery.MaxAttempts,
			UserAgent:   cfg.Fetch.UserAgent,
			Logger:      logger,
		}),
	}
}
