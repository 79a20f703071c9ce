// Command aggregator runs the multi-tenant content-aggregation platform's
// HTTP/WebSocket API surface (spec §4.8): job lifecycle, data reads gated by
// the payment gate, the relay, and webhook ingestion. Grounded on the
// teacher's cmd/at/main.go bootstrap shape (into.Init over a single `run`
// entrypoint, config.Load, logi logger construction) generalized from a
// one-shot CLI loop into a long-running server process.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/signalforge/aggregator/internal/cluster"
	"github.com/signalforge/aggregator/internal/config"
	"github.com/signalforge/aggregator/internal/crypto"
	"github.com/signalforge/aggregator/internal/genreg"
	"github.com/signalforge/aggregator/internal/jobmanager"
	"github.com/signalforge/aggregator/internal/payment"
	"github.com/signalforge/aggregator/internal/quota"
	"github.com/signalforge/aggregator/internal/registry"
	"github.com/signalforge/aggregator/internal/relay"
	"github.com/signalforge/aggregator/internal/secretstore"
	"github.com/signalforge/aggregator/internal/server"
	"github.com/signalforge/aggregator/internal/statusbus"
	"github.com/signalforge/aggregator/internal/store"
)

var (
	name    = "aggregator"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		encKey, err = crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}
	}

	platform, err := store.New(ctx, cfg.Store, encKey)
	if err != nil {
		return fmt.Errorf("open platform store: %w", err)
	}
	defer platform.Close()

	reg := registry.New()
	genreg.RegisterBuiltins(reg)
	secrets := secretstore.New(platform, encKey)
	q := quota.New(cfg.Tiers, platform, platform)
	bus := statusbus.New()

	builder := server.NewBuilder(platform, reg, secrets, q, cfg.Platform)
	jobs := jobmanager.New(bus, builder, q, platform)

	var facilitator payment.Facilitator
	if cfg.Payment.FacilitatorURL != "" {
		facilitator, err = payment.NewHTTPFacilitator(cfg.Payment.FacilitatorURL)
		if err != nil {
			return fmt.Errorf("create payment facilitator: %w", err)
		}
	}
	payments := payment.New(facilitator, platform, cfg.Payment.PlatformWallet, cfg.Payment.PlatformFeeBps, cfg.Payment.MemoTTL)

	rl := relay.New(cfg.Relay.RatePerHour, cfg.Relay.Burst, cfg.Relay.AllowedSchemes...)

	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("create cluster: %w", err)
	}
	if cl != nil {
		go func() {
			onNewKey := func(newKey []byte) {
				slog.Info("received encryption key rotation from peer")
			}
			if err := cl.Start(ctx, onNewKey); err != nil && ctx.Err() == nil {
				slog.Error("cluster stopped", "error", err)
			}
		}()
		defer cl.Stop() //nolint:errcheck
	}

	srv := server.New(cfg.Server, platform, reg, secrets, q, jobs, bus, payments, cfg.Payment, rl, cl, builder)

	slog.Info("aggregator listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
	return srv.Start(ctx)
}
