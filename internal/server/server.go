// Package server implements C8: the HTTP and WebSocket API surface over the
// job manager, storage, secret store, payment gate and relay, built on the
// ada router and middleware stack (route-group layout, admin bearer-token
// middleware) with the gateway/workflow-editor surface replaced by the
// aggregator's own endpoints.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/signalforge/aggregator/internal/cluster"
	"github.com/signalforge/aggregator/internal/config"
	"github.com/signalforge/aggregator/internal/jobmanager"
	"github.com/signalforge/aggregator/internal/payment"
	"github.com/signalforge/aggregator/internal/quota"
	"github.com/signalforge/aggregator/internal/registry"
	"github.com/signalforge/aggregator/internal/relay"
	"github.com/signalforge/aggregator/internal/secretstore"
	"github.com/signalforge/aggregator/internal/statusbus"
	"github.com/signalforge/aggregator/internal/store"
)

// keyRotator is satisfied by store backends that can re-encrypt their secret
// bag and external-store URLs in place (currently only *postgres.Postgres).
type keyRotator interface {
	RotateEncryptionKey(ctx context.Context, newKey []byte) error
}

// Server wires every component behind C8's HTTP/WS surface.
type Server struct {
	cfg config.Server

	server *ada.Server

	platform   store.Platform
	reg        *registry.Registry
	secrets    *secretstore.Store
	quota      *quota.Service
	jobs       *jobmanager.Manager
	bus        *statusbus.Bus
	payments   *payment.Gate
	paymentCfg config.Payment
	relay      *relay.Relay
	cluster    *cluster.Cluster
	builder    *Builder
}

func New(
	cfg config.Server,
	platform store.Platform,
	reg *registry.Registry,
	secrets *secretstore.Store,
	q *quota.Service,
	jobs *jobmanager.Manager,
	bus *statusbus.Bus,
	payments *payment.Gate,
	paymentCfg config.Payment,
	rl *relay.Relay,
	cl *cluster.Cluster,
	builder *Builder,
) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:        cfg,
		server:     mux,
		platform:   platform,
		reg:        reg,
		secrets:    secrets,
		quota:      q,
		jobs:       jobs,
		bus:        bus,
		payments:   payments,
		paymentCfg: paymentCfg,
		relay:      rl,
		cluster:    cl,
		builder:    builder,
	}

	baseGroup := mux.Group(cfg.BasePath)
	if cfg.ForwardAuth != nil {
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}

	apiGroup := baseGroup.Group("/api")

	// Run / lifecycle (spec §4.8).
	apiGroup.POST("/aggregate", s.AggregateAPI)
	apiGroup.POST("/configs/{id}/run", s.RunOnceAPI)
	apiGroup.POST("/runs/continuous", s.RunContinuousAPI)
	apiGroup.POST("/job/{id}/stop", s.StopJobAPI)
	apiGroup.GET("/job/{id}", s.GetJobAPI)

	// Configuration CRUD + secrets (C4/C3).
	apiGroup.GET("/configs", s.ListConfigsAPI)
	apiGroup.POST("/configs", s.CreateConfigAPI)
	apiGroup.GET("/configs/{id}", s.GetConfigAPI)
	apiGroup.PUT("/configs/{id}", s.UpdateConfigAPI)
	apiGroup.DELETE("/configs/{id}", s.DeleteConfigAPI)
	apiGroup.GET("/configs/{id}/secrets", s.ListSecretsAPI)
	apiGroup.PUT("/configs/{id}/secrets/{name}", s.SetSecretAPI)
	apiGroup.DELETE("/configs/{id}/secrets/{name}", s.DeleteSecretAPI)

	// Data (read), monetization-gated (C9).
	apiGroup.GET("/configs/{id}/items", s.withPayment("id", s.ItemsAPI))
	apiGroup.GET("/configs/{id}/summaries", s.withPayment("id", s.SummariesAPI))
	apiGroup.GET("/configs/{id}/topics", s.withPayment("id", s.TopicsAPI))
	apiGroup.GET("/configs/{id}/stats", s.withPayment("id", s.StatsAPI))
	apiGroup.GET("/configs/{id}/context", s.withPayment("id", s.ContextAPI))
	apiGroup.GET("/configs/{id}/summary", s.withPayment("id", s.SummaryByDateAPI))
	apiGroup.POST("/search/{configId}", s.withPayment("configId", s.SearchAPI))
	apiGroup.GET("/search/{configId}", s.withPayment("configId", s.SearchGetAPI))
	apiGroup.POST("/search/multi", s.SearchMultiAPI)

	// Relay (zero-knowledge forwarder, §4.11).
	apiGroup.POST("/relay/execute", s.RelayExecuteAPI)
	apiGroup.POST("/relay/health", s.RelayHealthAPI)
	apiGroup.POST("/relay/status", s.RelayStatusAPI)

	// Webhook ingestion (public, always 200).
	apiGroup.POST("/webhooks/{webhookId}", s.WebhookAPI)

	// WebSocket channel.
	apiGroup.GET("/ws", s.WebSocketAPI)

	// Admin: encryption-key rotation.
	settingsGroup := apiGroup.Group("/settings")
	settingsGroup.Use(s.adminAuthMiddleware())
	settingsGroup.POST("/rotate-key", s.RotateKeyAPI)

	return s
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

// adminAuthMiddleware protects admin-only endpoints with a bearer token.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}
			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || token == auth || token != s.cfg.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
