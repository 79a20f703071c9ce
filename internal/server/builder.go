package server

import (
	"context"
	"fmt"
	"time"

	"github.com/signalforge/aggregator/internal/config"
	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/pipeline"
	"github.com/signalforge/aggregator/internal/plugins/genctx"
	"github.com/signalforge/aggregator/internal/registry"
	"github.com/signalforge/aggregator/internal/store"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Builder implements jobmanager.Builder: it resolves a configuration's
// declared plugins against the registry, expands secrets and injects
// platform AI credentials, and wires the result into a runnable pipeline.
// Exported so cmd/aggregator can construct one instance shared by the job
// manager and the server's search endpoints, which need the same
// AI-resolution logic to embed query text.
type Builder struct {
	platform store.Platform
	reg      *registry.Registry
	secrets  secretExpander
	quota    modelPicker
	platformAI config.PlatformAI
}

type secretExpander interface {
	ExpandParams(ctx context.Context, configID string, params map[string]any) (map[string]any, error)
}

type modelPicker interface {
	ModelFor(tier domain.Tier) string
}

func NewBuilder(platform store.Platform, reg *registry.Registry, secrets secretExpander, q modelPicker, platformAI config.PlatformAI) *Builder {
	return &Builder{platform: platform, reg: reg, secrets: secrets, quota: q, platformAI: platformAI}
}

// Build satisfies jobmanager.Builder. aiSkipped, when true, omits the AI
// provider and every enricher from the pipeline entirely (spec §4.10: AI-quota
// exhaustion degrades the job instead of refusing it).
func (b *Builder) Build(ctx context.Context, cfg domain.Configuration, userID string, aiSkipped bool) (*pipeline.Pipeline, error) {
	storer, err := store.StorerFor(ctx, b.platform, cfg)
	if err != nil {
		return nil, domain.NewConfigError("resolve storage: %v", err)
	}

	if len(cfg.Storage) > 0 {
		decl := cfg.Storage[0]
		params, err := b.secrets.ExpandParams(ctx, cfg.ID, decl.Params)
		if err != nil {
			return nil, err
		}
		inst, err := b.reg.Instantiate(ctx, registry.KindStorage, decl, params)
		if err != nil {
			return nil, err
		}
		if sp, ok := inst.(domain.StoragePlugin); ok {
			storer = sp
		}
	}

	sources := make([]pipeline.SourceUnit, 0, len(cfg.Sources))
	for _, decl := range cfg.Sources {
		params, err := b.secrets.ExpandParams(ctx, cfg.ID, decl.Params)
		if err != nil {
			return nil, err
		}
		// Cursor-aware sources (discord, telegram, ...) seed their initial
		// high-water mark from the store themselves, via the same
		// store/configID side channel the digest generator uses, rather
		// than plumbing a seeded cursor through every registry factory
		// signature individually.
		params = genctx.With(params, storer, cfg.ID)
		params = genctx.WithWebhooks(params, b.platform)
		inst, err := b.reg.Instantiate(ctx, registry.KindSource, decl, params)
		if err != nil {
			return nil, err
		}
		src, ok := inst.(domain.Source)
		if !ok {
			return nil, domain.NewConfigError("plugin %q does not implement Source", decl.PluginName)
		}
		sources = append(sources, pipeline.SourceUnit{Name: decl.Name, Source: src})
	}

	var enrichers []domain.Enricher
	if !aiSkipped {
		for _, decl := range cfg.Enrichers {
			params, err := b.secrets.ExpandParams(ctx, cfg.ID, decl.Params)
			if err != nil {
				return nil, err
			}
			inst, err := b.reg.Instantiate(ctx, registry.KindEnricher, decl, params)
			if err != nil {
				return nil, err
			}
			enr, ok := inst.(domain.Enricher)
			if !ok {
				return nil, domain.NewConfigError("plugin %q does not implement Enricher", decl.PluginName)
			}
			enrichers = append(enrichers, enr)
		}
	}

	generators := make([]pipeline.GeneratorUnit, 0, len(cfg.Generators))
	for _, decl := range cfg.Generators {
		params, err := b.secrets.ExpandParams(ctx, cfg.ID, decl.Params)
		if err != nil {
			return nil, err
		}
		// Generators that digest the configuration's own stored items (e.g.
		// the built-in "digest" generator) need a handle back onto the
		// resolved Storer and the owning configuration id; Generate's
		// narrow (ctx, windowStart, windowEnd) signature has no room for
		// either, so they ride along as unexported, non-schema params
		// instead of widening the domain.Generator contract for one plugin.
		params = genctx.With(params, storer, cfg.ID)
		inst, err := b.reg.Instantiate(ctx, registry.KindGenerator, decl, params)
		if err != nil {
			return nil, err
		}
		gen, ok := inst.(domain.Generator)
		if !ok {
			return nil, domain.NewConfigError("plugin %q does not implement Generator", decl.PluginName)
		}
		generators = append(generators, pipeline.GeneratorUnit{
			Name:     decl.Name,
			Gen:      gen,
			Interval: intervalOf(decl),
		})
	}

	var ai domain.AIProvider
	if !aiSkipped {
		ai, err = b.resolveAI(ctx, cfg, userID)
		if err != nil {
			return nil, err
		}
	}

	return &pipeline.Pipeline{
		ConfigID:   cfg.ID,
		Store:      storer,
		Sources:    sources,
		Enrichers:  enrichers,
		Generators: generators,
		AI:         ai,
		SkipAI:     aiSkipped,
	}, nil
}

// resolveAI instantiates the configuration's declared AI provider, or falls
// back to the platform-operated provider when the configuration opted into
// monetization instead of bringing its own key (spec §4.6/§4.10: "platform
// credential injection").
func (b *Builder) resolveAI(ctx context.Context, cfg domain.Configuration, userID string) (domain.AIProvider, error) {
	if len(cfg.AI) > 0 {
		decl := cfg.AI[0]
		params, err := b.secrets.ExpandParams(ctx, cfg.ID, decl.Params)
		if err != nil {
			return nil, err
		}
		inst, err := b.reg.Instantiate(ctx, registry.KindAI, decl, params)
		if err != nil {
			return nil, err
		}
		ai, ok := inst.(domain.AIProvider)
		if !ok {
			return nil, domain.NewConfigError("plugin %q does not implement AIProvider", decl.PluginName)
		}
		return ai, nil
	}

	if !cfg.MonetizationEnabled {
		return nil, nil
	}

	user, err := b.platform.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user for platform AI: %w", err)
	}
	if user == nil {
		return nil, nil
	}
	model := b.quota.ModelFor(user.Tier)

	for name, pc := range b.platformAI.Providers {
		params := map[string]any{
			"apiKey":  pc.APIKey,
			"model":   model,
			"baseURL": pc.BaseURL,
		}
		if model == "" {
			params["model"] = pc.Model
		}
		inst, err := b.reg.Instantiate(ctx, registry.KindAI, domain.PluginDeclaration{Name: "platform-" + name, PluginName: pc.Type}, params)
		if err != nil {
			return nil, err
		}
		ai, ok := inst.(domain.AIProvider)
		if !ok {
			continue
		}
		return ai, nil
	}
	return nil, nil
}

// intervalOf resolves a generator's declared interval. Numeric params are
// milliseconds (domain.GeneratorInterval); a string param is a human
// duration ("15m", "2h") parsed with str2duration, for editors that prefer
// writing intervals that way over computing a millisecond count.
func intervalOf(decl domain.PluginDeclaration) time.Duration {
	if ms := domain.GeneratorInterval(decl); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if raw, ok := decl.Params["interval"].(string); ok && raw != "" {
		if d, err := str2duration.ParseDuration(raw); err == nil {
			return d
		}
	}
	return 0
}

// ResolveAI exposes resolveAI to the search endpoints, which need to embed
// free-text queries against the same configured-or-platform AI provider a
// job's enrichers would use, without standing up a whole pipeline.
func (b *Builder) ResolveAI(ctx context.Context, cfg domain.Configuration, userID string) (domain.AIProvider, error) {
	return b.resolveAI(ctx, cfg, userID)
}
