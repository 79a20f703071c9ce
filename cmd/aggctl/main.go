// Command aggctl is the historical driver (spec §4.8, §6): it runs a single
// configuration's sources (optionally restricted to one by name) over a
// historical date window and writes the resulting items to a file or
// stdout, without standing up the HTTP API or job manager. Grounded on the
// teacher's cmd/at/main.go single-entrypoint shape, adapted from an
// interactive chat loop into a flag-driven batch run; exit codes follow
// spec §6 (0 success, 1 configuration error, 2 runtime fault, 3 cancelled).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/genreg"
	"github.com/signalforge/aggregator/internal/pipeline"
	"github.com/signalforge/aggregator/internal/plugins/genctx"
	"github.com/signalforge/aggregator/internal/registry"
	"github.com/signalforge/aggregator/internal/secretstore"
	"github.com/signalforge/aggregator/internal/store/memory"
)

const (
	exitSuccess = 0
	exitConfig  = 1
	exitFault   = 2
	exitCancel  = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("aggctl", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a JSON-encoded domain.Configuration")
	sourceName := fs.String("source", "", "restrict the run to one declared source, by its declaration name")
	date := fs.String("date", "", "single historical date, YYYY-MM-DD")
	after := fs.String("after", "", "historical range start, YYYY-MM-DD (inclusive)")
	before := fs.String("before", "", "historical range end, YYYY-MM-DD (inclusive)")
	output := fs.String("output", "", "write fetched items as JSON here; default stdout")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "aggctl: -config is required")
		return exitConfig
	}

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aggctl: read config: %v\n", err)
		return exitConfig
	}
	var cfg domain.Configuration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "aggctl: parse config: %v\n", err)
		return exitConfig
	}
	if cfg.ID == "" {
		cfg.ID = "aggctl-local"
	}

	start := *date
	end := ""
	if *after != "" || *before != "" {
		start, end = *after, *before
	}
	dates, err := pipeline.DateRange(start, end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aggctl: %v\n", err)
		return exitConfig
	}

	if *sourceName != "" {
		var filtered []domain.PluginDeclaration
		found := false
		for _, decl := range cfg.Sources {
			if decl.Name == *sourceName {
				filtered = append(filtered, decl)
				found = true
			}
		}
		if !found {
			fmt.Fprintf(os.Stderr, "aggctl: no declared source named %q\n", *sourceName)
			return exitConfig
		}
		cfg.Sources = filtered
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	genreg.RegisterBuiltins(reg)

	platform := memory.New()
	defer platform.Close()
	secrets := secretstore.New(platform, nil)
	// The historical driver runs locally, so "process.env.NAME" references
	// resolve straight from the invoking process's real environment rather
	// than a provisioned secret bag.
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				_ = secrets.Set(ctx, cfg.ID, kv[:i], kv[i+1:])
				break
			}
		}
	}

	sources := make([]pipeline.SourceUnit, 0, len(cfg.Sources))
	for _, decl := range cfg.Sources {
		params, err := secrets.ExpandParams(ctx, cfg.ID, decl.Params)
		if err != nil {
			fmt.Fprintf(os.Stderr, "aggctl: expand params for %q: %v\n", decl.Name, err)
			return exitConfig
		}
		params = genctx.With(params, platform, cfg.ID)
		params = genctx.WithWebhooks(params, platform)
		inst, err := reg.Instantiate(ctx, registry.KindSource, decl, params)
		if err != nil {
			fmt.Fprintf(os.Stderr, "aggctl: instantiate source %q: %v\n", decl.Name, err)
			return exitConfig
		}
		src, ok := inst.(domain.Source)
		if !ok {
			fmt.Fprintf(os.Stderr, "aggctl: plugin %q does not implement Source\n", decl.PluginName)
			return exitConfig
		}
		sources = append(sources, pipeline.SourceUnit{Name: decl.Name, Source: src})
	}

	var enrichers []domain.Enricher
	for _, decl := range cfg.Enrichers {
		params, err := secrets.ExpandParams(ctx, cfg.ID, decl.Params)
		if err != nil {
			fmt.Fprintf(os.Stderr, "aggctl: expand params for %q: %v\n", decl.Name, err)
			return exitConfig
		}
		inst, err := reg.Instantiate(ctx, registry.KindEnricher, decl, params)
		if err != nil {
			fmt.Fprintf(os.Stderr, "aggctl: instantiate enricher %q: %v\n", decl.Name, err)
			return exitConfig
		}
		enr, ok := inst.(domain.Enricher)
		if !ok {
			fmt.Fprintf(os.Stderr, "aggctl: plugin %q does not implement Enricher\n", decl.PluginName)
			return exitConfig
		}
		enrichers = append(enrichers, enr)
	}

	p := &pipeline.Pipeline{
		ConfigID:  cfg.ID,
		Store:     platform,
		Sources:   sources,
		Enrichers: enrichers,
	}

	result := p.RunFetchCycle(ctx, dates, func(phase domain.JobPhase) {
		slog.Info("aggctl phase", "phase", phase)
	})

	if err := ctx.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "aggctl: cancelled")
		return exitCancel
	}
	if len(result.Errors) > 0 {
		for _, e := range result.Errors {
			fmt.Fprintln(os.Stderr, "aggctl: "+e)
		}
		return exitFault
	}

	items, err := platform.GetItemsBetween(ctx, cfg.ID, 0, 1<<62)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aggctl: read back items: %v\n", err)
		return exitFault
	}

	w := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "aggctl: open output: %v\n", err)
			return exitFault
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(items); err != nil {
		fmt.Fprintf(os.Stderr, "aggctl: write output: %v\n", err)
		return exitFault
	}

	slog.Info("aggctl run complete", "fetched", result.TotalItemsFetched, "new", result.NewItems)
	return exitSuccess
}
