// Package registry implements C1: a typed, read-only catalog of
// source/enricher/generator/ai/storage plugin kinds, their parameter
// schemas, and the factories that turn a resolved PluginDeclaration into a
// live domain instance.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalforge/aggregator/internal/domain"
)

// Kind is one of the five capability classes a plugin may declare.
type Kind string

const (
	KindSource    Kind = "source"
	KindEnricher  Kind = "enricher"
	KindGenerator Kind = "generator"
	KindAI        Kind = "ai"
	KindStorage   Kind = "storage"
)

// FieldSchema describes one declared parameter of a plugin.
type FieldSchema struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string" | "number" | "bool" | "json"
	Required    bool   `json:"required"`
	Secret      bool   `json:"secret"`      // value is eligible for process.env.NAME reference
	Reference   bool   `json:"reference"`   // value names another declared plugin in the same config
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Entry is one catalog row: everything the editor and the job manager need
// to know about a plugin without instantiating it.
type Entry struct {
	Kind        Kind
	PluginName  string
	Description string
	Hidden      bool
	// Platform, if non-empty, names a connection this plugin requires (e.g.
	// "discord"). It is catalog metadata; no component checks it when a job
	// starts.
	Platform string
	Fields   []FieldSchema

	NewSource    func(params map[string]any) (domain.Source, error)
	NewEnricher  func(params map[string]any) (domain.Enricher, error)
	NewGenerator func(params map[string]any) (domain.Generator, error)
	NewAI        func(params map[string]any) (domain.AIProvider, error)
	NewStorage   func(params map[string]any) (domain.StoragePlugin, error)
}

func (e Entry) key() string { return string(e.Kind) + ":" + e.PluginName }

// Registry is a read-only-at-runtime catalog, produced by an offline scan
// (here: explicit registration at process startup in cmd/aggregator) and
// queried by the job manager when materializing a configuration's plugins.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an entry to the catalog. Intended to be called during
// process startup only; Registry is read-only once serving traffic.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.key()] = e
}

// List returns every entry of a kind, in registration order is not
// guaranteed; callers that need stable ordering should sort by PluginName.
func (r *Registry) List(kind Kind) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range r.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Find looks up a single entry, returning (zero, false) when absent. Lookups
// for unknown plugins are reported by callers as domain.ConfigError, never
// as a fatal runtime error (spec §4.1).
func (r *Registry) Find(kind Kind, pluginName string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[string(kind)+":"+pluginName]
	return e, ok
}

// Instantiate materializes a single PluginDeclaration of the given kind
// against already-secret-expanded params. The returned value is one of the
// domain.Source/Enricher/Generator/AIProvider/StoragePlugin interfaces.
func (r *Registry) Instantiate(ctx context.Context, kind Kind, decl domain.PluginDeclaration, resolvedParams map[string]any) (any, error) {
	entry, ok := r.Find(kind, decl.PluginName)
	if !ok {
		return nil, domain.NewConfigError("unknown %s plugin %q (declared as %q)", kind, decl.PluginName, decl.Name)
	}

	for _, f := range entry.Fields {
		if f.Required {
			if _, present := resolvedParams[f.Name]; !present {
				return nil, domain.NewConfigError("plugin %q (%s): missing required parameter %q", decl.Name, decl.PluginName, f.Name)
			}
		}
	}

	switch kind {
	case KindSource:
		if entry.NewSource == nil {
			break
		}
		return entry.NewSource(resolvedParams)
	case KindEnricher:
		if entry.NewEnricher == nil {
			break
		}
		return entry.NewEnricher(resolvedParams)
	case KindGenerator:
		if entry.NewGenerator == nil {
			break
		}
		return entry.NewGenerator(resolvedParams)
	case KindAI:
		if entry.NewAI == nil {
			break
		}
		return entry.NewAI(resolvedParams)
	case KindStorage:
		if entry.NewStorage == nil {
			break
		}
		return entry.NewStorage(resolvedParams)
	}
	return nil, fmt.Errorf("plugin %q (%s): no factory wired for kind %s", decl.Name, decl.PluginName, kind)
}
