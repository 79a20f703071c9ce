// Package configstate implements C4: an in-memory projection of a
// configuration plus the substantive-change predicate and force-sync
// rebuild the editor needs. The durable copy lives in domain.ConfigStorer;
// this package is the pure-function layer the server wraps around it.
package configstate

import (
	"encoding/json"
	"sort"

	"github.com/signalforge/aggregator/internal/domain"
)

// EventKind tags the four event channels configuration edits raise
// (spec §4.4): nodes-updated, connections-updated, config-updated,
// plugin-updated.
type EventKind string

const (
	EventNodesUpdated       EventKind = "nodes-updated"
	EventConnectionsUpdated EventKind = "connections-updated"
	EventConfigUpdated      EventKind = "config-updated"
	EventPluginUpdated      EventKind = "plugin-updated"
)

// Event is one change notification a State emits after Apply.
type Event struct {
	Kind     EventKind
	ConfigID string
}

// State holds the live projection for a single configuration plus a
// subscriber list for its four event channels.
type State struct {
	cfg domain.Configuration
	subs []func(Event)
}

func NewState(cfg domain.Configuration) *State {
	return &State{cfg: cfg}
}

func (s *State) Current() domain.Configuration { return s.cfg }

// OnEvent registers a callback invoked synchronously by Apply.
func (s *State) OnEvent(fn func(Event)) { s.subs = append(s.subs, fn) }

func (s *State) emit(kind EventKind) {
	ev := Event{Kind: kind, ConfigID: s.cfg.ID}
	for _, fn := range s.subs {
		fn(ev)
	}
}

// Apply replaces the projection with next, emitting the event kinds implied
// by what substantively changed (ignoring cosmetic differences, per
// SubstantiveChange). Plugin declaration arrays changing emits
// plugin-updated and nodes-updated; any substantive change, including a
// declaration change, also emits config-updated.
func (s *State) Apply(next domain.Configuration) {
	prev := s.cfg
	s.cfg = next

	if !declEqual(prev.Sources, next.Sources) || !declEqual(prev.Enrichers, next.Enrichers) ||
		!declEqual(prev.Generators, next.Generators) || !declEqual(prev.AI, next.AI) ||
		!declEqual(prev.Storage, next.Storage) {
		s.emit(EventPluginUpdated)
		s.emit(EventNodesUpdated)
	}
	if SubstantiveChange(prev, next) {
		s.emit(EventConfigUpdated)
	}
}

// SubstantiveChange reports whether two configurations differ in anything
// other than cosmetic editor state (node positions, formatting whitespace).
// It compares the fields that drive dispatch and storage, not the full
// struct, so that JSON-view edits that re-serialize unchanged semantics
// don't churn an "unsaved changes" indicator (spec §4.4, round-trip law
// in §8: graph view -> JSON view -> graph view is a no-op here).
func SubstantiveChange(a, b domain.Configuration) bool {
	if a.Slug != b.Slug || a.Visibility != b.Visibility {
		return true
	}
	if a.Settings != b.Settings {
		return true
	}
	if a.StorageType != b.StorageType || a.ExternalDBURL != b.ExternalDBURL {
		return true
	}
	if a.MonetizationEnabled != b.MonetizationEnabled || a.PricePerQuery != b.PricePerQuery || a.OwnerWallet != b.OwnerWallet {
		return true
	}
	return !declEqual(a.Sources, b.Sources) || !declEqual(a.Enrichers, b.Enrichers) ||
		!declEqual(a.Generators, b.Generators) || !declEqual(a.AI, b.AI) || !declEqual(a.Storage, b.Storage)
}

// declEqual compares two plugin declaration slices by semantic content,
// order-insensitive on name, so re-ordering an unedited JSON view does not
// register as a change.
func declEqual(a, b []domain.PluginDeclaration) bool {
	if len(a) != len(b) {
		return false
	}
	am := declMap(a)
	bm := declMap(b)
	if len(am) != len(bm) {
		return false
	}
	for name, da := range am {
		db, ok := bm[name]
		if !ok {
			return false
		}
		if da.PluginName != db.PluginName {
			return false
		}
		aj, _ := json.Marshal(da.Params)
		bj, _ := json.Marshal(db.Params)
		if string(aj) != string(bj) {
			return false
		}
	}
	return true
}

func declMap(decls []domain.PluginDeclaration) map[string]domain.PluginDeclaration {
	m := make(map[string]domain.PluginDeclaration, len(decls))
	for _, d := range decls {
		m[d.Name] = d
	}
	return m
}

// ForceSync validates that every provider-by-name reference used by an
// enricher or generator resolves to a declared plugin in the same
// configuration, and drops connections (references) that no longer
// resolve. It returns the cleaned configuration and the names that were
// dropped, for surfacing to the editor.
func ForceSync(cfg domain.Configuration) (domain.Configuration, []string) {
	known := make(map[string]bool)
	for _, d := range cfg.Sources {
		known[d.Name] = true
	}
	for _, d := range cfg.AI {
		known[d.Name] = true
	}
	for _, d := range cfg.Storage {
		known[d.Name] = true
	}

	var dropped []string
	clean := func(decls []domain.PluginDeclaration) []domain.PluginDeclaration {
		out := make([]domain.PluginDeclaration, 0, len(decls))
		for _, d := range decls {
			var params map[string]any
			for key, v := range d.Params {
				ref, isStr := v.(string)
				if !isStr || !isProviderRefKey(key) || known[ref] {
					continue
				}
				dropped = append(dropped, d.Name+"."+key+"->"+ref)
				if params == nil {
					params = make(map[string]any, len(d.Params))
					for k, pv := range d.Params {
						params[k] = pv
					}
				}
				delete(params, key)
			}
			if params != nil {
				d.Params = params
			}
			out = append(out, d)
		}
		return out
	}

	cfg.Enrichers = clean(cfg.Enrichers)
	cfg.Generators = clean(cfg.Generators)
	sort.Strings(dropped)
	return cfg, dropped
}

// isProviderRefKey reports whether a parameter key conventionally names
// another plugin instance by its declared Name (e.g. "provider", "ai",
// "storage") rather than carrying a literal value.
func isProviderRefKey(key string) bool {
	switch key {
	case "provider", "ai", "storage", "aiProvider", "storageProvider":
		return true
	}
	return false
}
