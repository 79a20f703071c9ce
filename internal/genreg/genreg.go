// Package genreg is the single place that lists every built-in plugin the
// platform ships, shared by both cmd/aggregator (the API server) and
// cmd/aggctl (the historical driver) so the two processes never drift on
// which plugins a configuration can declare.
package genreg

import (
	"github.com/signalforge/aggregator/internal/plugins/ai/adapter"
	"github.com/signalforge/aggregator/internal/plugins/ai/langchain"
	"github.com/signalforge/aggregator/internal/plugins/enrichers/script"
	"github.com/signalforge/aggregator/internal/plugins/generators/digest"
	"github.com/signalforge/aggregator/internal/plugins/sources/discord"
	"github.com/signalforge/aggregator/internal/plugins/sources/github"
	"github.com/signalforge/aggregator/internal/plugins/sources/telegram"
	"github.com/signalforge/aggregator/internal/plugins/sources/webhook"
	"github.com/signalforge/aggregator/internal/registry"
	"github.com/signalforge/aggregator/internal/store/sqlite3"
)

// RegisterBuiltins registers every source/enricher/generator/ai/storage
// plugin the platform ships against reg (spec §4.1: "produced by an offline
// scan of plugin implementations and loaded at startup"). Discord/Telegram/
// GitHub/CoinGecko/CoinCodex's own wire protocols are out of scope (spec
// §1); only the narrow Source contract each plugin exposes is wired here.
func RegisterBuiltins(reg *registry.Registry) {
	reg.Register(discord.Entry())
	reg.Register(telegram.Entry())
	reg.Register(github.Entry())
	reg.Register(webhook.Entry())

	reg.Register(script.Entry())

	reg.Register(digest.Entry())

	for _, e := range adapter.Entries() {
		reg.Register(e)
	}
	reg.Register(langchain.Entry())

	reg.Register(sqlite3.Entry())
}
