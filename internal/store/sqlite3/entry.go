package sqlite3

import (
	"context"

	"github.com/signalforge/aggregator/internal/config"
	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/registry"
)

// Entry returns the registry.Entry letting a configuration declare its own
// SQLite-backed storage node explicitly (rather than going through the
// implicit "storageType: external" path on Configuration itself). Most
// configurations never need this — store.StorerFor already resolves the
// external override transparently — but the plugin contract exists for
// configurations that want the storage node to show up in their pipeline
// graph like any other declared plugin.
func Entry() registry.Entry {
	return registry.Entry{
		Kind:        registry.KindStorage,
		PluginName:  "sqlite",
		Description: "per-tenant SQLite-backed item/summary/cursor store",
		Fields: []registry.FieldSchema{
			{Name: "datasource", Type: "string", Required: true, Secret: true, Description: "process.env reference or literal DSN"},
			{Name: "tablePrefix", Type: "string", Default: DefaultTablePrefix},
		},
		NewStorage: func(params map[string]any) (domain.StoragePlugin, error) {
			datasource, _ := params["datasource"].(string)
			if datasource == "" {
				return nil, domain.NewConfigError("sqlite storage requires a 'datasource' parameter")
			}
			prefix, _ := params["tablePrefix"].(string)
			cfg := &config.StoreSQLite{Datasource: datasource}
			if prefix != "" {
				cfg.TablePrefix = &prefix
			}
			return New(context.Background(), cfg)
		},
	}
}
