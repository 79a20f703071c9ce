// Package script implements the "script" enricher: arbitrary JavaScript run
// per item through a goja VM, narrowed to the Enricher contract — a script
// receives one item as `item` and returns a (possibly modified) plain
// object that is merged back onto it.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/registry"
)

const execTimeout = 5 * time.Second

// Enricher runs a JavaScript snippet against every item in a batch.
type Enricher struct {
	source string
}

func New(source string) (*Enricher, error) {
	if source == "" {
		return nil, domain.NewConfigError("script enricher requires a non-empty 'source' parameter")
	}
	return &Enricher{source: source}, nil
}

// Enrich evaluates the script once per item, passing the item's fields as
// the `item` global and merging any returned object's keys back onto it.
// A script that throws stops the batch with a RetryableError; the pipeline
// retries the enricher and, once retries are exhausted, skips it for the
// cycle.
func (e *Enricher) Enrich(ctx context.Context, items []domain.ContentItem) ([]domain.ContentItem, error) {
	for i := range items {
		out, err := e.runOne(ctx, items[i])
		if err != nil {
			return nil, domain.Retryable(fmt.Errorf("script enricher: item %d: %w", items[i].ID, err))
		}
		items[i] = out
	}
	return items, nil
}

func (e *Enricher) runOne(ctx context.Context, item domain.ContentItem) (domain.ContentItem, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	done := make(chan struct{})
	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("script enricher: timed out")
	})
	defer timer.Stop()
	defer close(done)

	if err := vm.Set("item", itemToJS(item)); err != nil {
		return item, err
	}
	if err := vm.Set("addTopic", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			item.AddTopic(call.Arguments[0].String())
		}
		return goja.Undefined()
	}); err != nil {
		return item, err
	}

	val, err := vm.RunString(e.source)
	if err != nil {
		return item, err
	}

	exported := val.Export()
	if m, ok := exported.(map[string]any); ok {
		applyUpdates(&item, m)
	}
	return item, nil
}

// itemToJS converts a ContentItem to the plain map the script sees.
func itemToJS(item domain.ContentItem) map[string]any {
	data, _ := json.Marshal(item)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

// applyUpdates writes back the handful of fields a script is allowed to
// mutate; everything else (id, config_id, created_at, ...) is immutable.
func applyUpdates(item *domain.ContentItem, m map[string]any) {
	if v, ok := m["title"].(string); ok {
		item.Title = v
	}
	if v, ok := m["text"].(string); ok {
		item.Text = v
	}
	if topics, ok := m["topics"].([]any); ok {
		for _, t := range topics {
			if s, ok := t.(string); ok {
				item.AddTopic(s)
			}
		}
	}
	if metadata, ok := m["metadata"].(map[string]any); ok {
		if item.Metadata == nil {
			item.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			item.Metadata[k] = v
		}
	}
}

func newScript(params map[string]any) (domain.Enricher, error) {
	source, _ := params["source"].(string)
	return New(source)
}

// Entry returns the registry.Entry for this plugin.
func Entry() registry.Entry {
	return registry.Entry{
		Kind:        registry.KindEnricher,
		PluginName:  "script",
		Description: "runs a JavaScript snippet against every item (goja sandbox)",
		Fields: []registry.FieldSchema{
			{Name: "source", Type: "string", Required: true, Description: "JavaScript source; `item` is the in-scope content item"},
		},
		NewEnricher: newScript,
	}
}
