// Package webhook implements the "webhook" source: it drains, in FIFO
// order, the buffer an inbound delivery to /api/webhooks/{webhookId} filled
// (internal/server.WebhookAPI), turning each unprocessed row into a
// ContentItem. Grounded on the same registry.Entry/domain.Source shape as
// the other source plugins; there is no teacher precedent for buffer
// draining, so the FIFO-drain-and-mark-processed loop follows the
// WebhookStorer contract directly (internal/domain/store.go).
package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/plugins/genctx"
	"github.com/signalforge/aggregator/internal/registry"
)

// drainBatchSize bounds how many buffered deliveries one FetchItems call
// drains, so a single source iteration (spec §5 suspension point) can't
// block indefinitely behind an unbounded backlog.
const drainBatchSize = 200

// Source drains one webhook id's buffer into ContentItems.
type Source struct {
	webhookID string
	itemType  string
	webhooks  domain.WebhookStorer
}

func newWebhook(params map[string]any) (domain.Source, error) {
	webhookID, _ := params["webhookID"].(string)
	if webhookID == "" {
		return nil, domain.NewConfigError("webhook source requires a 'webhookID' parameter")
	}
	itemType, _ := params["itemType"].(string)
	if itemType == "" {
		itemType = "webhookRawData"
	}
	webhooks, ok := genctx.Webhooks(params)
	if !ok || webhooks == nil {
		return nil, domain.NewConfigError("webhook source: no webhook buffer backend available")
	}
	return &Source{webhookID: webhookID, itemType: itemType, webhooks: webhooks}, nil
}

// FetchItems drains unprocessed deliveries in the order they were buffered
// and marks them processed. A row whose payload is not valid JSON is still
// ingested (with the raw body as the item's Text), since webhook senders are outside
// the platform's control.
func (s *Source) FetchItems(ctx context.Context) ([]domain.ContentItem, error) {
	rows, err := s.webhooks.DrainWebhook(ctx, s.webhookID, drainBatchSize)
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("webhook: drain buffer: %w", err))
	}
	if len(rows) == 0 {
		return nil, nil
	}

	items := make([]domain.ContentItem, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		item := domain.ContentItem{
			Type:   s.itemType,
			Source: "webhook:" + s.webhookID,
			CID:    fmt.Sprintf("%s:%d", s.webhookID, row.ID),
			Date:   row.ReceivedAt.Unix(),
			Metadata: map[string]any{
				"sourceIP": row.SourceIP,
				"headers":  row.Headers,
			},
		}

		var decoded map[string]any
		if err := json.Unmarshal(row.Payload, &decoded); err == nil {
			item.Metadata["payload"] = decoded
			if title, ok := decoded["title"].(string); ok {
				item.Title = title
			}
		} else {
			item.Text = string(row.Payload)
		}

		items = append(items, item)
		ids = append(ids, row.ID)
	}

	if err := s.webhooks.MarkProcessed(ctx, ids); err != nil {
		return nil, domain.Retryable(fmt.Errorf("webhook: mark processed: %w", err))
	}
	return items, nil
}

// Entry returns the registry.Entry for this plugin.
func Entry() registry.Entry {
	return registry.Entry{
		Kind:        registry.KindSource,
		PluginName:  "webhook",
		Description: "drains buffered deliveries to a webhook ingestion endpoint, FIFO, into content items",
		Fields: []registry.FieldSchema{
			{Name: "webhookID", Type: "string", Required: true},
			{Name: "itemType", Type: "string", Default: "webhookRawData"},
		},
		NewSource: func(params map[string]any) (domain.Source, error) {
			return newWebhook(params)
		},
	}
}
