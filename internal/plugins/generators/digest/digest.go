// Package digest implements the "digest" generator: it rolls up the items
// stored for a configuration over the generator's window into a Markdown
// summary and, when an SMTP target is configured, emails it via
// wneessen/go-mail, generalized from a template-rendered message to a
// generated digest body.
package digest

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/plugins/genctx"
	"github.com/signalforge/aggregator/internal/registry"
	"github.com/signalforge/aggregator/internal/render"
)

// smtpTarget is the optional delivery configuration; when Host is empty the
// generator only persists the SummaryItem and sends no mail.
type smtpTarget struct {
	host               string
	port               int
	username           string
	password           string
	from               string
	to                 []string
	tls                bool
	noTLS              bool
	insecureSkipVerify bool
}

// Generator rolls stored items into a daily/interval digest summary.
type Generator struct {
	store    domain.Storer
	configID string
	title    string
	smtp     *smtpTarget
}

func newDigest(params map[string]any) (domain.Generator, error) {
	store, ok := genctx.Store(params)
	if !ok {
		return nil, domain.NewConfigError("digest generator: no storage available")
	}
	configID, _ := genctx.ConfigID(params)

	g := &Generator{
		store:    store,
		configID: configID,
		title:    stringParam(params, "title", "Digest"),
	}

	if host := stringParam(params, "smtpHost", ""); host != "" {
		to := splitAddresses(stringParam(params, "to", ""))
		if len(to) == 0 {
			return nil, domain.NewConfigError("digest generator: 'to' is required when 'smtpHost' is set")
		}
		from := stringParam(params, "from", "")
		if from == "" {
			return nil, domain.NewConfigError("digest generator: 'from' is required when 'smtpHost' is set")
		}
		port := intParam(params, "smtpPort", 587)
		g.smtp = &smtpTarget{
			host: host, port: port,
			username:           stringParam(params, "smtpUsername", ""),
			password:           stringParam(params, "smtpPassword", ""),
			from:               from,
			to:                 to,
			tls:                boolParam(params, "smtpTLS"),
			noTLS:              boolParam(params, "smtpNoTLS"),
			insecureSkipVerify: boolParam(params, "insecureSkipVerify"),
		}
	}

	return g, nil
}

// Generate builds a Markdown digest of every item stored for the window and,
// when configured, emails it. The returned SummaryItem is persisted by the
// pipeline regardless of delivery outcome; a send failure is reported as a
// RetryableError so the generator is retried on its next scheduled tick
// rather than failing the whole job.
func (g *Generator) Generate(ctx context.Context, windowStart, windowEnd int64) (*domain.SummaryItem, error) {
	items, err := g.store.GetItemsBetween(ctx, g.configID, windowStart, windowEnd)
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("digest: load items: %w", err))
	}
	if len(items) == 0 {
		return nil, nil
	}

	title := g.renderTitle(windowStart, windowEnd, len(items))
	md, categories := renderMarkdown(title, items)
	summary := &domain.SummaryItem{
		ConfigID:   g.configID,
		Type:       "digest",
		Title:      title,
		Categories: categories,
		Markdown:   md,
		Date:       windowEnd,
		CreatedAt:  time.Now(),
	}

	if g.smtp != nil {
		if err := g.send(ctx, summary); err != nil {
			return summary, domain.Retryable(fmt.Errorf("digest: send mail: %w", err))
		}
	}

	return summary, nil
}

// renderTitle runs g.title through the platform's Go-template renderer so a
// digest can embed the window's bounds and item count, e.g.
// "Digest ({{.ItemCount}} items)". A title with no template syntax renders
// back unchanged.
func (g *Generator) renderTitle(windowStart, windowEnd int64, itemCount int) string {
	out, err := render.ExecuteWithData(g.title, map[string]any{
		"WindowStart": windowStart,
		"WindowEnd":   windowEnd,
		"ItemCount":   itemCount,
	})
	if err != nil || len(out) == 0 {
		return g.title
	}
	return string(out)
}

func (g *Generator) send(_ context.Context, summary *domain.SummaryItem) error {
	m := mail.NewMsg()
	if err := m.From(g.smtp.from); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	if err := m.To(g.smtp.to...); err != nil {
		return fmt.Errorf("set to: %w", err)
	}
	m.Subject(fmt.Sprintf("%s — %s", summary.Title, time.Unix(summary.Date, 0).Format("2006-01-02")))
	m.SetBodyString(mail.TypeTextPlain, summary.Markdown)

	opts := []mail.Option{
		mail.WithPort(g.smtp.port),
		mail.WithTimeout(30 * time.Second),
	}
	if g.smtp.username != "" || g.smtp.password != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain), mail.WithUsername(g.smtp.username), mail.WithPassword(g.smtp.password))
	}
	if g.smtp.noTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	} else {
		tlsConfig := &tls.Config{ServerName: g.smtp.host, InsecureSkipVerify: g.smtp.insecureSkipVerify}
		opts = append(opts, mail.WithTLSConfig(tlsConfig))
		if g.smtp.tls {
			opts = append(opts, mail.WithSSL(), mail.WithTLSPolicy(mail.TLSMandatory))
		} else {
			opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
		}
	}

	c, err := mail.NewClient(g.smtp.host, opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return c.DialAndSend(m)
}

// renderMarkdown groups items by source and counts topics for the
// categories breakdown surfaced alongside the generated body.
func renderMarkdown(title string, items []domain.ContentItem) (string, map[string]any) {
	bySource := make(map[string][]domain.ContentItem)
	topicCounts := make(map[string]int)
	for _, item := range items {
		bySource[item.Source] = append(bySource[item.Source], item)
		for _, t := range item.Topics {
			topicCounts[t]++
		}
	}

	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "%d items across %d sources.\n\n", len(items), len(sources))
	for _, s := range sources {
		fmt.Fprintf(&b, "## %s\n\n", s)
		for _, item := range bySource[s] {
			title := item.Title
			if title == "" {
				title = item.Text
			}
			if item.Link != "" {
				fmt.Fprintf(&b, "- [%s](%s)\n", title, item.Link)
			} else {
				fmt.Fprintf(&b, "- %s\n", title)
			}
		}
		b.WriteString("\n")
	}

	categories := make(map[string]any, len(topicCounts))
	for topic, count := range topicCounts {
		categories[topic] = count
	}
	return b.String(), categories
}

func splitAddresses(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

func boolParam(params map[string]any, key string) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// Entry returns the registry.Entry for this plugin.
func Entry() registry.Entry {
	return registry.Entry{
		Kind:        registry.KindGenerator,
		PluginName:  "digest",
		Description: "rolls stored items for the window into a Markdown digest, optionally emailed via SMTP",
		Fields: []registry.FieldSchema{
			{Name: "title", Type: "string", Default: "Digest"},
			{Name: "smtpHost", Type: "string"},
			{Name: "smtpPort", Type: "number", Default: 587},
			{Name: "smtpUsername", Type: "string", Secret: true},
			{Name: "smtpPassword", Type: "string", Secret: true},
			{Name: "from", Type: "string"},
			{Name: "to", Type: "string", Description: "comma-separated recipient list"},
			{Name: "smtpTLS", Type: "bool"},
			{Name: "smtpNoTLS", Type: "bool"},
		},
		NewGenerator: newDigest,
	}
}
