// Package discord implements the "discord" source: it polls a channel's
// message history via a bot token, picking up after the last message id it
// has seen. There is no teacher precedent for a chat-platform source (the
// teacher repo is a workflow engine, not an aggregator), so this plugin
// follows discordgo's own idiomatic session/REST usage directly while
// keeping the registry.Entry/domain.Source wiring shown by the platform's
// other source plugins.
package discord

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/signalforge/aggregator/internal/domain"
	"github.com/signalforge/aggregator/internal/plugins/genctx"
	"github.com/signalforge/aggregator/internal/registry"
)

const pageSize = 100

// Source fetches new messages from one Discord channel.
type Source struct {
	session   *discordgo.Session
	channelID string

	mu         sync.Mutex
	afterID    string
	cursorKey  string
	store      domain.Storer
	configID   string
}

func newDiscord(ctx context.Context, params map[string]any) (domain.Source, error) {
	token, _ := params["botToken"].(string)
	if token == "" {
		return nil, domain.NewConfigError("discord source requires a 'botToken' parameter")
	}
	channelID, _ := params["channelID"].(string)
	if channelID == "" {
		return nil, domain.NewConfigError("discord source requires a 'channelID' parameter")
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord source: create session: %w", err)
	}

	store, _ := genctx.Store(params)
	configID, _ := genctx.ConfigID(params)
	cursorKey := "discord:" + channelID

	s := &Source{
		session:   session,
		channelID: channelID,
		cursorKey: cursorKey,
		store:     store,
		configID:  configID,
	}
	if store != nil {
		if token, ok, _ := store.GetCursor(ctx, configID, cursorKey); ok {
			s.afterID = token
		}
	}
	return s, nil
}

// FetchItems pages forward from the last seen message id, oldest first.
func (s *Source) FetchItems(ctx context.Context) ([]domain.ContentItem, error) {
	s.mu.Lock()
	after := s.afterID
	s.mu.Unlock()

	msgs, err := s.session.ChannelMessages(s.channelID, pageSize, "", after, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("discord: list messages: %w", err))
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	// discordgo returns newest-first; reverse to chronological order and
	// track the newest id seen as the next "after" cursor.
	items := make([]domain.ContentItem, 0, len(msgs))
	newest := after
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		ts, err := discordgo.SnowflakeTimestamp(m.ID)
		if err != nil {
			ts = time.Now()
		}
		items = append(items, domain.ContentItem{
			Type:   "discordRawData",
			Source: "discord:" + s.channelID,
			CID:    m.ID,
			Title:  m.Author.Username,
			Text:   m.Content,
			Link:   fmt.Sprintf("https://discord.com/channels/%s/%s/%s", m.GuildID, m.ChannelID, m.ID),
			Date:   ts.Unix(),
			Metadata: map[string]any{
				"authorId": m.Author.ID,
				"guildId":  m.GuildID,
			},
		})
		if cmp(m.ID, newest) > 0 {
			newest = m.ID
		}
	}

	s.mu.Lock()
	s.afterID = newest
	s.mu.Unlock()

	return items, nil
}

// Cursor reports the last message id processed for persistence (spec §4.2
// incremental fetch semantics).
func (s *Source) Cursor() (key, token string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.afterID == "" {
		return "", "", false
	}
	return s.cursorKey, s.afterID, true
}

// cmp compares two Discord snowflake ids numerically (they are monotonic
// but too large to always compare lexicographically safely across lengths).
func cmp(a, b string) int {
	if b == "" {
		return 1
	}
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	if aerr != nil || berr != nil {
		if len(a) != len(b) {
			return len(a) - len(b)
		}
		if a > b {
			return 1
		}
		return -1
	}
	switch {
	case an > bn:
		return 1
	case an < bn:
		return -1
	default:
		return 0
	}
}

// Entry returns the registry.Entry for this plugin.
func Entry() registry.Entry {
	return registry.Entry{
		Kind:        registry.KindSource,
		PluginName:  "discord",
		Description: "polls new messages from a Discord channel via a bot token",
		Platform:    "discord",
		Fields: []registry.FieldSchema{
			{Name: "botToken", Type: "string", Required: true, Secret: true},
			{Name: "channelID", Type: "string", Required: true},
		},
		NewSource: func(params map[string]any) (domain.Source, error) {
			return newDiscord(context.Background(), params)
		},
	}
}
