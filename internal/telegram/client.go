package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"guildbridge/internal/config"
	"guildbridge/internal/model"
	"guildbridge/internal/monitoring"
	"guildbridge/internal/ratelimit"
)

// DefaultBaseURL is the Telegram Bot API root.
const DefaultBaseURL = "https://api.telegram.org"

const (
	httpTimeout = 45 * time.Second

	// Topic header styling for created forum topics.
	topicNamePrefix = "🏰 "
	topicIconColor  = 0x6FB9F0

	// Pause between consecutive sends within one batch so a flush does not
	// burst into Telegram's per-chat limit.
	batchSendGap = 100 * time.Millisecond
)

// Client is the delivery side of the bridge: it formats messages, manages
// forum topics per source guild, and persists the topic/message mappings
// through a Store.
type Client struct {
	cfg     *config.Config
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
	store   Store
	baseURL string
	httpc   *http.Client

	botUsername   string
	chatTitle     string
	topicsEnabled bool

	mu   sync.Mutex
	blob *Blob

	// Serializes verify-then-create so concurrent sends for the same guild
	// cannot race into duplicate topics.
	topicMu sync.Mutex

	pollerRunning atomic.Bool
	updateOffset  int64
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the Bot API root. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// NewClient creates an uninitialized client. Call Initialize before use.
func NewClient(cfg *config.Config, limiter *ratelimit.Limiter, store Store, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With().Str("component", "telegram").Logger(),
		store:   store,
		baseURL: DefaultBaseURL,
		httpc:   &http.Client{Timeout: httpTimeout},
		blob:    newBlob(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// call POSTs one Bot API method and decodes its result envelope.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	var body bytes.Buffer
	if params != nil {
		if err := json.NewEncoder(&body).Encode(params); err != nil {
			return err
		}
	}

	u := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.cfg.TelegramBotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !env.OK {
		return fmt.Errorf("%s: api error %d: %s", method, env.ErrorCode, env.Description)
	}
	if result != nil {
		return json.Unmarshal(env.Result, result)
	}
	return nil
}

// Initialize verifies the bot token, inspects the target chat, and loads
// the persisted topic/message mappings. Topics are used only when the chat
// is a forum supergroup and the configuration allows them.
func (c *Client) Initialize(ctx context.Context) error {
	var me struct {
		Username string `json:"username"`
	}
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return fmt.Errorf("bot token check: %w", err)
	}
	c.botUsername = me.Username

	var chat struct {
		Title   string `json:"title"`
		Type    string `json:"type"`
		IsForum bool   `json:"is_forum"`
	}
	if err := c.call(ctx, "getChat", map[string]any{"chat_id": c.cfg.TelegramChatID}, &chat); err != nil {
		return fmt.Errorf("target chat check: %w", err)
	}
	c.chatTitle = chat.Title
	c.topicsEnabled = chat.IsForum && c.cfg.UseTopics

	blob, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to load persisted state, starting empty")
		blob = newBlob()
	}
	c.mu.Lock()
	c.blob = blob
	c.mu.Unlock()

	c.logger.Info().
		Str("bot", c.botUsername).
		Str("chat", c.chatTitle).
		Bool("topics_enabled", c.topicsEnabled).
		Int("cached_topics", len(blob.Topics)).
		Msg("Telegram client initialized")
	return nil
}

// TopicsEnabled reports whether forum topics are in use.
func (c *Client) TopicsEnabled() bool { return c.topicsEnabled }

type sendMessageParams struct {
	ChatID          int64  `json:"chat_id"`
	Text            string `json:"text"`
	ParseMode       string `json:"parse_mode"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
}

// Send delivers one message, routing it into the guild's forum topic when
// topics are enabled. A topic failure degrades to a topic-less send rather
// than losing the message.
func (c *Client) Send(ctx context.Context, m *model.Message) error {
	if err := c.limiter.WaitIfNeeded(ctx, "telegram_send", c.cfg.RateLimitMaxWait); err != nil {
		monitoring.RateLimitTimeouts.WithLabelValues(c.limiter.Name()).Inc()
		return err
	}

	var threadID int64
	if c.topicsEnabled {
		id, err := c.topicFor(ctx, m.GuildName)
		if err != nil {
			c.logger.Warn().Err(err).Str("guild", m.GuildName).Msg("Topic unavailable, sending without topic")
		} else {
			threadID = id
		}
	}

	params := sendMessageParams{
		ChatID:          c.cfg.TelegramChatID,
		Text:            m.TelegramFormat(c.cfg.ShowTimestamps, c.cfg.ShowServerInMessage),
		ParseMode:       "Markdown",
		MessageThreadID: threadID,
	}

	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", params, &sent); err != nil {
		c.limiter.RecordError()
		monitoring.MessagesDropped.WithLabelValues(monitoring.DropReasonSendFailed).Inc()
		return fmt.Errorf("send to chat %d: %w", c.cfg.TelegramChatID, err)
	}

	c.limiter.RecordSuccess()
	monitoring.MessagesForwarded.Inc()

	c.mu.Lock()
	c.blob.Messages[m.TimestampKey()] = sent.MessageID
	c.mu.Unlock()
	c.persist(ctx)

	c.logger.Debug().
		Str("guild", m.GuildName).
		Str("channel", m.ChannelName).
		Int64("telegram_message_id", sent.MessageID).
		Msg("Message delivered")
	return nil
}

// SendBatch delivers a batch grouped by guild, each group ordered by source
// timestamp, with a short gap between sends. Returns how many were
// delivered; per-message failures are logged and skipped.
func (c *Client) SendBatch(ctx context.Context, msgs []*model.Message) int {
	if len(msgs) == 0 {
		return 0
	}

	groups := make(map[string][]*model.Message)
	for _, m := range msgs {
		groups[m.GuildName] = append(groups[m.GuildName], m)
	}
	guilds := make([]string, 0, len(groups))
	for g := range groups {
		guilds = append(guilds, g)
	}
	sort.Strings(guilds)

	delivered := 0
	first := true
	for _, g := range guilds {
		group := groups[g]
		model.SortByTimestamp(group)
		for _, m := range group {
			if !first {
				select {
				case <-ctx.Done():
					return delivered
				case <-time.After(batchSendGap):
				}
			}
			first = false

			if err := c.Send(ctx, m); err != nil {
				c.logger.Error().Err(err).Str("guild", g).Msg("Batch send failed for message")
				continue
			}
			delivered++
		}
	}

	c.logger.Info().Int("delivered", delivered).Int("batch_size", len(msgs)).Msg("Batch processed")
	return delivered
}

// topicFor returns the forum topic id for a guild, verifying a cached
// mapping against the chat and creating a fresh topic when the cached one
// no longer exists. Single-flight across goroutines.
func (c *Client) topicFor(ctx context.Context, guildName string) (int64, error) {
	c.topicMu.Lock()
	defer c.topicMu.Unlock()

	c.mu.Lock()
	cached, ok := c.blob.Topics[guildName]
	c.mu.Unlock()

	if ok {
		if c.topicExists(ctx, cached) {
			return cached, nil
		}
		c.mu.Lock()
		delete(c.blob.Topics, guildName)
		c.mu.Unlock()
		monitoring.TopicsPruned.Inc()
		c.logger.Info().Str("guild", guildName).Int64("topic_id", cached).Msg("Cached topic gone, recreating")
	}

	var topic struct {
		MessageThreadID int64 `json:"message_thread_id"`
	}
	err := c.call(ctx, "createForumTopic", map[string]any{
		"chat_id":    c.cfg.TelegramChatID,
		"name":       topicNamePrefix + guildName,
		"icon_color": topicIconColor,
	}, &topic)
	if err != nil {
		return 0, fmt.Errorf("create topic for %q: %w", guildName, err)
	}

	c.mu.Lock()
	c.blob.Topics[guildName] = topic.MessageThreadID
	c.mu.Unlock()
	monitoring.TopicsCreated.Inc()
	c.persist(ctx)

	c.logger.Info().Str("guild", guildName).Int64("topic_id", topic.MessageThreadID).Msg("Created forum topic")
	return topic.MessageThreadID, nil
}

// topicExists probes whether a forum topic is still present in the chat.
func (c *Client) topicExists(ctx context.Context, threadID int64) bool {
	err := c.call(ctx, "getForumTopic", map[string]any{
		"chat_id":           c.cfg.TelegramChatID,
		"message_thread_id": threadID,
	}, nil)
	return err == nil
}

// CleanInvalidTopics verifies every cached topic and drops the ones that no
// longer exist. Returns how many were removed.
func (c *Client) CleanInvalidTopics(ctx context.Context) int {
	c.topicMu.Lock()
	defer c.topicMu.Unlock()

	c.mu.Lock()
	topics := make(map[string]int64, len(c.blob.Topics))
	for g, id := range c.blob.Topics {
		topics[g] = id
	}
	c.mu.Unlock()

	removed := 0
	for guild, id := range topics {
		if c.topicExists(ctx, id) {
			continue
		}
		c.mu.Lock()
		delete(c.blob.Topics, guild)
		c.mu.Unlock()
		monitoring.TopicsPruned.Inc()
		removed++
		c.logger.Info().Str("guild", guild).Int64("topic_id", id).Msg("Removed stale topic mapping")
	}

	if removed > 0 {
		c.persist(ctx)
	}
	return removed
}

// PruneMessages drops message-id mappings older than ttl. Keeps the blob
// bounded; called from the cleanup loop.
func (c *Client) PruneMessages(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.blob.Messages {
		ts, err := time.Parse(time.RFC3339Nano, key)
		if err != nil || ts.Before(cutoff) {
			delete(c.blob.Messages, key)
			removed++
		}
	}
	return removed
}

// MappingCounts reports the tracked topic and message mapping sizes.
func (c *Client) MappingCounts() (topics, messages int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blob.Topics), len(c.blob.Messages)
}

// Persist writes the current blob through the store.
func (c *Client) Persist(ctx context.Context) error {
	c.mu.Lock()
	snapshot := &Blob{
		Topics:   make(map[string]int64, len(c.blob.Topics)),
		Messages: make(map[string]int64, len(c.blob.Messages)),
	}
	for k, v := range c.blob.Topics {
		snapshot.Topics[k] = v
	}
	for k, v := range c.blob.Messages {
		snapshot.Messages[k] = v
	}
	c.mu.Unlock()

	return c.store.Save(ctx, snapshot)
}

// persist is Persist with the error demoted to a log line. Delivery never
// fails because the state write did.
func (c *Client) persist(ctx context.Context) {
	if err := c.Persist(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist state")
	}
}

// Cleanup flushes the blob one last time.
func (c *Client) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.persist(ctx)
	c.httpc.CloseIdleConnections()
	c.logger.Info().Msg("Telegram client cleaned up")
}
