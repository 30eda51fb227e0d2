package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"guildbridge/internal/config"
	"guildbridge/internal/model"
	"guildbridge/internal/monitoring"
	"guildbridge/internal/ratelimit"
)

// DefaultBaseURL is the Discord REST API root.
const DefaultBaseURL = "https://discord.com/api/v9"

// ErrNoValidTokens is returned by Initialize when every configured token
// failed validation.
var ErrNoValidTokens = errors.New("no valid discord tokens available")

const (
	httpTimeout = 30 * time.Second

	// MESSAGE_CONTENT intent flag on /users/@me.
	messageContentFlagBit = 18
)

// session is one authenticated HTTP session backed by a single token.
// REST calls are paced with a coarse token bucket so a burst against one
// endpoint cannot starve the whole token's budget at Discord's edge.
type session struct {
	index int
	token string
	httpc *http.Client
	pacer *rate.Limiter
}

// Client owns the source side of the bridge: N authenticated sessions
// (selected round-robin for REST pulls), the discovered guild records, and
// one gateway stream per session.
type Client struct {
	cfg     *config.Config
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
	baseURL string

	mu       sync.RWMutex
	sessions []*session
	guilds   map[string]*model.GuildRecord

	rr      atomic.Uint64
	running atomic.Bool

	connMu sync.Mutex
	conns  []io.Closer
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the REST API root. Used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// NewClient creates an uninitialized client. Call Initialize before use.
func NewClient(cfg *config.Config, limiter *ratelimit.Limiter, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With().Str("component", "discord").Logger(),
		baseURL: DefaultBaseURL,
		guilds:  make(map[string]*model.GuildRecord),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Raw REST payloads.

type userPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Flags    int64  `json:"flags"`
}

type guildPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type channelPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	ParentID string `json:"parent_id"`
}

type messagePayload struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Author    struct {
		Username string `json:"username"`
	} `json:"author"`
}

// Initialize opens one session per configured token, validates each, and
// runs the first guild discovery. Tokens failing any validation step are
// discarded; the call fails with ErrNoValidTokens only when none survive.
func (c *Client) Initialize(ctx context.Context) error {
	c.logger.Info().Int("token_count", len(c.cfg.DiscordTokens)).Msg("Initializing Discord client")

	var valid []*session
	for i, token := range c.cfg.DiscordTokens {
		s := &session{
			index: i,
			token: token,
			httpc: &http.Client{Timeout: httpTimeout},
			pacer: rate.NewLimiter(rate.Limit(c.cfg.DiscordRatePerSecond), 2),
		}

		if err := c.validateToken(ctx, s); err != nil {
			s.httpc.CloseIdleConnections()
			c.logger.Error().Err(err).Int("token_index", i).Msg("Discarding invalid token")
			continue
		}

		valid = append(valid, s)
		c.logger.Info().Int("token_index", i).Msg("Token validated")
	}

	if len(valid) == 0 {
		return ErrNoValidTokens
	}

	c.mu.Lock()
	c.sessions = valid
	c.mu.Unlock()
	monitoring.DiscordSessions.Set(float64(len(valid)))

	if err := c.DiscoverGuilds(ctx); err != nil {
		return fmt.Errorf("initial discovery: %w", err)
	}

	c.mu.RLock()
	guildCount := len(c.guilds)
	c.mu.RUnlock()
	c.logger.Info().
		Int("valid_tokens", len(valid)).
		Int("guilds_found", guildCount).
		Msg("Discord client initialized")
	return nil
}

// validateToken runs the three-step validation chain: the token must resolve
// a user, carry the MESSAGE_CONTENT intent bit, and see at least one guild.
func (c *Client) validateToken(ctx context.Context, s *session) error {
	if err := c.limiter.WaitIfNeeded(ctx, fmt.Sprintf("token_%d", s.index), c.cfg.RateLimitMaxWait); err != nil {
		return err
	}

	var user userPayload
	if err := c.getJSON(ctx, s, "/users/@me", nil, &user); err != nil {
		c.limiter.RecordError()
		return fmt.Errorf("token check: %w", err)
	}

	if user.Flags&(1<<messageContentFlagBit) == 0 {
		c.limiter.RecordError()
		return fmt.Errorf("token for %s missing MESSAGE_CONTENT intent", user.Username)
	}

	var guilds []guildPayload
	if err := c.getJSON(ctx, s, "/users/@me/guilds", nil, &guilds); err != nil {
		c.limiter.RecordError()
		return fmt.Errorf("guild access check: %w", err)
	}
	if len(guilds) == 0 {
		c.limiter.RecordError()
		return errors.New("token has no guild access")
	}

	c.limiter.RecordSuccess()
	return nil
}

// DiscoverGuilds re-runs guild and announcement-channel discovery using the
// first valid session. Existing guild records are replaced; the periodic
// sync loop calls this to track membership changes.
func (c *Client) DiscoverGuilds(ctx context.Context) error {
	c.mu.RLock()
	if len(c.sessions) == 0 {
		c.mu.RUnlock()
		return ErrNoValidTokens
	}
	s := c.sessions[0]
	c.mu.RUnlock()

	if err := c.limiter.WaitIfNeeded(ctx, "discover_guilds", c.cfg.RateLimitMaxWait); err != nil {
		return err
	}

	var guilds []guildPayload
	if err := c.getJSON(ctx, s, "/users/@me/guilds", nil, &guilds); err != nil {
		return fmt.Errorf("fetch guilds: %w", err)
	}
	c.logger.Info().Int("count", len(guilds)).Msg("Discovered guilds")

	if len(guilds) > c.cfg.MaxServers {
		guilds = guilds[:c.cfg.MaxServers]
	}

	for _, g := range guilds {
		if err := c.processGuild(ctx, s, g); err != nil {
			c.logger.Error().Err(err).Str("guild", g.Name).Msg("Failed to process guild")
		}
	}
	return nil
}

// processGuild inspects one guild's channels, keeps the announcement-like
// ones up to the per-guild cap, probes HTTP access for each, and stores the
// resulting record.
func (c *Client) processGuild(ctx context.Context, s *session, g guildPayload) error {
	if err := c.limiter.WaitIfNeeded(ctx, "guild_"+g.ID, c.cfg.RateLimitMaxWait); err != nil {
		return err
	}

	var channels []channelPayload
	if err := c.getJSON(ctx, s, "/guilds/"+g.ID+"/channels", nil, &channels); err != nil {
		return fmt.Errorf("fetch channels: %w", err)
	}

	record := model.NewGuildRecord(g.Name, g.ID, c.cfg.MaxChannelsPerServer)
	announcement := findAnnouncementChannels(channels)

	for _, ch := range announcement {
		rec := &model.ChannelRecord{
			ChannelID:   ch.ID,
			ChannelName: ch.Name,
			CategoryID:  ch.ParentID,
			LastChecked: time.Now(),
		}
		rec.HTTPAccessible = c.probeChannelAccess(ctx, s, ch.ID)
		if !record.AddChannel(rec) {
			break // per-guild cap reached
		}
	}

	record.UpdateStats()

	c.mu.Lock()
	c.guilds[g.Name] = record
	c.mu.Unlock()

	c.logger.Info().
		Str("guild", g.Name).
		Int("total_channels", len(channels)).
		Int("announcement_channels", len(announcement)).
		Int("accessible_channels", record.AccessibleChannelCount()).
		Msg("Processed guild")
	return nil
}

// findAnnouncementChannels keeps text (0) and announcement (5) channels
// whose name looks announcement-like.
func findAnnouncementChannels(channels []channelPayload) []channelPayload {
	var out []channelPayload
	for _, ch := range channels {
		if ch.Type != 0 && ch.Type != 5 {
			continue
		}
		name := strings.ToLower(ch.Name)
		if strings.HasSuffix(name, "announcement") ||
			strings.HasSuffix(name, "announcements") ||
			strings.Contains(name, "announce") ||
			strings.Contains(name, "news") {
			out = append(out, ch)
		}
	}
	return out
}

// probeChannelAccess checks whether a single-message pull succeeds.
func (c *Client) probeChannelAccess(ctx context.Context, s *session, channelID string) bool {
	if err := c.limiter.WaitIfNeeded(ctx, "test_channel_"+channelID, c.cfg.RateLimitMaxWait); err != nil {
		return false
	}

	var msgs []messagePayload
	err := c.getJSON(ctx, s, "/channels/"+channelID+"/messages", url.Values{"limit": {"1"}}, &msgs)
	if err != nil {
		c.limiter.RecordError()
		return false
	}
	c.limiter.RecordSuccess()
	return true
}

// RecentMessages pulls up to limit recent messages from one channel,
// validated and sorted ascending by timestamp. Payloads failing validation
// are skipped, not fatal. Sessions are rotated round-robin.
func (c *Client) RecentMessages(ctx context.Context, guildName, channelID string, limit int) ([]*model.Message, error) {
	c.mu.RLock()
	guild, ok := c.guilds[guildName]
	if !ok {
		c.mu.RUnlock()
		return nil, fmt.Errorf("guild %q not found", guildName)
	}
	channel, ok := guild.Channels[channelID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("channel %s not found in guild %q", channelID, guildName)
	}
	if !channel.HTTPAccessible {
		return nil, fmt.Errorf("channel %s not accessible via HTTP", channelID)
	}

	s := c.nextSession()
	if s == nil {
		return nil, ErrNoValidTokens
	}

	if err := c.limiter.WaitIfNeeded(ctx, "messages_"+channelID, c.cfg.RateLimitMaxWait); err != nil {
		return nil, err
	}

	if limit > c.cfg.MaxHistoryMessages {
		limit = c.cfg.MaxHistoryMessages
	}

	var raw []messagePayload
	err := c.getJSON(ctx, s, "/channels/"+channelID+"/messages", url.Values{"limit": {fmt.Sprint(limit)}}, &raw)
	if err != nil {
		c.limiter.RecordError()
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	c.limiter.RecordSuccess()

	messages := make([]*model.Message, 0, len(raw))
	for _, p := range raw {
		m, err := c.convertMessage(p, guildName, channel.ChannelName, guild.GuildID, channelID)
		if err != nil {
			c.logger.Warn().Err(err).Str("message_id", p.ID).Msg("Skipping invalid message payload")
			continue
		}
		messages = append(messages, m)
	}

	c.mu.Lock()
	channel.MessageCount += len(messages)
	if len(messages) > 0 {
		// The raw response is newest-first; index 0 carries the latest
		// timestamp, recorded before sorting.
		channel.LastMessageTime = messages[0].Timestamp
	}
	c.mu.Unlock()

	model.SortByTimestamp(messages)

	c.logger.Info().
		Str("guild", guildName).
		Str("channel", channel.ChannelName).
		Int("message_count", len(messages)).
		Msg("Retrieved messages")
	return messages, nil
}

// convertMessage builds a validated Message from a raw REST payload.
func (c *Client) convertMessage(p messagePayload, guildName, channelName, guildID, channelID string) (*model.Message, error) {
	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("timestamp %q: %w", p.Timestamp, err)
	}
	return model.NewMessage(model.RawMessage{
		Content:     p.Content,
		Timestamp:   ts,
		GuildName:   guildName,
		ChannelName: channelName,
		Author:      p.Author.Username,
		MessageID:   p.ID,
		ChannelID:   channelID,
		GuildID:     guildID,
	})
}

// nextSession rotates over the valid sessions round-robin.
func (c *Client) nextSession() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sessions) == 0 {
		return nil
	}
	idx := (c.rr.Add(1) - 1) % uint64(len(c.sessions))
	return c.sessions[idx]
}

// getJSON performs an authorized GET against the REST API and decodes the
// 200 response into v. The session pacer throttles ahead of the wire call.
func (c *Client) getJSON(ctx context.Context, s *session, path string, params url.Values, v any) error {
	if err := s.pacer.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", s.token)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Guilds returns a snapshot of the current guild records.
func (c *Client) Guilds() []*model.GuildRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.GuildRecord, 0, len(c.guilds))
	for _, g := range c.guilds {
		out = append(out, g)
	}
	return out
}

// Guild returns a single guild record by name.
func (c *Client) Guild(name string) (*model.GuildRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.guilds[name]
	return g, ok
}

// SessionCount reports the number of valid sessions. Used by health checks.
func (c *Client) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Cleanup stops the gateway loops, closes all stream connections, and
// releases the HTTP sessions.
func (c *Client) Cleanup() {
	c.running.Store(false)

	c.connMu.Lock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = nil
	c.connMu.Unlock()

	c.mu.Lock()
	for _, s := range c.sessions {
		s.httpc.CloseIdleConnections()
	}
	c.mu.Unlock()

	c.logger.Info().Msg("Discord client cleaned up")
}
