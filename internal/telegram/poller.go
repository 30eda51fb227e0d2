package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guildbridge/internal/monitoring"
)

const (
	// Long-poll window for getUpdates. The HTTP client timeout must stay
	// above this.
	updatePollSeconds = 30

	pollErrorBackoff = 5 * time.Second
)

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// RunPoller long-polls getUpdates and answers the operator commands
// (/status, /clean_topics) sent in the bridge chat. status supplies the
// current status text on demand. Blocks until ctx is cancelled.
func (c *Client) RunPoller(ctx context.Context, status func() string) {
	defer monitoring.RecoverPanic(c.logger, "telegramPoller")

	c.pollerRunning.Store(true)
	defer c.pollerRunning.Store(false)

	c.logger.Info().Msg("Command poller started")
	for ctx.Err() == nil {
		updates, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorBackoff):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= c.updateOffset {
				c.updateOffset = u.UpdateID + 1
			}
			c.handleUpdate(ctx, u, status)
		}
	}
}

// PollerRunning reports whether the command poller loop is alive. Feeds the
// health check.
func (c *Client) PollerRunning() bool {
	return c.pollerRunning.Load()
}

func (c *Client) getUpdates(ctx context.Context) ([]update, error) {
	var updates []update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          c.updateOffset,
		"timeout":         updatePollSeconds,
		"allowed_updates": []string{"message"},
	}, &updates)
	return updates, err
}

// handleUpdate dispatches one operator command. Messages outside the bridge
// chat and non-commands are ignored.
func (c *Client) handleUpdate(ctx context.Context, u update, status func() string) {
	if u.Message == nil || u.Message.Chat.ID != c.cfg.TelegramChatID {
		return
	}
	text := strings.TrimSpace(u.Message.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	cmd := strings.Fields(text)[0]
	// Commands in groups arrive as /cmd@botname.
	if i := strings.Index(cmd, "@"); i > 0 {
		if !strings.EqualFold(cmd[i+1:], c.botUsername) {
			return
		}
		cmd = cmd[:i]
	}

	c.logger.Info().Str("command", cmd).Msg("Operator command received")

	switch cmd {
	case "/start", "/help":
		c.reply(ctx, "Bridge commands:\n/status - current bridge status\n/clean_topics - drop stale topic mappings")
	case "/status":
		c.reply(ctx, status())
	case "/clean_topics":
		removed := c.CleanInvalidTopics(ctx)
		c.reply(ctx, fmt.Sprintf("Removed %d stale topic mapping(s)", removed))
	}
}

// reply sends a plain-text response into the bridge chat, outside any topic.
func (c *Client) reply(ctx context.Context, text string) {
	err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": c.cfg.TelegramChatID,
		"text":    text,
	}, nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send command reply")
	}
}
