package model

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Validation errors returned by NewMessage. Callers typically skip the
// offending payload and keep going; a single bad message never aborts a batch.
var (
	ErrEmptyContent    = errors.New("message content is empty after cleaning")
	ErrContentTooLong  = errors.New("message content exceeds maximum length")
	ErrFutureTimestamp = errors.New("message timestamp cannot be in the future")
	ErrEmptyName       = errors.New("name is empty after cleaning")
	ErrBadSnowflake    = errors.New("identifier is not a valid snowflake")
)

// MaxContentLength is the longest content accepted after normalization.
// Telegram rejects messages above 4096 characters; we stay below that so the
// formatted header lines still fit.
const MaxContentLength = 4000

var (
	userMentionRe    = regexp.MustCompile(`<@!?\d+>`)
	channelMentionRe = regexp.MustCompile(`<#\d+>`)
	roleMentionRe    = regexp.MustCompile(`<@&\d+>`)
	nameStripRe      = regexp.MustCompile(`[^A-Za-z0-9_ \-\.]`)
	snowflakeRe      = regexp.MustCompile(`^\d{17,19}$`)
)

// RawMessage is the unvalidated input to NewMessage, assembled from either a
// REST message payload or a gateway MESSAGE_CREATE event.
type RawMessage struct {
	Content     string
	Timestamp   time.Time
	GuildName   string
	ChannelName string
	Author      string

	MessageID string
	ChannelID string
	GuildID   string

	Attachments []string
	Embeds      []string
}

// Message is a validated, immutable message record flowing through the
// pipeline. Construct only via NewMessage; all cleaning lives there.
type Message struct {
	Content     string
	Timestamp   time.Time
	GuildName   string
	ChannelName string
	Author      string

	MessageID string
	ChannelID string
	GuildID   string

	TranslatedContent string
	Attachments       []string
	Embeds            []string

	ProcessedAt       time.Time
	TelegramMessageID int64
}

// NewMessage validates and normalizes a raw payload into a Message.
//
// Rules:
//   - content: mention tokens replaced ([User]/[Channel]/[Role]), trimmed,
//     non-empty, at most MaxContentLength characters
//   - timestamp: must not be strictly in the future
//   - guild/channel/author names: stripped to [A-Za-z0-9_ \-\.], non-empty
//   - message/channel/guild ids: 17-19 digit snowflakes when present
func NewMessage(raw RawMessage) (*Message, error) {
	content, err := NormalizeContent(raw.Content)
	if err != nil {
		return nil, err
	}

	if raw.Timestamp.After(time.Now()) {
		return nil, ErrFutureTimestamp
	}

	guildName, err := SanitizeName(raw.GuildName)
	if err != nil {
		return nil, fmt.Errorf("guild name: %w", err)
	}
	channelName, err := SanitizeName(raw.ChannelName)
	if err != nil {
		return nil, fmt.Errorf("channel name: %w", err)
	}
	author, err := SanitizeName(raw.Author)
	if err != nil {
		return nil, fmt.Errorf("author: %w", err)
	}

	for _, id := range []string{raw.MessageID, raw.ChannelID, raw.GuildID} {
		if id != "" && !snowflakeRe.MatchString(id) {
			return nil, fmt.Errorf("%w: %q", ErrBadSnowflake, id)
		}
	}

	return &Message{
		Content:     content,
		Timestamp:   raw.Timestamp,
		GuildName:   guildName,
		ChannelName: channelName,
		Author:      author,
		MessageID:   raw.MessageID,
		ChannelID:   raw.ChannelID,
		GuildID:     raw.GuildID,
		Attachments: raw.Attachments,
		Embeds:      raw.Embeds,
	}, nil
}

// NormalizeContent scrubs Discord mention tokens and trims whitespace.
// Idempotent: normalizing already-normalized content is a no-op.
func NormalizeContent(content string) (string, error) {
	if content == "" {
		return "", ErrEmptyContent
	}

	content = userMentionRe.ReplaceAllString(content, "[User]")
	content = channelMentionRe.ReplaceAllString(content, "[Channel]")
	content = roleMentionRe.ReplaceAllString(content, "[Role]")
	content = strings.TrimSpace(content)

	if content == "" {
		return "", ErrEmptyContent
	}
	if len([]rune(content)) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return content, nil
}

// SanitizeName strips characters outside [A-Za-z0-9_ \-\.] and trims the
// result. Used for guild, channel, and author names.
func SanitizeName(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}

	name = nameStripRe.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)

	if name == "" {
		return "", ErrEmptyName
	}
	return name, nil
}

// TimestampKey is the string form under which the message's Telegram id is
// tracked in the persistent mapping.
func (m *Message) TimestampKey() string {
	return m.Timestamp.Format(time.RFC3339Nano)
}

// TelegramFormat renders the message body sent to Telegram. Lines are joined
// by newlines; the guild and timestamp lines are optional per configuration.
func (m *Message) TelegramFormat(showTimestamp, showGuild bool) string {
	parts := make([]string, 0, 5)

	if showGuild {
		parts = append(parts, fmt.Sprintf("🏰 **%s**", m.GuildName))
	}
	parts = append(parts, fmt.Sprintf("📢 #%s", m.ChannelName))
	if showTimestamp {
		parts = append(parts, fmt.Sprintf("📅 %s", m.Timestamp.Format("2006-01-02 15:04:05")))
	}
	parts = append(parts, fmt.Sprintf("👤 %s", m.Author))
	parts = append(parts, fmt.Sprintf("💬 %s", m.Content))

	return strings.Join(parts, "\n")
}

// SortByTimestamp orders messages ascending by source timestamp, in place.
// Stable so that equal timestamps keep their arrival order.
func SortByTimestamp(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
