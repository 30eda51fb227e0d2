package model

import "time"

// GuildStatus tracks the lifecycle of a discovered guild.
type GuildStatus string

const (
	GuildPending  GuildStatus = "pending"
	GuildActive   GuildStatus = "active"
	GuildInactive GuildStatus = "inactive"
	GuildError    GuildStatus = "error"
)

// ChannelRecord describes a single announcement channel within a guild.
// Owned by its GuildRecord; mutated only by the Discord client.
type ChannelRecord struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	CategoryID  string `json:"category_id,omitempty"`

	HTTPAccessible   bool      `json:"http_accessible"`
	StreamAccessible bool      `json:"stream_accessible"`
	LastChecked      time.Time `json:"last_checked"`

	MessageCount    int       `json:"message_count"`
	LastMessageTime time.Time `json:"last_message_time"`
	ErrorCount      int       `json:"error_count"`
}

// Accessible reports whether the channel is readable through any transport.
func (c *ChannelRecord) Accessible() bool {
	return c.HTTPAccessible || c.StreamAccessible
}

// AccessMethod names the transport(s) confirmed for this channel.
func (c *ChannelRecord) AccessMethod() string {
	switch {
	case c.HTTPAccessible && c.StreamAccessible:
		return "HTTP+Stream"
	case c.HTTPAccessible:
		return "HTTP only"
	case c.StreamAccessible:
		return "Stream only"
	default:
		return "No access"
	}
}

// MaxChannelsCap is the hard upper bound on channels tracked per guild.
const MaxChannelsCap = 20

// GuildRecord describes a discovered source guild and its tracked channels.
// Created during discovery by the Discord client and owned by it until
// process exit.
type GuildRecord struct {
	GuildName string `json:"guild_name"`
	GuildID   string `json:"guild_id"`

	Channels    map[string]*ChannelRecord `json:"channels"`
	MaxChannels int                       `json:"max_channels"`

	Status       GuildStatus `json:"status"`
	LastSync     time.Time   `json:"last_sync,omitzero"`
	ErrorMessage string      `json:"error_message,omitempty"`

	TelegramTopicID int64     `json:"telegram_topic_id,omitempty"`
	TopicCreatedAt  time.Time `json:"topic_created_at,omitzero"`

	TotalMessages  int       `json:"total_messages"`
	ActiveChannels int       `json:"active_channels"`
	LastActivity   time.Time `json:"last_activity,omitzero"`
}

// NewGuildRecord creates a pending guild with the given channel cap.
// The cap is clamped to [1, MaxChannelsCap].
func NewGuildRecord(name, id string, maxChannels int) *GuildRecord {
	if maxChannels < 1 {
		maxChannels = 1
	}
	if maxChannels > MaxChannelsCap {
		maxChannels = MaxChannelsCap
	}
	return &GuildRecord{
		GuildName:   name,
		GuildID:     id,
		Channels:    make(map[string]*ChannelRecord),
		MaxChannels: maxChannels,
		Status:      GuildPending,
	}
}

// AddChannel adds a channel if the guild is under its cap. Returns false when
// the cap would be exceeded; the channels invariant |channels| <= MaxChannels
// holds at all times.
func (g *GuildRecord) AddChannel(c *ChannelRecord) bool {
	if len(g.Channels) >= g.MaxChannels {
		return false
	}
	g.Channels[c.ChannelID] = c
	return true
}

// RemoveChannel drops a channel by id. Returns whether it was present.
func (g *GuildRecord) RemoveChannel(channelID string) bool {
	if _, ok := g.Channels[channelID]; !ok {
		return false
	}
	delete(g.Channels, channelID)
	return true
}

// AccessibleChannels returns the subset of channels confirmed readable.
func (g *GuildRecord) AccessibleChannels() map[string]*ChannelRecord {
	out := make(map[string]*ChannelRecord)
	for id, c := range g.Channels {
		if c.Accessible() {
			out[id] = c
		}
	}
	return out
}

// AccessibleChannelCount is len(AccessibleChannels) without the allocation.
func (g *GuildRecord) AccessibleChannelCount() int {
	n := 0
	for _, c := range g.Channels {
		if c.Accessible() {
			n++
		}
	}
	return n
}

// UpdateStats refreshes the derived fields and flips status between ACTIVE
// and INACTIVE based on channel accessibility.
func (g *GuildRecord) UpdateStats() {
	g.ActiveChannels = g.AccessibleChannelCount()
	g.LastSync = time.Now()

	if g.ActiveChannels > 0 {
		g.Status = GuildActive
	} else {
		g.Status = GuildInactive
	}
}
