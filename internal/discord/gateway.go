package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"guildbridge/internal/model"
	"guildbridge/internal/monitoring"
)

const (
	// GUILDS | GUILD_MESSAGES | MESSAGE_CONTENT
	gatewayIntents = 33281

	gatewayReadTimeout = 60 * time.Second
	gatewayDialTimeout = 30 * time.Second

	// Sessions are recycled after this long to avoid zombie streams that
	// stop delivering events without erroring.
	sessionMaxAge = time.Hour
)

// Gateway opcodes.
const (
	opDispatch  = 0
	opHeartbeat = 1
	opIdentify  = 2
	opHello     = 10
)

type gatewayFrame struct {
	Op int             `json:"op"`
	T  string          `json:"t"`
	S  int64           `json:"s"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold"`
	Intents        int                `json:"intents"`
}

type dispatchMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Author    struct {
		Username string `json:"username"`
	} `json:"author"`
}

// RunGateway opens one gateway stream per valid session and keeps each
// alive with reconnects until ctx is cancelled. Blocks until all streams
// have shut down.
func (c *Client) RunGateway(ctx context.Context, handler func(*model.Message)) {
	c.running.Store(true)

	c.mu.RLock()
	sessions := make([]*session, len(c.sessions))
	copy(sessions, c.sessions)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			defer monitoring.RecoverPanic(c.logger, fmt.Sprintf("gateway_%d", s.index))
			c.runSessionGateway(ctx, s, handler)
		}(s)
	}
	wg.Wait()
}

// runSessionGateway is the reconnect loop for one session's stream.
func (c *Client) runSessionGateway(ctx context.Context, s *session, handler func(*model.Message)) {
	logger := c.logger.With().Int("session", s.index).Logger()
	sessionLabel := strconv.Itoa(s.index)

	for ctx.Err() == nil && c.running.Load() {
		err := c.streamSession(ctx, s, handler, logger)
		if ctx.Err() != nil || !c.running.Load() {
			return
		}

		monitoring.GatewayReconnects.WithLabelValues(sessionLabel).Inc()
		logger.Warn().Err(err).
			Dur("reconnect_delay", c.cfg.WebsocketReconnectDelay).
			Msg("Gateway stream ended, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.WebsocketReconnectDelay):
		}
	}
}

// streamSession runs one stream connection to completion: resolve the
// gateway URL, dial, handshake, and pump events until an error or the
// session watchdog fires.
func (c *Client) streamSession(ctx context.Context, s *session, handler func(*model.Message), logger zerolog.Logger) error {
	gwURL, err := c.gatewayURL(ctx, s)
	if err != nil {
		return fmt.Errorf("resolve gateway url: %w", err)
	}

	sessCtx, cancel := context.WithTimeout(ctx, sessionMaxAge)
	defer cancel()

	dialer := ws.Dialer{Timeout: gatewayDialTimeout}
	conn, _, _, err := dialer.Dial(sessCtx, gwURL+"/?v=9&encoding=json")
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	c.trackConn(conn)
	defer func() {
		c.untrackConn(conn)
		conn.Close()
	}()

	// Unblock the read loop as soon as the watchdog or shutdown fires.
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	logger.Info().Msg("Gateway stream connected")
	return c.pumpEvents(sessCtx, s, conn, handler, logger)
}

// gatewayURL asks the REST API where the gateway lives.
func (c *Client) gatewayURL(ctx context.Context, s *session) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, s, "/gateway", nil, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("empty gateway url")
	}
	return strings.TrimRight(resp.URL, "/"), nil
}

// pumpEvents reads frames until error. HELLO starts the heartbeat and
// triggers IDENTIFY; dispatched MESSAGE_CREATE events flow to the handler.
func (c *Client) pumpEvents(ctx context.Context, s *session, conn net.Conn, handler func(*model.Message), logger zerolog.Logger) error {
	// Heartbeats and IDENTIFY are written from separate goroutines.
	var writeMu sync.Mutex
	writeFrame := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return wsutil.WriteClientText(conn, data)
	}

	hbDone := make(chan struct{})
	defer close(hbDone)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn.SetReadDeadline(time.Now().Add(gatewayReadTimeout))
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		var frame gatewayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn().Err(err).Msg("Discarding malformed gateway frame")
			continue
		}

		switch frame.Op {
		case opHello:
			var hello helloData
			if err := json.Unmarshal(frame.D, &hello); err != nil {
				return fmt.Errorf("parse hello: %w", err)
			}
			interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
			go c.heartbeatLoop(ctx, interval, writeFrame, hbDone, logger)

			identify := map[string]any{
				"op": opIdentify,
				"d": identifyData{
					Token: s.token,
					Properties: identifyProperties{
						OS:      "linux",
						Browser: "guildbridge",
						Device:  "guildbridge",
					},
					Compress:       false,
					LargeThreshold: 50,
					Intents:        gatewayIntents,
				},
			}
			if err := writeFrame(identify); err != nil {
				return fmt.Errorf("send identify: %w", err)
			}
			logger.Info().Dur("heartbeat_interval", interval).Msg("Gateway handshake complete")

		case opDispatch:
			if frame.T == "MESSAGE_CREATE" {
				monitoring.GatewayEvents.Inc()
				c.handleMessageCreate(frame.D, handler, logger)
			}
		}
	}
}

// heartbeatLoop sends {"op":1,"d":null} at the interval the server asked
// for. Stops when the stream closes.
func (c *Client) heartbeatLoop(ctx context.Context, interval time.Duration, writeFrame func(any) error, done <-chan struct{}, logger zerolog.Logger) {
	defer monitoring.RecoverPanic(c.logger, "heartbeatLoop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	beat := map[string]any{"op": opHeartbeat, "d": nil}
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := writeFrame(beat); err != nil {
				logger.Warn().Err(err).Msg("Heartbeat write failed")
				return
			}
		}
	}
}

// handleMessageCreate validates a dispatched event and forwards it. Events
// for channels we are not tracking are ignored; a live event also proves
// the channel is reachable over the stream.
func (c *Client) handleMessageCreate(raw json.RawMessage, handler func(*model.Message), logger zerolog.Logger) {
	var p dispatchMessage
	if err := json.Unmarshal(raw, &p); err != nil {
		logger.Warn().Err(err).Msg("Discarding malformed MESSAGE_CREATE")
		return
	}
	if strings.TrimSpace(p.Content) == "" {
		return
	}

	guildName, channel := c.lookupChannel(p.GuildID, p.ChannelID)
	if channel == nil {
		return
	}

	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		ts = time.Now()
	}

	m, err := model.NewMessage(model.RawMessage{
		Content:     p.Content,
		Timestamp:   ts,
		GuildName:   guildName,
		ChannelName: channel.ChannelName,
		Author:      p.Author.Username,
		MessageID:   p.ID,
		ChannelID:   p.ChannelID,
		GuildID:     p.GuildID,
	})
	if err != nil {
		monitoring.MessagesDropped.WithLabelValues(monitoring.DropReasonValidation).Inc()
		logger.Debug().Err(err).Str("message_id", p.ID).Msg("Dropping invalid live message")
		return
	}

	handler(m)
}

// lookupChannel resolves a tracked channel by guild and channel ID and
// marks it stream-accessible.
func (c *Client) lookupChannel(guildID, channelID string) (string, *model.ChannelRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, g := range c.guilds {
		if g.GuildID != guildID {
			continue
		}
		if ch, ok := g.Channels[channelID]; ok {
			if !ch.StreamAccessible {
				ch.StreamAccessible = true
				g.UpdateStats()
			}
			ch.MessageCount++
			ch.LastMessageTime = time.Now()
			g.TotalMessages++
			g.LastActivity = time.Now()
			return name, ch
		}
		return "", nil
	}
	return "", nil
}

func (c *Client) trackConn(conn net.Conn) {
	c.connMu.Lock()
	c.conns = append(c.conns, conn)
	c.connMu.Unlock()
}

func (c *Client) untrackConn(conn net.Conn) {
	c.connMu.Lock()
	for i, cn := range c.conns {
		if cn == conn {
			c.conns = append(c.conns[:i], c.conns[i+1:]...)
			break
		}
	}
	c.connMu.Unlock()
}
