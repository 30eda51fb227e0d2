package bridge

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"guildbridge/internal/config"
	"guildbridge/internal/model"
	"guildbridge/internal/monitoring"
	"guildbridge/internal/ratelimit"
)

const (
	// Ingress queue capacity. When full, new messages are dropped rather
	// than blocking the gateway readers.
	ingressCapacity = 1000

	// Above this depth the bridge reports itself unhealthy.
	ingressHighWater = 500

	// A partial batch is flushed after this long regardless of size.
	batchFlushInterval = 5 * time.Second

	periodicSyncInterval = 30 * time.Minute
	syncErrorBackoff     = 5 * time.Minute

	// Messages pulled per channel during the startup backfill, before the
	// history budget is divided across channels.
	backfillPerChannel = 10

	// Limiter buckets idle longer than this are evicted during cleanup.
	bucketMaxAge = time.Hour
)

// Source is the message origin: guild discovery, history pulls, and the
// live event stream. Implemented by the Discord client.
type Source interface {
	Initialize(ctx context.Context) error
	DiscoverGuilds(ctx context.Context) error
	RunGateway(ctx context.Context, handler func(*model.Message))
	RecentMessages(ctx context.Context, guildName, channelID string, limit int) ([]*model.Message, error)
	Guilds() []*model.GuildRecord
	SessionCount() int
	Cleanup()
}

// Sink is the delivery target. Implemented by the Telegram client.
type Sink interface {
	Initialize(ctx context.Context) error
	SendBatch(ctx context.Context, msgs []*model.Message) int
	RunPoller(ctx context.Context, status func() string)
	PollerRunning() bool
	CleanInvalidTopics(ctx context.Context) int
	PruneMessages(ttl time.Duration) int
	MappingCounts() (topics, messages int)
	Cleanup()
}

// Processor wires a Source to a Sink through a bounded ingress queue and a
// size-or-age batch buffer, and runs the maintenance loops around them.
type Processor struct {
	cfg      *config.Config
	logger   zerolog.Logger
	source   Source
	sink     Sink
	limiters []*ratelimit.Limiter

	ingress chan *model.Message

	statsMu   sync.Mutex
	stats     model.SystemStats
	startTime time.Time
	dayStart  time.Time
	hourStart time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	proc *process.Process
}

// NewProcessor assembles the pipeline. limiters are the rate limiters whose
// buckets the cleanup loop sweeps.
func NewProcessor(cfg *config.Config, source Source, sink Sink, limiters []*ratelimit.Limiter, logger zerolog.Logger) *Processor {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Processor{
		cfg:      cfg,
		logger:   logger.With().Str("component", "bridge").Logger(),
		source:   source,
		sink:     sink,
		limiters: limiters,
		ingress:  make(chan *model.Message, ingressCapacity),
		proc:     proc,
	}
}

// Start initializes both ends and launches the pipeline goroutines. An
// initialization failure on either end aborts the whole start.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.source.Initialize(ctx); err != nil {
		return fmt.Errorf("source init: %w", err)
	}
	if err := p.sink.Initialize(ctx); err != nil {
		return fmt.Errorf("sink init: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running.Store(true)

	now := time.Now()
	p.startTime = now
	p.dayStart = now
	p.hourStart = now

	p.spawn("gateway", func() { p.source.RunGateway(runCtx, p.Enqueue) })
	p.spawn("commandPoller", func() { p.sink.RunPoller(runCtx, p.StatusText) })
	p.spawn("batchLoop", func() { p.batchLoop(runCtx) })
	p.spawn("syncLoop", func() { p.syncLoop(runCtx) })
	p.spawn("cleanupLoop", func() { p.cleanupLoop(runCtx) })
	p.spawn("statsLoop", func() { p.statsLoop(runCtx) })
	p.spawn("backfill", func() { p.initialBackfill(runCtx) })

	p.logger.Info().Msg("Bridge pipeline started")
	return nil
}

func (p *Processor) spawn(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer monitoring.RecoverPanic(p.logger, name)
		fn()
	}()
}

// Stop shuts the pipeline down and flushes both ends.
func (p *Processor) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.source.Cleanup()
	p.sink.Cleanup()
	p.logger.Info().Msg("Bridge pipeline stopped")
}

// Running reports whether the pipeline is live.
func (p *Processor) Running() bool { return p.running.Load() }

// Enqueue accepts one message into the ingress queue. When the queue is
// full the message is dropped and counted; backpressure never reaches the
// gateway readers.
func (p *Processor) Enqueue(m *model.Message) {
	select {
	case p.ingress <- m:
		monitoring.IngressQueueDepth.Set(float64(len(p.ingress)))
	default:
		monitoring.MessagesDropped.WithLabelValues(monitoring.DropReasonQueueFull).Inc()
		p.recordError("queue full")
		p.logger.Warn().
			Str("guild", m.GuildName).
			Str("channel", m.ChannelName).
			Msg("Ingress queue full, dropping message")
	}
}

// QueueDepth is the current ingress backlog.
func (p *Processor) QueueDepth() int { return len(p.ingress) }

// batchLoop accumulates ingress messages and flushes when the batch reaches
// the configured size or the flush interval elapses, whichever comes first.
func (p *Processor) batchLoop(ctx context.Context) {
	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()

	var batch []*model.Message
	flush := func() {
		if len(batch) == 0 {
			return
		}
		delivered := p.sink.SendBatch(ctx, batch)
		p.statsMu.Lock()
		p.stats.MessagesProcessedToday += delivered
		p.stats.MessagesProcessedTotal += delivered
		p.statsMu.Unlock()
		if failed := len(batch) - delivered; failed > 0 {
			p.recordError(fmt.Sprintf("%d message(s) failed to deliver", failed))
		}
		batch = batch[:0]
		monitoring.BatchQueueDepth.Set(0)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case m := <-p.ingress:
			monitoring.IngressQueueDepth.Set(float64(len(p.ingress)))
			batch = append(batch, m)
			monitoring.BatchQueueDepth.Set(float64(len(batch)))
			if len(batch) >= p.cfg.MessageBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// syncLoop re-runs guild discovery periodically so membership and channel
// changes are picked up without a restart.
func (p *Processor) syncLoop(ctx context.Context) {
	interval := periodicSyncInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := p.source.DiscoverGuilds(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Periodic guild sync failed")
			p.recordError("guild sync: " + err.Error())
			interval = syncErrorBackoff
			continue
		}
		interval = periodicSyncInterval

		removed := p.sink.CleanInvalidTopics(ctx)
		p.refreshStats()
		p.logger.Info().Int("stale_topics_removed", removed).Msg("Periodic guild sync complete")
	}
}

// cleanupLoop sweeps limiter buckets, prunes expired message mappings, and
// rolls the daily/hourly counters.
func (p *Processor) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		evicted := 0
		for _, l := range p.limiters {
			evicted += l.ClearOldBuckets(bucketMaxAge)
		}
		pruned := p.sink.PruneMessages(time.Duration(p.cfg.MessageTTLSeconds) * time.Second)
		runtime.GC()

		now := time.Now()
		p.statsMu.Lock()
		if now.Sub(p.dayStart) >= 24*time.Hour {
			p.stats.MessagesProcessedToday = 0
			p.dayStart = now
		}
		if now.Sub(p.hourStart) >= time.Hour {
			p.stats.ErrorsLastHour = 0
			p.hourStart = now
		}
		p.statsMu.Unlock()

		p.logger.Debug().
			Int("buckets_evicted", evicted).
			Int("mappings_pruned", pruned).
			Msg("Cleanup pass complete")
	}
}

// statsLoop refreshes the derived counters, memory usage, and health
// gauges. Unhealthy states are logged, not acted on.
func (p *Processor) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.refreshStats()

		if !p.healthy() {
			p.logger.Warn().
				Int("sessions", p.source.SessionCount()).
				Bool("poller", p.sink.PollerRunning()).
				Int("queue_depth", len(p.ingress)).
				Msg("Bridge unhealthy")
		}
	}
}

// refreshStats recomputes the SystemStats snapshot from the live parts.
func (p *Processor) refreshStats() {
	guilds := p.source.Guilds()

	var totalChannels, activeChannels, activeServers int
	for _, g := range guilds {
		totalChannels += len(g.Channels)
		activeChannels += g.AccessibleChannelCount()
		if g.Status == model.GuildActive {
			activeServers++
		}
	}

	var memMB float64
	if p.proc != nil {
		if mem, err := p.proc.MemoryInfo(); err == nil {
			memMB = float64(mem.RSS) / (1024 * 1024)
			monitoring.MemoryRSSBytes.Set(float64(mem.RSS))
		}
	}

	p.statsMu.Lock()
	p.stats.TotalServers = len(guilds)
	p.stats.ActiveServers = activeServers
	p.stats.TotalChannels = totalChannels
	p.stats.ActiveChannels = activeChannels
	p.stats.MemoryUsageMB = memMB
	p.stats.UptimeSeconds = int(time.Since(p.startTime).Seconds())
	score := p.stats.HealthScore()
	p.statsMu.Unlock()

	monitoring.HealthScore.Set(score)
	for _, l := range p.limiters {
		monitoring.LimiterMultiplier.WithLabelValues(l.Name()).Set(l.Multiplier())
	}
}

// healthy is the liveness predicate: sessions up, poller up, queue below
// the high-water mark.
func (p *Processor) healthy() bool {
	return p.source.SessionCount() > 0 &&
		p.sink.PollerRunning() &&
		len(p.ingress) < ingressHighWater
}

// initialBackfill pulls a slice of recent history from every accessible
// channel at startup so the chat is not empty until the first live event.
// The per-channel pull shrinks as the channel count grows to keep the total
// within the history budget.
func (p *Processor) initialBackfill(ctx context.Context) {
	guilds := p.source.Guilds()

	total := 0
	for _, g := range guilds {
		total += g.AccessibleChannelCount()
	}
	if total == 0 {
		p.logger.Warn().Msg("No accessible channels, skipping backfill")
		return
	}

	perChannel := backfillPerChannel
	if budget := p.cfg.MaxHistoryMessages / total; budget < perChannel {
		perChannel = budget
	}
	if perChannel < 1 {
		perChannel = 1
	}

	pulled := 0
	for _, g := range guilds {
		for id, ch := range g.Channels {
			if !ch.HTTPAccessible {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			msgs, err := p.source.RecentMessages(ctx, g.GuildName, id, perChannel)
			if err != nil {
				p.logger.Warn().Err(err).
					Str("guild", g.GuildName).
					Str("channel", ch.ChannelName).
					Msg("Backfill pull failed")
				continue
			}
			for _, m := range msgs {
				p.Enqueue(m)
			}
			pulled += len(msgs)
		}
	}

	p.logger.Info().
		Int("channels", total).
		Int("per_channel", perChannel).
		Int("messages", pulled).
		Msg("Initial backfill complete")
}

func (p *Processor) recordError(msg string) {
	p.statsMu.Lock()
	p.stats.ErrorsLastHour++
	p.stats.LastError = msg
	p.stats.LastErrorTime = time.Now()
	p.statsMu.Unlock()
}

// Stats returns the current counter snapshot.
func (p *Processor) Stats() model.SystemStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// Status assembles the machine-readable status document for the admin
// endpoint.
func (p *Processor) Status() map[string]any {
	p.refreshStats()
	stats := p.Stats()

	limiters := make([]ratelimit.Stats, 0, len(p.limiters))
	for _, l := range p.limiters {
		limiters = append(limiters, l.GetStats())
	}
	topics, mappings := p.sink.MappingCounts()

	servers := make(map[string]any)
	for _, g := range p.source.Guilds() {
		servers[g.GuildName] = map[string]any{
			"status":              string(g.Status),
			"channels":            len(g.Channels),
			"accessible_channels": g.AccessibleChannelCount(),
			"last_sync":           g.LastSync,
		}
	}

	return map[string]any{
		"status":           stats.StatusBanner(),
		"health_score":     stats.HealthScore(),
		"running":          p.running.Load(),
		"stats":            stats,
		"queue_depth":      len(p.ingress),
		"servers":          servers,
		"discord_sessions": p.source.SessionCount(),
		"poller_running":   p.sink.PollerRunning(),
		"topics":           topics,
		"message_mappings": mappings,
		"rate_limiters":    limiters,
	}
}

// StatusText renders the human-readable status answer for the /status
// command.
func (p *Processor) StatusText() string {
	p.refreshStats()
	stats := p.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "%s (score %.0f)\n", stats.StatusBanner(), stats.HealthScore())
	fmt.Fprintf(&b, "Uptime: %s\n", (time.Duration(stats.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(&b, "Servers: %d active / %d total\n", stats.ActiveServers, stats.TotalServers)
	fmt.Fprintf(&b, "Channels: %d active / %d total\n", stats.ActiveChannels, stats.TotalChannels)
	fmt.Fprintf(&b, "Messages: %d today, %d total\n", stats.MessagesProcessedToday, stats.MessagesProcessedTotal)
	fmt.Fprintf(&b, "Queue: %d/%d\n", len(p.ingress), ingressCapacity)
	fmt.Fprintf(&b, "Memory: %.1f MB\n", stats.MemoryUsageMB)
	if stats.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s (%s)\n", stats.LastError, stats.LastErrorTime.Format(time.RFC3339))
	}
	for _, l := range p.limiters {
		fmt.Fprintf(&b, "Limiter %s: x%.2f\n", l.Name(), l.Multiplier())
	}
	return strings.TrimRight(b.String(), "\n")
}
